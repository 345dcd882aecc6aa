// Package indicator computes named indicator snapshots from candle windows.
package indicator

import (
	"encoding/json"
	"math"
	"sort"
)

// Kind distinguishes numeric from boolean indicator values
type Kind uint8

const (
	KindNumber Kind = iota + 1
	KindBool
)

// Value is a single indicator reading
type Value struct {
	Kind Kind
	Num  float64
	Bool bool
}

// Number builds a numeric value
func Number(v float64) Value { return Value{Kind: KindNumber, Num: v} }

// Bool builds a boolean value
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// Float returns the numeric reading; false when the value is boolean or NaN.
func (v Value) Float() (float64, bool) {
	if v.Kind != KindNumber || math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
		return 0, false
	}
	return v.Num, true
}

// Truth coerces the value to a boolean; false in the second return when it
// cannot be coerced (NaN or unset).
func (v Value) Truth() (bool, bool) {
	switch v.Kind {
	case KindBool:
		return v.Bool, true
	case KindNumber:
		if math.IsNaN(v.Num) {
			return false, false
		}
		return v.Num != 0, true
	default:
		return false, false
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.Num)
	default:
		return []byte("null"), nil
	}
}

// Snapshot maps indicator names to their latest values. A snapshot is
// never mutated after it is handed to consumers.
type Snapshot map[string]Value

// Lookup returns the value for name
func (s Snapshot) Lookup(name string) (Value, bool) {
	v, ok := s[name]
	return v, ok
}

// Names returns the sorted indicator names present in the snapshot
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
