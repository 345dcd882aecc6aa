package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/atlas-desktop/strategy-engine/internal/indicator"
)

// rawNode is the loose wire shape: a group carries "conditions", a leaf
// carries "indicator" and a "value" that is a number, an indicator name
// or a boolean.
type rawNode struct {
	Indicator  string            `json:"indicator"`
	Operator   string            `json:"operator"`
	Value      json.RawMessage   `json:"value"`
	Conditions []json.RawMessage `json:"conditions"`
}

var compareAliases = map[string]CompareOp{
	"GT": OpGT, ">": OpGT,
	"GTE": OpGTE, ">=": OpGTE,
	"LT": OpLT, "<": OpLT,
	"LTE": OpLTE, "<=": OpLTE,
	"EQ": OpEQ, "==": OpEQ, "=": OpEQ,
	"NEQ": OpNEQ, "!=": OpNEQ, "NE": OpNEQ,
}

// Parse converts the JSON form of a condition tree into a Node. An empty
// payload or null yields a nil Node.
func Parse(data []byte) (Node, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	return parseNode(data, "$")
}

func parseNode(data []byte, path string) (Node, error) {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if raw.Conditions != nil {
		op := GroupOp(strings.ToUpper(strings.TrimSpace(raw.Operator)))
		if op == "" {
			op = OpAND
		}
		if !op.Valid() {
			return nil, fmt.Errorf("%s: unknown group operator %q", path, raw.Operator)
		}
		group := &Group{Op: op, Children: make([]Node, 0, len(raw.Conditions))}
		for i, childData := range raw.Conditions {
			child, err := parseNode(childData, fmt.Sprintf("%s.conditions[%d]", path, i))
			if err != nil {
				return nil, err
			}
			if child == nil {
				return nil, fmt.Errorf("%s.conditions[%d]: null condition", path, i)
			}
			group.Children = append(group.Children, child)
		}
		return group, nil
	}

	if raw.Indicator == "" {
		return nil, fmt.Errorf("%s: leaf without indicator", path)
	}

	value := bytes.TrimSpace(raw.Value)
	if len(value) == 0 {
		return nil, fmt.Errorf("%s: leaf %q without value", path, raw.Indicator)
	}

	var op CompareOp
	if raw.Operator != "" {
		var ok bool
		op, ok = compareAliases[strings.ToUpper(strings.TrimSpace(raw.Operator))]
		if !ok {
			return nil, fmt.Errorf("%s: unknown operator %q", path, raw.Operator)
		}
	}

	switch value[0] {
	case 't', 'f':
		var expected bool
		if err := json.Unmarshal(value, &expected); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		switch op {
		case "", OpEQ:
		case OpNEQ:
			expected = !expected
		default:
			return nil, fmt.Errorf("%s: operator %s not allowed on boolean %q", path, op, raw.Indicator)
		}
		return &BoolCheck{Indicator: raw.Indicator, Expected: expected}, nil
	case '"':
		if op == "" {
			return nil, fmt.Errorf("%s: comparison %q without operator", path, raw.Indicator)
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		s = strings.TrimSpace(s)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return &Comparison{Indicator: raw.Indicator, Op: op, RHS: Literal(f)}, nil
		}
		if s == "" {
			return nil, fmt.Errorf("%s: empty indicator reference", path)
		}
		return &Comparison{Indicator: raw.Indicator, Op: op, RHS: IndicatorRef(s)}, nil
	default:
		if op == "" {
			return nil, fmt.Errorf("%s: comparison %q without operator", path, raw.Indicator)
		}
		var f float64
		if err := json.Unmarshal(value, &f); err != nil {
			return nil, fmt.Errorf("%s: value of %q: %w", path, raw.Indicator, err)
		}
		return &Comparison{Indicator: raw.Indicator, Op: op, RHS: Literal(f)}, nil
	}
}

type groupJSON struct {
	Operator   GroupOp `json:"operator"`
	Conditions []any   `json:"conditions"`
}

type leafJSON struct {
	Indicator string    `json:"indicator"`
	Operator  CompareOp `json:"operator"`
	Value     any       `json:"value"`
}

func toJSON(node Node) any {
	switch n := node.(type) {
	case *Group:
		children := make([]any, 0, len(n.Children))
		for _, child := range n.Children {
			children = append(children, toJSON(child))
		}
		return groupJSON{Operator: n.Op, Conditions: children}
	case *Comparison:
		leaf := leafJSON{Indicator: n.Indicator, Operator: n.Op}
		switch rhs := n.RHS.(type) {
		case Literal:
			leaf.Value = float64(rhs)
		case IndicatorRef:
			leaf.Value = string(rhs)
		}
		return leaf
	case *BoolCheck:
		return leafJSON{Indicator: n.Indicator, Operator: OpEQ, Value: n.Expected}
	default:
		return nil
	}
}

// Marshal renders node in the same shape Parse accepts
func Marshal(node Node) ([]byte, error) {
	return json.Marshal(toJSON(node))
}

// Tree wraps a root node so it can live inside JSON and config structs.
// The zero Tree has no root and never matches.
type Tree struct {
	Root Node
}

// NewTree wraps node
func NewTree(node Node) Tree { return Tree{Root: node} }

// Empty reports whether the tree has no root
func (t Tree) Empty() bool { return t.Root == nil }

// Evaluate evaluates the root against snap
func (t Tree) Evaluate(snap indicator.Snapshot) bool {
	return Evaluate(t.Root, snap)
}

func (t Tree) String() string {
	if t.Root == nil {
		return "<none>"
	}
	return t.Root.String()
}

func (t Tree) MarshalJSON() ([]byte, error) {
	return Marshal(t.Root)
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	node, err := Parse(data)
	if err != nil {
		return err
	}
	t.Root = node
	return nil
}
