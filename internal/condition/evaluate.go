package condition

import (
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
)

// Evaluate reports whether node holds for snap. It never panics: missing,
// NaN or mistyped readings make the affected leaf false. A nil node is false.
func Evaluate(node Node, snap indicator.Snapshot) bool {
	switch n := node.(type) {
	case *Comparison:
		if n == nil {
			return false
		}
		return evalComparison(n, snap)
	case *BoolCheck:
		if n == nil {
			return false
		}
		v, ok := snap.Lookup(n.Indicator)
		if !ok {
			return false
		}
		b, ok := v.Truth()
		if !ok {
			return false
		}
		return b == n.Expected
	case *Group:
		if n == nil {
			return false
		}
		return evalGroup(n, snap)
	default:
		return false
	}
}

func evalGroup(g *Group, snap indicator.Snapshot) bool {
	switch g.Op {
	case OpAND:
		for _, child := range g.Children {
			if !Evaluate(child, snap) {
				return false
			}
		}
		return true
	case OpOR:
		for _, child := range g.Children {
			if Evaluate(child, snap) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evalComparison(c *Comparison, snap indicator.Snapshot) bool {
	lhs, ok := numeric(snap, c.Indicator)
	if !ok {
		return false
	}

	var rhs float64
	switch operand := c.RHS.(type) {
	case Literal:
		rhs = float64(operand)
	case IndicatorRef:
		rhs, ok = numeric(snap, string(operand))
		if !ok {
			return false
		}
	default:
		return false
	}

	switch c.Op {
	case OpGT:
		return lhs > rhs
	case OpGTE:
		return lhs >= rhs
	case OpLT:
		return lhs < rhs
	case OpLTE:
		return lhs <= rhs
	case OpEQ:
		return lhs == rhs
	case OpNEQ:
		return lhs != rhs
	default:
		return false
	}
}

func numeric(snap indicator.Snapshot, name string) (float64, bool) {
	v, ok := snap.Lookup(name)
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Missing lists the indicators node needs that snap cannot supply, either
// absent or unusable for the leaf that reads them.
func Missing(node Node, snap indicator.Snapshot) []string {
	var out []string
	seen := make(map[string]struct{})
	report := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *Comparison:
			if _, ok := numeric(snap, v.Indicator); !ok {
				report(v.Indicator)
			}
			if ref, ok := v.RHS.(IndicatorRef); ok {
				if _, ok := numeric(snap, string(ref)); !ok {
					report(string(ref))
				}
			}
		case *BoolCheck:
			val, ok := snap.Lookup(v.Indicator)
			if !ok {
				report(v.Indicator)
				return
			}
			if _, ok := val.Truth(); !ok {
				report(v.Indicator)
			}
		case *Group:
			for _, child := range v.Children {
				walk(child)
			}
		}
	}
	walk(node)
	return out
}
