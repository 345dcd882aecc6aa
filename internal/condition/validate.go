package condition

import (
	"fmt"
	"math"
)

// ValidationError locates a structural problem inside a tree
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Validate checks that every leaf names a known indicator, every operator is
// in its enumeration and no child is nil. known may be nil to skip the name
// check. A nil node is valid.
func Validate(node Node, known func(string) bool) error {
	if node == nil {
		return nil
	}
	return validate(node, known, "$")
}

func validate(node Node, known func(string) bool, path string) error {
	checkName := func(name string) error {
		if name == "" {
			return &ValidationError{Path: path, Reason: "empty indicator name"}
		}
		if known != nil && !known(name) {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("unknown indicator %q", name)}
		}
		return nil
	}

	switch n := node.(type) {
	case *Comparison:
		if n == nil {
			return &ValidationError{Path: path, Reason: "nil comparison"}
		}
		if err := checkName(n.Indicator); err != nil {
			return err
		}
		if !n.Op.Valid() {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("invalid operator %q", n.Op)}
		}
		switch rhs := n.RHS.(type) {
		case Literal:
			if math.IsNaN(float64(rhs)) || math.IsInf(float64(rhs), 0) {
				return &ValidationError{Path: path, Reason: "literal is not a finite number"}
			}
		case IndicatorRef:
			if err := checkName(string(rhs)); err != nil {
				return err
			}
		default:
			return &ValidationError{Path: path, Reason: "missing right-hand side"}
		}
	case *BoolCheck:
		if n == nil {
			return &ValidationError{Path: path, Reason: "nil boolean check"}
		}
		return checkName(n.Indicator)
	case *Group:
		if n == nil {
			return &ValidationError{Path: path, Reason: "nil group"}
		}
		if !n.Op.Valid() {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("invalid group operator %q", n.Op)}
		}
		for i, child := range n.Children {
			childPath := fmt.Sprintf("%s.conditions[%d]", path, i)
			if child == nil {
				return &ValidationError{Path: childPath, Reason: "nil child"}
			}
			if err := validate(child, known, childPath); err != nil {
				return err
			}
		}
	default:
		return &ValidationError{Path: path, Reason: fmt.Sprintf("unsupported node %T", node)}
	}
	return nil
}
