// Package condition implements declarative rule trees and their evaluation
// against indicator snapshots.
//
// A tree is built from three node kinds: Comparison leaves, BoolCheck leaves
// and AND/OR groups. Trees are immutable once parsed.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// CompareOp is a numeric comparison operator
type CompareOp string

const (
	OpGT  CompareOp = "GT"
	OpGTE CompareOp = "GTE"
	OpLT  CompareOp = "LT"
	OpLTE CompareOp = "LTE"
	OpEQ  CompareOp = "EQ"
	OpNEQ CompareOp = "NEQ"
)

// Valid reports whether op is a known comparison operator
func (op CompareOp) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ:
		return true
	}
	return false
}

// GroupOp combines child nodes
type GroupOp string

const (
	OpAND GroupOp = "AND"
	OpOR  GroupOp = "OR"
)

// Valid reports whether op is AND or OR
func (op GroupOp) Valid() bool {
	return op == OpAND || op == OpOR
}

// Node is one of *Comparison, *BoolCheck or *Group.
type Node interface {
	isNode()
	String() string
}

// Operand is the right-hand side of a comparison: Literal or IndicatorRef.
type Operand interface {
	isOperand()
	String() string
}

// Literal is a constant number
type Literal float64

func (Literal) isOperand() {}

func (l Literal) String() string {
	return strconv.FormatFloat(float64(l), 'f', -1, 64)
}

// IndicatorRef names another indicator in the same snapshot
type IndicatorRef string

func (IndicatorRef) isOperand() {}

func (r IndicatorRef) String() string { return string(r) }

// Comparison compares an indicator against an operand
type Comparison struct {
	Indicator string
	Op        CompareOp
	RHS       Operand
}

func (*Comparison) isNode() {}

func (c *Comparison) String() string {
	rhs := "<nil>"
	if c.RHS != nil {
		rhs = c.RHS.String()
	}
	return fmt.Sprintf("%s %s %s", c.Indicator, c.Op, rhs)
}

// BoolCheck tests the boolean reading of an indicator
type BoolCheck struct {
	Indicator string
	Expected  bool
}

func (*BoolCheck) isNode() {}

func (b *BoolCheck) String() string {
	return fmt.Sprintf("%s == %t", b.Indicator, b.Expected)
}

// Group combines children with AND or OR, in order
type Group struct {
	Op       GroupOp
	Children []Node
}

func (*Group) isNode() {}

func (g *Group) String() string {
	parts := make([]string, len(g.Children))
	for i, child := range g.Children {
		if child == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = child.String()
	}
	return fmt.Sprintf("%s[%s]", g.Op, strings.Join(parts, ", "))
}

// Compare builds a comparison against a literal
func Compare(indicator string, op CompareOp, value float64) *Comparison {
	return &Comparison{Indicator: indicator, Op: op, RHS: Literal(value)}
}

// CompareRef builds a comparison against another indicator
func CompareRef(indicator string, op CompareOp, other string) *Comparison {
	return &Comparison{Indicator: indicator, Op: op, RHS: IndicatorRef(other)}
}

// Is builds a boolean check
func Is(indicator string, expected bool) *BoolCheck {
	return &BoolCheck{Indicator: indicator, Expected: expected}
}

// All builds an AND group
func All(children ...Node) *Group {
	return &Group{Op: OpAND, Children: children}
}

// Any builds an OR group
func Any(children ...Node) *Group {
	return &Group{Op: OpOR, Children: children}
}

// Indicators returns every indicator name referenced by node, in tree order
// and without duplicates.
func Indicators(node Node) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
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
			add(v.Indicator)
			if ref, ok := v.RHS.(IndicatorRef); ok {
				add(string(ref))
			}
		case *BoolCheck:
			add(v.Indicator)
		case *Group:
			for _, child := range v.Children {
				walk(child)
			}
		}
	}
	walk(node)
	return out
}
