// Package guard compiles and evaluates the small boolean conditions attached
// to flows and to branch/validate steps.
//
// Two shapes are recognized:
//
//	input != 'YES'                  compares the raw inbound text
//	ai_analysis.category == 'X'     reads a field of a structured (JSON) variable
//
// plus the bare-variable form `name == 'X'`. Both == and != are accepted and
// literals may use single or double quotes. Comparisons are case-insensitive.
// Anything else compiles to an inert expression that always evaluates false:
// a malformed guard never blocks and never matches.
package guard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind tags a compiled expression.
type Kind int

const (
	// KindInert is an unrecognized or empty guard. It evaluates false.
	KindInert Kind = iota
	// KindInput compares the raw inbound text.
	KindInput
	// KindVariable compares a variable's string value.
	KindVariable
	// KindField compares a field of a structured variable.
	KindField
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindVariable:
		return "variable"
	case KindField:
		return "field"
	default:
		return "inert"
	}
}

// Operator is a comparison operator.
type Operator string

const (
	OpEqual    Operator = "=="
	OpNotEqual Operator = "!="
)

// InputName is the reserved identifier for the raw inbound text.
const InputName = "input"

// Expr is a compiled guard.
type Expr struct {
	Kind     Kind
	Variable string
	Field    string // gjson path, only for KindField
	Op       Operator
	Literal  string
	Source   string
}

var exprPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)(?:\.([A-Za-z_][A-Za-z0-9_.]*))?\s*(==|!=)\s*(?:'([^']*)'|"([^"]*)")\s*$`)

// Compile parses src. It never fails: unrecognized input yields a KindInert
// expression that records the source for diagnostics.
func Compile(src string) Expr {
	m := exprPattern.FindStringSubmatch(src)
	if m == nil {
		return Expr{Kind: KindInert, Source: src}
	}
	name, field, op := m[1], m[2], Operator(m[3])
	literal := m[4]
	if literal == "" {
		literal = m[5]
	}

	e := Expr{Variable: name, Field: field, Op: op, Literal: literal, Source: src}
	switch {
	case name == InputName && field == "":
		e.Kind = KindInput
	case name == InputName:
		// input has no fields
		return Expr{Kind: KindInert, Source: src}
	case field != "":
		e.Kind = KindField
	default:
		e.Kind = KindVariable
	}
	return e
}

// Empty reports whether the guard had no source text at all.
func (e Expr) Empty() bool {
	return strings.TrimSpace(e.Source) == ""
}

// Inert reports whether the expression is unrecognized (or empty).
func (e Expr) Inert() bool {
	return e.Kind == KindInert
}

// Eval evaluates the expression against the raw input and the variable bag.
// For a validate step a true result means "blocks"; for a branch step it means "jump".
func (e Expr) Eval(input string, vars map[string]string) bool {
	var actual string
	switch e.Kind {
	case KindInput:
		actual = input
	case KindVariable:
		actual = vars[e.Variable]
	case KindField:
		raw, ok := vars[e.Variable]
		if !ok || !gjson.Valid(raw) {
			actual = ""
		} else {
			actual = gjson.Get(raw, e.Field).String()
		}
	default:
		return false
	}

	eq := strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(e.Literal))
	if e.Op == OpNotEqual {
		return !eq
	}
	return eq
}

// Permits is the flow-level reading of a guard: empty and inert guards never
// exclude a flow, recognized guards admit the flow only when they hold.
func (e Expr) Permits(input string, vars map[string]string) bool {
	if e.Inert() {
		return true
	}
	return e.Eval(input, vars)
}

func (e Expr) String() string {
	switch e.Kind {
	case KindInput, KindVariable:
		return fmt.Sprintf("%s %s '%s'", e.Variable, e.Op, e.Literal)
	case KindField:
		return fmt.Sprintf("%s.%s %s '%s'", e.Variable, e.Field, e.Op, e.Literal)
	default:
		return fmt.Sprintf("inert(%q)", e.Source)
	}
}
