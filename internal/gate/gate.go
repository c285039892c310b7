// Package gate decides whether a disposition form is complete enough to finish a task.
//
// The rules are data: a Table lists field rules that always apply, named rule
// sets, and which disposition codes pull in which set. Each rule is a
// go-playground/validator tag evaluated against one form field. The gate is
// pure and keeps no state between calls; callers re-evaluate on every change.
package gate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Condition struct {
	Field  string `yaml:"field" json:"field"`
	Equals string `yaml:"equals" json:"equals"`
}

func (c Condition) holds(fields map[string]string) bool {
	return strings.EqualFold(strings.TrimSpace(fields[c.Field]), c.Equals)
}

type FieldRule struct {
	Field  string     `yaml:"field" json:"field"`
	Rule   string     `yaml:"rule" json:"rule"`
	Unless *Condition `yaml:"unless,omitempty" json:"unless,omitempty"`
}

type Table struct {
	Always []FieldRule            `yaml:"always" json:"always"`
	Sets   map[string][]FieldRule `yaml:"sets" json:"sets"`
	Codes  map[string]string      `yaml:"codes" json:"codes"`
}

// Violation names a field that failed its rule.
type Violation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func (v Violation) String() string { return v.Field + ": " + v.Rule }

type Gate struct {
	table Table
	v     *validator.Validate
}

// PaymentSet is the rule set name the default table uses for payment dispositions.
const PaymentSet = "payment"

// DefaultTable requires comment and code on every disposition, and for the
// payment codes also method, type, date, amount and a reference unless paid in cash.
func DefaultTable() Table {
	return Table{
		Always: []FieldRule{
			{Field: "code", Rule: "required,notblank"},
			{Field: "comment", Rule: "required,notblank"},
		},
		Sets: map[string][]FieldRule{
			PaymentSet: {
				{Field: "payment_method", Rule: "required,notblank"},
				{Field: "payment_type", Rule: "required,notblank"},
				{Field: "payment_date", Rule: "required,datetime=2006-01-02"},
				{Field: "amount", Rule: "required,amount"},
				{Field: "reference", Rule: "required,notblank", Unless: &Condition{Field: "payment_method", Equals: "CASH"}},
			},
		},
		Codes: map[string]string{
			"PAID":          PaymentSet,
			"PTP":           PaymentSet,
			"UNEG":          PaymentSet,
			"PAID_CLAIMING": PaymentSet,
		},
	}
}

func Default() *Gate {
	g, err := New(DefaultTable())
	if err != nil {
		panic(err)
	}
	return g
}

// New compiles a table. Unknown validator tags and codes pointing at missing
// sets are reported here instead of at evaluation time.
func New(t Table) (*Gate, error) {
	v := validator.New()
	if err := v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	}); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		_, err := ParseAmount(fl.Field().String())
		return err == nil
	}); err != nil {
		return nil, err
	}
	g := &Gate{table: normalize(t), v: v}
	check := func(where string, rules []FieldRule) error {
		for _, r := range rules {
			if strings.TrimSpace(r.Field) == "" {
				return fmt.Errorf("%s: rule with empty field", where)
			}
			if err := g.probe(r.Rule); err != nil {
				return fmt.Errorf("%s: field %s: %w", where, r.Field, err)
			}
		}
		return nil
	}
	if err := check("always", g.table.Always); err != nil {
		return nil, err
	}
	for name, rules := range g.table.Sets {
		if err := check("set "+name, rules); err != nil {
			return nil, err
		}
	}
	for code, set := range g.table.Codes {
		if _, ok := g.table.Sets[set]; !ok {
			return nil, fmt.Errorf("code %s references unknown rule set %s", code, set)
		}
	}
	return g, nil
}

func normalize(t Table) Table {
	codes := make(map[string]string, len(t.Codes))
	for code, set := range t.Codes {
		codes[normCode(code)] = set
	}
	t.Codes = codes
	if t.Sets == nil {
		t.Sets = map[string][]FieldRule{}
	}
	return t
}

func normCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (g *Gate) probe(tag string) (err error) {
	if strings.TrimSpace(tag) == "" {
		return errors.New("empty rule")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rule %q: %v", tag, r)
		}
	}()
	_ = g.v.Var("", tag)
	return nil
}

func (g *Gate) rulesFor(code string) []FieldRule {
	rules := append([]FieldRule(nil), g.table.Always...)
	if set, ok := g.table.Codes[normCode(code)]; ok {
		rules = append(rules, g.table.Sets[set]...)
	}
	return rules
}

// Check returns every violated rule for the form, sorted by field.
func (g *Gate) Check(code string, fields map[string]string) []Violation {
	in := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		in[k] = v
	}
	in["code"] = code
	var out []Violation
	for _, r := range g.rulesFor(code) {
		if r.Unless != nil && r.Unless.holds(in) {
			continue
		}
		if err := g.v.Var(in[r.Field], r.Rule); err != nil {
			out = append(out, Violation{Field: r.Field, Rule: r.Rule})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func (g *Gate) CanFinish(code string, fields map[string]string) bool {
	return len(g.Check(code, fields)) == 0
}

// RequiredFields lists the fields that currently carry a rule for code, given
// the other values on the form. Clients use it to mark inputs as mandatory.
func (g *Gate) RequiredFields(code string, fields map[string]string) []string {
	in := map[string]string{"code": code}
	for k, v := range fields {
		in[k] = v
	}
	seen := map[string]bool{}
	var out []string
	for _, r := range g.rulesFor(code) {
		if r.Unless != nil && r.Unless.holds(in) {
			continue
		}
		if !seen[r.Field] {
			seen[r.Field] = true
			out = append(out, r.Field)
		}
	}
	sort.Strings(out)
	return out
}

// Table returns a copy of the compiled rule table.
func (g *Gate) Table() Table {
	t := Table{
		Always: append([]FieldRule(nil), g.table.Always...),
		Sets:   make(map[string][]FieldRule, len(g.table.Sets)),
		Codes:  make(map[string]string, len(g.table.Codes)),
	}
	for k, v := range g.table.Sets {
		t.Sets[k] = append([]FieldRule(nil), v...)
	}
	for k, v := range g.table.Codes {
		t.Codes[k] = v
	}
	return t
}

// ParseAmount converts a positive decimal string with at most two fractional
// digits into minor units.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("amount is empty")
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || !digits(whole) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if hasFrac && (frac == "" || len(frac) > 2 || !digits(frac)) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units > math.MaxInt64/100-1 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	cents, _ := strconv.ParseInt(frac, 10, 64)
	total := units*100 + cents
	if total <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %q", s)
	}
	return total, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
