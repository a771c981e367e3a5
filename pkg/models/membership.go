package models

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// Combiner turns one row's normalized per-field weights into a membership
// score. The map holds exactly the basis fields present on the query record.
type Combiner func(normalized map[string]float64) float64

// Membership selects a Combiner for the set of basis fields present on a
// query record. It returns ErrUnsupportedBasisCombination for sets it has no
// rule for.
type Membership interface {
	Compile(fields []string) (Combiner, error)
}

// MembershipFunc adapts a plain function to Membership
type MembershipFunc func(fields []string) (Combiner, error)

// Compile calls f
func (f MembershipFunc) Compile(fields []string) (Combiner, error) {
	return f(fields)
}

// PowerTerm is pow(normalized weight of Field, Exponent)
type PowerTerm struct {
	Field    string  `json:"field" yaml:"field"`
	Exponent float64 `json:"exponent" yaml:"exponent"`
}

// PowerProduct is a product of factors where each factor is a sum of power
// terms, e.g. (pow(hdd,0.8) + pow(cdd,0.8)) * pow(rooms,0.8).
type PowerProduct [][]PowerTerm

// Combine evaluates the product for one row
func (p PowerProduct) Combine(normalized map[string]float64) float64 {
	product := 1.0
	for _, factor := range p {
		sum := 0.0
		for _, term := range factor {
			sum += math.Pow(normalized[term.Field], term.Exponent)
		}
		product *= sum
	}
	return product
}

// Fields returns the distinct fields referenced by the product, sorted
func (p PowerProduct) Fields() []string {
	var fields []string
	for _, factor := range p {
		for _, term := range factor {
			if !slices.Contains(fields, term.Field) {
				fields = append(fields, term.Field)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

// Product builds the common case: every field raised to the same exponent
// and multiplied together.
func Product(exponent float64, fields ...string) PowerProduct {
	p := make(PowerProduct, 0, len(fields))
	for _, f := range fields {
		p = append(p, []PowerTerm{{Field: f, Exponent: exponent}})
	}
	return p
}

// MembershipCase is the rule used when exactly Basis is present
type MembershipCase struct {
	Basis   []string
	Combine Combiner
}

// ProductCase builds a case from a PowerProduct, checking the product only
// reads fields in basis.
func ProductCase(basis []string, product PowerProduct) (MembershipCase, error) {
	if len(product) == 0 {
		return MembershipCase{}, fmt.Errorf("%w: membership product for %v is empty", ErrInvalidConfig, basis)
	}
	for _, f := range product.Fields() {
		if !slices.Contains(basis, f) {
			return MembershipCase{}, fmt.Errorf("%w: membership for %v references field %q outside its basis", ErrInvalidConfig, basis, f)
		}
	}
	return MembershipCase{Basis: basis, Combine: product.Combine}, nil
}

// PatternMembership dispatches on the sorted list of present basis fields
type PatternMembership struct {
	cases map[string]Combiner
	keys  []string
}

// NewPatternMembership builds a dispatcher from cases. Two cases covering
// the same field set are rejected.
func NewPatternMembership(cases ...MembershipCase) (*PatternMembership, error) {
	m := &PatternMembership{cases: make(map[string]Combiner, len(cases))}
	for _, c := range cases {
		if len(c.Basis) == 0 {
			return nil, fmt.Errorf("%w: membership case with empty basis", ErrInvalidConfig)
		}
		if c.Combine == nil {
			return nil, fmt.Errorf("%w: membership case %v has no combiner", ErrInvalidConfig, c.Basis)
		}
		key := patternKey(c.Basis)
		if _, exists := m.cases[key]; exists {
			return nil, fmt.Errorf("%w: duplicate membership case %v", ErrInvalidConfig, c.Basis)
		}
		m.cases[key] = c.Combine
		m.keys = append(m.keys, key)
	}
	return m, nil
}

// Compile returns the combiner registered for fields
func (m *PatternMembership) Compile(fields []string) (Combiner, error) {
	combine, ok := m.cases[patternKey(fields)]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedBasisCombination, sortedCopy(fields))
	}
	return combine, nil
}

// Patterns lists the covered field sets, each as a comma-joined sorted list
func (m *PatternMembership) Patterns() []string {
	return slices.Clone(m.keys)
}

func patternKey(fields []string) string {
	return strings.Join(sortedCopy(fields), ",")
}

func sortedCopy(fields []string) []string {
	out := slices.Clone(fields)
	sort.Strings(out)
	return out
}
