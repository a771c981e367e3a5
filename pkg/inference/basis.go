package inference

import (
	"fmt"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// BasisField is one comparison field and the query record's value for it
type BasisField struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Basis is the ordered list of comparison fields for one invocation
type Basis []BasisField

// Names returns the field names in basis order
func (b Basis) Names() []string {
	names := make([]string, len(b))
	for i, f := range b {
		names[i] = f.Name
	}
	return names
}

// ExtractBasis intersects cfg.Basis with the record's non-null fields,
// keeping the configuration's order.
func ExtractBasis(record models.Record, cfg *models.InferenceConfig) (Basis, error) {
	var basis Basis
	for _, name := range cfg.Basis {
		if v, ok := record[name]; ok {
			basis = append(basis, BasisField{Name: name, Value: v})
		}
	}
	if len(basis) == 0 {
		return nil, fmt.Errorf("%w: none of %v present", models.ErrEmptyBasis, cfg.Basis)
	}
	return basis, nil
}
