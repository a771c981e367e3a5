package registry

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// Document is the YAML form of a registry
type Document struct {
	Entities map[string][]ConfigSpec `yaml:"entities" validate:"required,min=1,dive,keys,identifier,endkeys,min=1,dive"`
}

// ConfigSpec is the YAML form of one InferenceConfig
type ConfigSpec struct {
	Targets    []string   `yaml:"targets" validate:"required,min=1,unique,dive,identifier"`
	Basis      []string   `yaml:"basis" validate:"required,min=1,unique,dive,identifier"`
	Sigma      SigmaSpec  `yaml:"sigma"`
	RowWeight  string     `yaml:"row_weight" validate:"omitempty,identifier"`
	Membership []CaseSpec `yaml:"membership" validate:"required,min=1,dive"`
}

// SigmaSpec selects a sigma rule
type SigmaSpec struct {
	Rule            string   `yaml:"rule" validate:"required,oneof=stddev_distance fixed"`
	StddevDivisor   *float64 `yaml:"stddev_divisor" validate:"omitempty,gt=0"`
	DistanceDivisor *float64 `yaml:"distance_divisor" validate:"omitempty,gt=0"`
	Value           float64  `yaml:"value" validate:"required_if=Rule fixed,gte=0"`
}

// CaseSpec is one membership case: the product used when exactly Basis is
// present on the query record.
type CaseSpec struct {
	Basis   []string             `yaml:"basis" validate:"required,min=1,unique,dive,identifier"`
	Product [][]models.PowerTerm `yaml:"product" validate:"required,min=1,dive,min=1"`
}

var (
	identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	validate     *validator.Validate
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierRE.MatchString(fl.Field().String())
	})
}

// LoadFile reads a registry document from path
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry %s: %w", path, err)
	}
	defer f.Close()

	reg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return reg, nil
}

// Load decodes, validates and registers every configuration in a YAML
// document. The returned registry is not frozen.
func Load(r io.Reader) (*Registry, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode registry document: %w", err)
	}
	return FromDocument(&doc)
}

// FromDocument builds a registry from an already decoded document
func FromDocument(doc *Document) (*Registry, error) {
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	reg := New()
	for entityType, specs := range doc.Entities {
		for i := range specs {
			cfg, err := specs[i].Build()
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", entityType, i, err)
			}
			if err := reg.Register(entityType, cfg); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// Build converts the document entry into a typed configuration
func (s *ConfigSpec) Build() (*models.InferenceConfig, error) {
	sigma, err := s.Sigma.Build()
	if err != nil {
		return nil, err
	}

	cases := make([]models.MembershipCase, 0, len(s.Membership))
	for _, c := range s.Membership {
		for _, f := range c.Basis {
			if !slices.Contains(s.Basis, f) {
				return nil, fmt.Errorf("%w: membership case %v uses %q which is not a basis field", models.ErrInvalidConfig, c.Basis, f)
			}
		}
		mc, err := models.ProductCase(c.Basis, models.PowerProduct(c.Product))
		if err != nil {
			return nil, err
		}
		cases = append(cases, mc)
	}
	membership, err := models.NewPatternMembership(cases...)
	if err != nil {
		return nil, err
	}

	return &models.InferenceConfig{
		Targets:    s.Targets,
		Basis:      s.Basis,
		Sigma:      sigma,
		Membership: membership,
		RowWeight:  s.RowWeight,
	}, nil
}

// Build returns the sigma rule s names
func (s SigmaSpec) Build() (models.SigmaRule, error) {
	switch s.Rule {
	case "stddev_distance":
		rule := models.DefaultStddevDistance
		if s.StddevDivisor != nil {
			rule.StddevDivisor = *s.StddevDivisor
		}
		if s.DistanceDivisor != nil {
			rule.DistanceDivisor = *s.DistanceDivisor
		}
		return rule, nil
	case "fixed":
		if err := models.CheckSigma("fixed", s.Value); err != nil {
			return nil, err
		}
		return models.FixedSigma(s.Value), nil
	default:
		return nil, fmt.Errorf("%w: unknown sigma rule %q", models.ErrInvalidConfig, s.Rule)
	}
}
