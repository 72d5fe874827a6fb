package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoEstimator is returned when a specification has no estimator type.
var ErrNoEstimator = errors.New("specification: estimator type is required")

// CorrectorKind is the closed set of multiple-comparisons correction families.
type CorrectorKind int

const (
	CorrectorNone CorrectorKind = iota
	CorrectorFDR
	CorrectorFWE
	CorrectorOther
)

func (k CorrectorKind) String() string {
	switch k {
	case CorrectorNone:
		return "none"
	case CorrectorFDR:
		return "FDR"
	case CorrectorFWE:
		return "FWE"
	}
	return "other"
}

// Estimator is the statistical algorithm of an analysis.
type Estimator struct {
	Type string         `json:"type" yaml:"type" toml:"type"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
}

// Corrector is a multiple-comparisons correction applied to the estimator output.
type Corrector struct {
	Type string         `json:"type" yaml:"type" toml:"type"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`

	// Kind is resolved from Type by Resolve.
	Kind CorrectorKind `json:"-" yaml:"-" toml:"-"`
}

// Method returns the corrector's "method" argument.
func (c *Corrector) Method() (string, bool) {
	if c == nil || c.Args == nil {
		return "", false
	}
	m, ok := c.Args["method"].(string)
	if !ok || m == "" {
		return "", false
	}
	return m, true
}

// Specification describes one analysis configuration. A nil Corrector means
// only uncorrected output is expected.
type Specification struct {
	Estimator Estimator  `json:"estimator" yaml:"estimator" toml:"estimator"`
	Corrector *Corrector `json:"corrector,omitempty" yaml:"corrector,omitempty" toml:"corrector,omitempty"`

	// Subtraction is set by Resolve for two-condition subtraction estimators.
	Subtraction bool `json:"-" yaml:"-" toml:"-"`
}

// subtractionEstimators are estimator types that contrast two groups.
var subtractionEstimators = map[string]bool{
	"ALESubtraction": true,
}

// NewSpecification builds and resolves a specification.
func NewSpecification(estimator Estimator, corrector *Corrector) (*Specification, error) {
	s := &Specification{Estimator: estimator, Corrector: corrector}
	if err := s.Resolve(); err != nil {
		return nil, err
	}
	return s, nil
}

// Resolve validates the specification and derives CorrectorKind and the
// Subtraction flag from the type strings. It must be called once after
// decoding; Load and Parse do so automatically.
func (s *Specification) Resolve() error {
	if strings.TrimSpace(s.Estimator.Type) == "" {
		return ErrNoEstimator
	}
	t := s.Estimator.Type
	s.Subtraction = subtractionEstimators[t] || strings.HasSuffix(t, "Subtraction")
	if s.Corrector != nil {
		s.Corrector.Kind = correctorKind(s.Corrector.Type)
	}
	return nil
}

// CorrectorKind returns the resolved corrector family.
func (s *Specification) CorrectorKind() CorrectorKind {
	if s == nil || s.Corrector == nil {
		return CorrectorNone
	}
	return s.Corrector.Kind
}

func correctorKind(t string) CorrectorKind {
	u := strings.ToUpper(t)
	switch {
	case strings.TrimSpace(u) == "":
		return CorrectorOther
	case strings.Contains(u, "FDR"):
		return CorrectorFDR
	case strings.Contains(u, "FWE"):
		return CorrectorFWE
	}
	return CorrectorOther
}

// ParseSpecification decodes a specification in the given format
// ("json", "yaml" or "toml") and resolves it.
func ParseSpecification(data []byte, format string) (*Specification, error) {
	var s Specification
	var err error
	switch strings.ToLower(format) {
	case "json":
		err = json.Unmarshal(data, &s)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &s)
	case "toml":
		err = toml.Unmarshal(data, &s)
	default:
		return nil, fmt.Errorf("specification: unsupported format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("specification: decode %s: %w", format, err)
	}
	if err := s.Resolve(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSpecification reads a specification file, choosing the decoder by
// extension.
func LoadSpecification(path string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("specification: %w", err)
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		ext = "json"
	}
	return ParseSpecification(data, ext)
}
