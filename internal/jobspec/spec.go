package jobspec

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"batchd/internal/domain"
)

var validate = validator.New()

// Spec is the user-facing description of a batch job, accepted both as YAML
// (batchctl job files) and JSON (the create-job endpoint). Each operation is
// an opaque mapping handed to the executor untouched.
type Spec struct {
	Name       string           `yaml:"name" json:"name" validate:"required"`
	Kind       string           `yaml:"kind" json:"kind" validate:"required,oneof=bulk_pipeline_execution batch_data_generation"`
	Policy     PolicySpec       `yaml:"policy" json:"policy"`
	Operations []map[string]any `yaml:"operations" json:"operations" validate:"required,min=1"`
}

// PolicySpec mirrors domain.Policy with spec-level defaults: an omitted
// max_parallel means 1.
type PolicySpec struct {
	Parallel    bool `yaml:"parallel" json:"parallel"`
	MaxParallel int  `yaml:"max_parallel" json:"max_parallel" validate:"omitempty,min=1"`
	StopOnError bool `yaml:"stop_on_error" json:"stop_on_error"`
}

// ParseYAML reads and validates a YAML job spec.
func ParseYAML(r io.Reader) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", domain.ErrInvalidSpec, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate applies defaults and checks the spec.
func (s *Spec) Validate() error {
	if s.Policy.MaxParallel == 0 {
		s.Policy.MaxParallel = 1
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSpec, err)
	}
	for i, op := range s.Operations {
		if len(op) == 0 {
			return fmt.Errorf("%w: operation %d has an empty descriptor", domain.ErrInvalidSpec, i)
		}
	}
	return nil
}

// DomainKind returns the job kind as a domain type.
func (s *Spec) DomainKind() domain.JobKind {
	return domain.JobKind(s.Kind)
}

// DomainPolicy returns the execution policy as a domain type.
func (s *Spec) DomainPolicy() domain.Policy {
	return domain.Policy{
		Parallel:    s.Policy.Parallel,
		MaxParallel: s.Policy.MaxParallel,
		StopOnError: s.Policy.StopOnError,
	}
}

// Descriptors encodes each operation mapping as canonical JSON for the
// engine.
func (s *Spec) Descriptors() ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(s.Operations))
	for i, op := range s.Operations {
		data, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("%w: encode operation %d: %v", domain.ErrInvalidSpec, i, err)
		}
		out = append(out, data)
	}
	return out, nil
}
