package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pixelcraft/backend/internal/models"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 60 * time.Second
)

// OperationSpec is one entry of the operation catalog.
type OperationSpec struct {
	Type        string        `json:"type"`
	Cost        int64         `json:"cost"`
	MaxAttempts int           `json:"maxAttempts"`
	Timeout     time.Duration `json:"-"`
	// Schema is an inline JSON schema for the job data. SchemaFile is read
	// when Schema is empty. Both empty means any JSON object is accepted.
	Schema     string `json:"-"`
	SchemaFile string `json:"-"`
}

// Validator holds the catalog of operations users may submit and the compiled
// data schema for each.
type Validator struct {
	ops     map[string]OperationSpec
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the catalog. Costs must be positive and type names unique.
func NewValidator(specs []OperationSpec) (*Validator, error) {
	v := &Validator{
		ops:     make(map[string]OperationSpec, len(specs)),
		schemas: make(map[string]*jsonschema.Schema, len(specs)),
	}
	for _, spec := range specs {
		if spec.Type == "" {
			return nil, errors.New("operation type is required")
		}
		if spec.Type == models.OperationTypeGrant {
			return nil, fmt.Errorf("operation type %q is reserved for credit grants", spec.Type)
		}
		if _, dup := v.ops[spec.Type]; dup {
			return nil, fmt.Errorf("duplicate operation %q", spec.Type)
		}
		if spec.Cost <= 0 {
			return nil, fmt.Errorf("operation %q: cost must be positive", spec.Type)
		}
		if spec.MaxAttempts <= 0 {
			spec.MaxAttempts = DefaultMaxAttempts
		}
		if spec.Timeout <= 0 {
			spec.Timeout = DefaultAttemptTimeout
		}

		src := spec.Schema
		if src == "" && spec.SchemaFile != "" {
			data, err := os.ReadFile(spec.SchemaFile)
			if err != nil {
				return nil, fmt.Errorf("read schema %q: %w", spec.SchemaFile, err)
			}
			src = string(data)
		}
		if src == "" {
			src = `{"type": "object"}`
		}
		schema, err := jsonschema.CompileString("https://pixelcraft.dev/schemas/"+spec.Type+".input", src)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", spec.Type, err)
		}
		v.ops[spec.Type] = spec
		v.schemas[spec.Type] = schema
	}
	return v, nil
}

// Lookup returns the catalog entry for an operation type.
func (v *Validator) Lookup(operationType string) (OperationSpec, bool) {
	spec, ok := v.ops[operationType]
	return spec, ok
}

// Operations lists the catalog sorted by type.
func (v *Validator) Operations() []OperationSpec {
	out := make([]OperationSpec, 0, len(v.ops))
	for _, spec := range v.ops {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// GetDeadline returns the per-attempt timeout for the operation.
func (v *Validator) GetDeadline(operationType string) time.Duration {
	if spec, ok := v.ops[operationType]; ok {
		return spec.Timeout
	}
	return DefaultAttemptTimeout
}

// ValidateInput performs hard reject: unknown operations, malformed JSON and
// data that does not match the operation schema all wrap ErrValidation.
func (v *Validator) ValidateInput(ctx context.Context, operationType string, input json.RawMessage) error {
	_ = ctx
	schema, ok := v.schemas[operationType]
	if !ok {
		return fmt.Errorf("%w: unknown operation type %q", ErrValidation, operationType)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var doc interface{}
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ErrValidation can be used with errors.Is to detect rejected submissions.
var ErrValidation = errors.New("validation failed")
