package correlator

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

// Validator checks inbound message bodies against the CUE definitions in
// schema.cue. Safe for concurrent use; a cue.Context is not, so calls are
// serialized.
type Validator struct {
	mu          sync.Mutex
	ctx         *cue.Context
	result      cue.Value
	consumption cue.Value
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile message schema: %w", err)
	}

	v := &Validator{
		ctx:         ctx,
		result:      schema.LookupPath(cue.ParsePath("#Result")),
		consumption: schema.LookupPath(cue.ParsePath("#Consumption")),
	}
	if !v.result.Exists() || !v.consumption.Exists() {
		return nil, errors.New("message schema is missing a definition")
	}
	return v, nil
}

// ValidateResult checks a result message body.
func (v *Validator) ValidateResult(data []byte) error {
	return v.validate(v.result, data)
}

// ValidateConsumption checks a consumption message body.
func (v *Validator) ValidateConsumption(data []byte) error {
	return v.validate(v.consumption, data)
}

func (v *Validator) validate(def cue.Value, data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return errors.New("empty message")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	val := v.ctx.CompileBytes(data, cue.Filename("message.json"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("parse: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	if val.IncompleteKind() != cue.StructKind {
		return fmt.Errorf("expected object, got %s", val.IncompleteKind())
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}
