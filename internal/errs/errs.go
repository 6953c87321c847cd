// Package errs holds the error types shared by spec resolution, model loading
// and batch inference.
package errs

import (
	"fmt"
)

// SpecError reports a structurally invalid spec document or a reference
// (label file, registry entry) that does not resolve.
type SpecError struct {
	Field string
	URI   string
	Msg   string
	Err   error
}

func (e *SpecError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	switch {
	case e.URI != "" && e.Field != "":
		return fmt.Sprintf("invalid model spec %s: %s: %s", e.URI, e.Field, msg)
	case e.URI != "":
		return fmt.Sprintf("invalid model spec %s: %s", e.URI, msg)
	case e.Field != "":
		return fmt.Sprintf("invalid model spec: %s: %s", e.Field, msg)
	}
	return "invalid model spec: " + msg
}

func (e *SpecError) Unwrap() error { return e.Err }

// LoadError reports a model that could not be fetched, deserialised or placed
// on its device.
type LoadError struct {
	Model     string
	ModelType string
	URI       string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %q (type %q) from %s: %v", e.Model, e.ModelType, e.URI, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed batch. A batch fails as a unit.
type InferenceError struct {
	Model string
	Batch int
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("model %q failed on batch %d: %v", e.Model, e.Batch, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
