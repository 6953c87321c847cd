// Package spec resolves model specifications from YAML documents, a model
// registry or a hub URL into a single read-only ModelSpec contract.
package spec

import (
	"github.com/kennethnrk/sqlml/internal/common/constants"
)

// ModelSpec is a resolved, immutable description of a model. All variants
// expose the same surface so loaders and transforms stay variant-agnostic.
type ModelSpec interface {
	Name() string
	ModelURI() string
	ModelType() constants.ModelType
	Flavor() string
	// Schema is the declared output type, empty to use the handler default.
	Schema() string
	// Options returns a copy; callers may not mutate the spec through it.
	Options() Options
	LoadLabelFunc() (LabelFunc, error)
}

type base struct {
	name      string
	uri       string
	modelType constants.ModelType
	flavor    string
	schema    string
	options   Options
	labels    *labelSource
}

func (b *base) Name() string                   { return b.name }
func (b *base) ModelURI() string               { return b.uri }
func (b *base) ModelType() constants.ModelType { return b.modelType }
func (b *base) Flavor() string                 { return b.flavor }
func (b *base) Schema() string                 { return b.schema }
func (b *base) Options() Options               { return b.options.Clone() }

// LoadLabelFunc reads the label file on first call and caches the result.
// Specs without labels return a function mapping every index to "".
func (b *base) LoadLabelFunc() (LabelFunc, error) { return b.labels.load() }

// LabelsURI is the resolved label file location, empty when none.
func (b *base) LabelsURI() string {
	if b.labels == nil {
		return ""
	}
	return b.labels.uri
}

func (b *base) core() *base { return b }
