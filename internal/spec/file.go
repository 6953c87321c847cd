package spec

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"

	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/errs"
	"github.com/kennethnrk/sqlml/internal/storage"
	"github.com/rs/zerolog/log"
)

// document is the decoded form of a validated spec document.
type document struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	Schema  string `json:"schema"`
	Model   struct {
		URI    string `json:"uri"`
		Flavor string `json:"flavor"`
		Type   string `json:"type"`
	} `json:"model"`
	Labels struct {
		URI string `json:"uri"`
	} `json:"labels"`
	Options map[string]any `json:"options"`
}

// FileModelSpec is a ModelSpec backed by a YAML document.
type FileModelSpec struct {
	base
	specURI string
	version string
}

// NewFileModelSpec reads, validates and resolves the document at specURI.
// Relative model and label URIs are resolved against the document's
// directory. Call-site options override the document's options.
func NewFileModelSpec(ctx context.Context, specURI string, options Options) (*FileModelSpec, error) {
	raw, err := storage.ReadAll(ctx, specURI)
	if err != nil {
		return nil, &errs.SpecError{URI: specURI, Msg: "read spec document", Err: err}
	}
	return newFileModelSpec(ctx, specURI, raw, options)
}

func newFileModelSpec(ctx context.Context, specURI string, raw []byte, options Options) (*FileModelSpec, error) {
	byts, err := validateDocument(raw)
	if err != nil {
		var specErr *errs.SpecError
		if errors.As(err, &specErr) && specErr.URI == "" {
			specErr.URI = specURI
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(byts, &doc); err != nil {
		return nil, &errs.SpecError{URI: specURI, Msg: "decode spec document", Err: err}
	}

	modelURI, err := storage.ResolveRelative(specURI, doc.Model.URI)
	if err != nil {
		return nil, &errs.SpecError{Field: "model.uri", URI: specURI, Err: err}
	}

	var labels *labelSource
	if doc.Labels.URI != "" {
		labelsURI, err := storage.ResolveRelative(specURI, doc.Labels.URI)
		if err != nil {
			return nil, &errs.SpecError{Field: "labels.uri", URI: specURI, Err: err}
		}
		if err := checkLocalLabels(ctx, labelsURI); err != nil {
			return nil, err
		}
		labels = newLabelSource(labelsURI)
	}

	name := doc.Name
	if name == "" {
		name = documentBaseName(specURI)
	}

	s := &FileModelSpec{
		base: base{
			name:      name,
			uri:       modelURI,
			modelType: constants.ParseModelType(doc.Model.Type),
			flavor:    doc.Model.Flavor,
			schema:    doc.Schema,
			options:   MergeOptions(normalizeNumbers(doc.Options), options),
			labels:    labels,
		},
		specURI: specURI,
		version: doc.Version,
	}
	log.Debug().Str("model", s.name).Str("spec", specURI).Str("uri", s.uri).Msg("resolved file model spec")
	return s, nil
}

// SpecURI is the location of the backing document.
func (s *FileModelSpec) SpecURI() string { return s.specURI }

// Version is the document's declared spec version.
func (s *FileModelSpec) Version() string { return s.version }

func documentBaseName(uri string) string {
	base := path.Base(strings.ReplaceAll(uri, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}
