package spec

import (
	"context"
	"path"
	"strings"

	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/errs"
)

// Reference is a CREATE MODEL style declaration: a name, a USING uri and the
// optional FLAVOR, MODEL_TYPE, RETURNS and OPTIONS clauses.
type Reference struct {
	Name      string
	URI       string
	Flavor    string
	ModelType string
	Schema    string
	Options   Options
}

// Resolve picks the spec variant for ref. Registry URIs resolve through
// resolver, YAML documents are read as file specs and anything else is a hub
// URL that needs an explicit model type. Clauses given on ref override what
// the document or registry declared.
func Resolve(ctx context.Context, ref Reference, resolver RegistryResolver) (ModelSpec, error) {
	if ref.URI == "" {
		return nil, &errs.SpecError{Field: "uri", Msg: "model URI is required"}
	}

	var (
		s   ModelSpec
		err error
	)
	switch {
	case IsRegistryURI(ref.URI):
		s, err = NewRegistryModelSpec(ctx, ref.URI, resolver, ref.Options)
	case isDocumentURI(ref.URI):
		s, err = NewFileModelSpec(ctx, ref.URI, ref.Options)
	default:
		modelType := constants.ModelType(ref.ModelType)
		if modelType == "" {
			modelType = typeFromFlavor(ref.Flavor)
		}
		if modelType == "" {
			return nil, &errs.SpecError{URI: ref.URI, Field: "model_type", Msg: "MODEL_TYPE is required for a model without a spec document"}
		}
		name := ref.Name
		if name == "" {
			name = documentBaseName(ref.URI)
		}
		s, err = NewHubModelSpec(name, modelType, ref.URI, ref.Options)
	}
	if err != nil {
		return nil, err
	}

	b := s.(interface{ core() *base }).core()
	if ref.Name != "" {
		b.name = ref.Name
	}
	if ref.ModelType != "" {
		b.modelType = constants.ParseModelType(ref.ModelType)
	}
	if ref.Flavor != "" {
		b.flavor = ref.Flavor
	}
	if ref.Schema != "" {
		b.schema = ref.Schema
	}
	if b.modelType == "" {
		b.modelType = typeFromFlavor(b.flavor)
	}
	if b.modelType == "" {
		return nil, &errs.SpecError{URI: ref.URI, Field: "model.type", Msg: "model type is not declared"}
	}
	return s, nil
}

// typeFromFlavor covers documents that only name a serialisation flavor.
func typeFromFlavor(flavor string) constants.ModelType {
	switch strings.ToLower(flavor) {
	case "sklearn", "scikit-learn":
		return constants.ModelTypeSklearn
	case "onnx":
		return constants.ModelTypeONNX
	}
	return ""
}

func isDocumentURI(uri string) bool {
	p, _, _ := strings.Cut(uri, "?")
	switch strings.ToLower(path.Ext(p)) {
	case ".yml", ".yaml", ".json":
		return true
	}
	return false
}
