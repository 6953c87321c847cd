package spec

import (
	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/errs"
)

// FlavorHub marks specs declared by model type and hub URL alone.
const FlavorHub = "hub"

// HubModelSpec is a ModelSpec declared by a model type and a hub URL. There is
// no document; options come entirely from the call site.
type HubModelSpec struct {
	base
}

// NewHubModelSpec builds a hub spec. Name, model type and URL are required.
func NewHubModelSpec(name string, modelType constants.ModelType, hubURL string, options Options) (*HubModelSpec, error) {
	modelType = constants.ParseModelType(string(modelType))
	switch {
	case name == "":
		return nil, &errs.SpecError{URI: hubURL, Field: "name", Msg: "hub model name is required"}
	case modelType == "":
		return nil, &errs.SpecError{URI: hubURL, Field: "model_type", Msg: "hub model type is required"}
	case hubURL == "":
		return nil, &errs.SpecError{Field: "uri", Msg: "hub model URL is required"}
	}
	return &HubModelSpec{
		base: base{
			name:      name,
			uri:       hubURL,
			modelType: modelType,
			flavor:    FlavorHub,
			options:   MergeOptions(options),
		},
	}, nil
}
