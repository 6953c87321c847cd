package store

import (
	"time"

	"github.com/kennethnrk/sqlml/internal/common/constants"
)

// ModelVersion is one registered version of a named model.
type ModelVersion struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Version     int                    `json:"version"`
	Source      string                 `json:"source"`
	Flavor      string                 `json:"flavor,omitempty"`
	ModelType   constants.ModelType    `json:"model_type,omitempty"`
	Schema      string                 `json:"schema,omitempty"`
	LabelsURI   string                 `json:"labels_uri,omitempty"`
	Options     map[string]string      `json:"options,omitempty"`
	Tags        map[string]string      `json:"tags,omitempty"`
	Stage       constants.VersionStage `json:"stage"`
	Description string                 `json:"description,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Tags consulted when a version was registered without explicit metadata,
// e.g. by a tracking client that only knows how to log tags.
const (
	TagModelType    = "model.type"
	TagOutputSchema = "output.schema"
	TagFlavor       = "model.flavor"
)

// EffectiveModelType returns ModelType, falling back to the model.type tag.
func (v ModelVersion) EffectiveModelType() constants.ModelType {
	if v.ModelType != "" {
		return v.ModelType
	}
	return constants.ParseModelType(v.Tags[TagModelType])
}

// EffectiveSchema returns Schema, falling back to the output.schema tag.
func (v ModelVersion) EffectiveSchema() string {
	if v.Schema != "" {
		return v.Schema
	}
	return v.Tags[TagOutputSchema]
}

// EffectiveFlavor returns Flavor, falling back to the model.flavor tag.
func (v ModelVersion) EffectiveFlavor() string {
	if v.Flavor != "" {
		return v.Flavor
	}
	return v.Tags[TagFlavor]
}

// ModelDefinition is a persisted CREATE MODEL statement.
type ModelDefinition struct {
	Name      string         `json:"name"`
	URI       string         `json:"uri"`
	Flavor    string         `json:"flavor,omitempty"`
	ModelType string         `json:"model_type,omitempty"`
	Returns   string         `json:"returns,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
