package spec

import (
	"context"
	"strings"

	"github.com/kennethnrk/sqlml/internal/errs"
	"github.com/kennethnrk/sqlml/internal/store"
	"github.com/rs/zerolog/log"
)

// Registry URI schemes. mlflow: is accepted as an alias.
const (
	SchemeRegistry = "registry"
	SchemeMLflow   = "mlflow"
)

// RegistryResolver looks up a registered model version by name and reference
// (empty or "latest", a version number, or a stage name).
type RegistryResolver interface {
	ResolveModelVersion(ctx context.Context, name, ref string) (store.ModelVersion, error)
}

// RegistryModelSpec is a ModelSpec resolved from a model registry entry.
type RegistryModelSpec struct {
	base
	registryURI string
	version     store.ModelVersion
}

// IsRegistryURI reports whether uri uses a registry scheme.
func IsRegistryURI(uri string) bool {
	scheme, _, ok := strings.Cut(uri, ":")
	if !ok {
		return false
	}
	scheme = strings.ToLower(scheme)
	return scheme == SchemeRegistry || scheme == SchemeMLflow
}

// ParseRegistryURI splits "registry:/name[/ref]" (or "registry://name/ref")
// into the model name and version reference.
func ParseRegistryURI(uri string) (name, ref string, err error) {
	if !IsRegistryURI(uri) {
		return "", "", &errs.SpecError{URI: uri, Msg: "not a registry URI"}
	}
	_, rest, _ := strings.Cut(uri, ":")
	rest = strings.Trim(rest, "/")
	name, ref, _ = strings.Cut(rest, "/")
	if name == "" {
		return "", "", &errs.SpecError{URI: uri, Field: "name", Msg: "registry URI has no model name"}
	}
	if strings.Contains(ref, "/") {
		return "", "", &errs.SpecError{URI: uri, Msg: "registry URI must be <scheme>:/<name>[/<version|stage>]"}
	}
	return name, ref, nil
}

// NewRegistryModelSpec resolves uri through resolver. The registry record
// supplies the artifact location, model type, schema, labels and options;
// call-site options override registry options.
func NewRegistryModelSpec(ctx context.Context, uri string, resolver RegistryResolver, options Options) (*RegistryModelSpec, error) {
	name, ref, err := ParseRegistryURI(uri)
	if err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, &errs.SpecError{URI: uri, Msg: "no model registry configured"}
	}

	mv, err := resolver.ResolveModelVersion(ctx, name, ref)
	if err != nil {
		return nil, &errs.SpecError{URI: uri, Msg: "resolve registered model", Err: err}
	}
	if mv.Source == "" {
		return nil, &errs.SpecError{URI: uri, Field: "source", Msg: "registered model version has no artifact source"}
	}

	var labels *labelSource
	if mv.LabelsURI != "" {
		if err := checkLocalLabels(ctx, mv.LabelsURI); err != nil {
			return nil, err
		}
		labels = newLabelSource(mv.LabelsURI)
	}

	s := &RegistryModelSpec{
		base: base{
			name:      name,
			uri:       mv.Source,
			modelType: mv.EffectiveModelType(),
			flavor:    mv.EffectiveFlavor(),
			schema:    mv.EffectiveSchema(),
			options:   MergeOptions(OptionsFromStrings(mv.Options), options),
			labels:    labels,
		},
		registryURI: uri,
		version:     mv,
	}
	log.Debug().Str("model", name).Str("ref", ref).Int("version", mv.Version).Str("uri", mv.Source).Msg("resolved registry model spec")
	return s, nil
}

// RegistryURI is the URI the spec was resolved from.
func (s *RegistryModelSpec) RegistryURI() string { return s.registryURI }

// ModelVersion is the resolved registry record.
func (s *RegistryModelSpec) ModelVersion() store.ModelVersion { return s.version }
