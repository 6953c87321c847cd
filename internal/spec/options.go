package spec

import (
	"math"

	"github.com/spf13/cast"
)

// Options are free-form scalar model options such as device or batch_size.
type Options map[string]any

// MergeOptions merges layers into a new map. Keys in later layers win, so
// MergeOptions(document, callSite) lets call-site options override the
// document's.
func MergeOptions(layers ...map[string]any) Options {
	out := Options{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// OptionsFromStrings lifts string-valued options (registry records, CLI
// flags) into Options. Values are coerced on access.
func OptionsFromStrings(m map[string]string) Options {
	out := make(Options, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy.
func (o Options) Clone() Options {
	return MergeOptions(o)
}

// Has reports whether key is set.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// String returns key as a string, or def when unset.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// Int returns key coerced to an int, or def when unset.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	return cast.ToIntE(v)
}

// Float returns key coerced to a float64, or def when unset.
func (o Options) Float(key string, def float64) (float64, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	return cast.ToFloat64E(v)
}

// Bool returns key coerced to a bool, or def when unset.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}
	return cast.ToBoolE(v)
}

// normalizeNumbers turns integral JSON numbers back into ints so that
// document options read the same as call-site options.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			m[k] = int(f)
		}
	}
	return m
}
