package spec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/kennethnrk/sqlml/internal/errs"
	"github.com/kennethnrk/sqlml/internal/storage"
	"github.com/rs/zerolog/log"
)

// LabelFunc maps a class index to its label. Unknown indices map to "".
type LabelFunc func(int) string

func noLabels(int) string { return "" }

// labelSource reads a label file on first use and caches the result, or the
// error, for the lifetime of the spec.
type labelSource struct {
	uri string

	once sync.Once
	fn   LabelFunc
	err  error
}

func newLabelSource(uri string) *labelSource {
	return &labelSource{uri: uri}
}

func (l *labelSource) load() (LabelFunc, error) {
	if l == nil || l.uri == "" {
		return noLabels, nil
	}
	l.once.Do(func() {
		l.fn, l.err = readLabels(context.Background(), l.uri)
		if l.err == nil {
			log.Debug().Str("uri", l.uri).Msg("loaded label file")
		}
	})
	return l.fn, l.err
}

// readLabels accepts a JSON array (index = position) or an object keyed by
// decimal index.
func readLabels(ctx context.Context, uri string) (LabelFunc, error) {
	raw, err := storage.ReadAll(ctx, uri)
	if err != nil {
		return nil, &errs.SpecError{Field: "labels.uri", URI: uri, Msg: "read label file", Err: err}
	}

	var list []*string
	if err := json.Unmarshal(raw, &list); err == nil {
		labels := make([]string, len(list))
		for i, s := range list {
			if s != nil {
				labels[i] = *s
			}
		}
		return func(i int) string {
			if i < 0 || i >= len(labels) {
				return ""
			}
			return labels[i]
		}, nil
	}

	var byIndex map[string]string
	if err := json.Unmarshal(raw, &byIndex); err != nil {
		return nil, &errs.SpecError{Field: "labels.uri", URI: uri, Msg: "label file must be a JSON array or an object keyed by index"}
	}
	labels := make(map[int]string, len(byIndex))
	for k, v := range byIndex {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, &errs.SpecError{Field: "labels.uri", URI: uri, Msg: fmt.Sprintf("label key %q is not an integer", k)}
		}
		labels[i] = v
	}
	return func(i int) string { return labels[i] }, nil
}

// checkLocalLabels fails fast on a local label file that does not exist.
// Remote label files are only read on first use.
func checkLocalLabels(ctx context.Context, uri string) error {
	if uri == "" || !storage.IsLocal(uri) {
		return nil
	}
	ok, err := storage.Exists(ctx, uri)
	if err != nil {
		return &errs.SpecError{Field: "labels.uri", URI: uri, Msg: "stat label file", Err: err}
	}
	if !ok {
		return &errs.SpecError{Field: "labels.uri", URI: uri, Msg: "label file does not exist"}
	}
	return nil
}
