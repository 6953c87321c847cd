// Package udf builds batch transforms that run a model over Arrow record
// batches, one output batch per input batch.
package udf

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/kennethnrk/sqlml/internal/config"
	"github.com/kennethnrk/sqlml/internal/errs"
	"github.com/kennethnrk/sqlml/internal/metrics"
	"github.com/kennethnrk/sqlml/internal/model"
	"github.com/kennethnrk/sqlml/internal/spec"
	"github.com/rs/zerolog/log"
)

// OutputColumn names the single column of every output batch.
const OutputColumn = "prediction"

// Transform runs one model over a sequence of batches. The model is loaded
// on the first batch and kept for the life of the Transform. A Transform
// processes batches sequentially; it is not safe for concurrent use.
type Transform struct {
	spec    spec.ModelSpec
	loader  *model.Loader
	mem     memory.Allocator
	outType arrow.DataType

	once    sync.Once
	sess    *model.Session
	loadErr error
	loads   atomic.Int64
	batches int
}

// New prepares a transform for s. A declared schema is parsed here so a
// malformed one fails before any model is loaded. Handlers with a fixed
// output keep their own type whatever the spec declares.
func New(s spec.ModelSpec, loader *model.Loader) (*Transform, error) {
	t := &Transform{spec: s, loader: loader, mem: memory.DefaultAllocator}
	if declared := loader.OutputSchema(s); declared != "" {
		dt, err := spec.ParseDataType(declared)
		if err != nil {
			return nil, &errs.SpecError{Field: "schema", URI: s.ModelURI(), Msg: fmt.Sprintf("invalid schema %q", declared), Err: err}
		}
		t.outType = dt
	}
	return t, nil
}

// OutputType is the Arrow type of the prediction column, nil until known.
func (t *Transform) OutputType() arrow.DataType { return t.outType }

// Loads reports how many times the model has been loaded.
func (t *Transform) Loads() int64 { return t.loads.Load() }

func (t *Transform) session(ctx context.Context) (*model.Session, error) {
	t.once.Do(func() {
		t.loads.Add(1)
		t.sess, t.loadErr = t.loader.Load(ctx, t.spec)
		if t.loadErr == nil && t.outType == nil {
			t.loadErr = &errs.LoadError{
				Model: t.spec.Name(), ModelType: string(t.spec.ModelType()), URI: t.spec.ModelURI(),
				Err: errors.New("no schema declared and the model type has no default"),
			}
		}
	})
	return t.sess, t.loadErr
}

// ProcessBatch predicts over the first column of rec and returns a batch with
// one prediction per input row. The caller releases both records.
func (t *Transform) ProcessBatch(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
	sess, err := t.session(ctx)
	if err != nil {
		return nil, err
	}
	batch := t.batches
	t.batches++
	if rec.NumCols() == 0 {
		return nil, t.inferenceError(batch, errors.New("input batch has no columns"))
	}

	start := time.Now()
	col := rec.Column(0)
	var values []any
	if col.Len() > 0 {
		if values, err = sess.Run(ctx, col); err != nil {
			return nil, t.inferenceError(batch, err)
		}
	}
	arr, err := model.BuildArray(t.mem, t.outType, values)
	if err != nil {
		return nil, t.inferenceError(batch, err)
	}
	defer arr.Release()
	if int64(arr.Len()) != rec.NumRows() {
		return nil, t.inferenceError(batch, fmt.Errorf("produced %d rows for %d input rows", arr.Len(), rec.NumRows()))
	}

	schema := arrow.NewSchema([]arrow.Field{{Name: OutputColumn, Type: t.outType, Nullable: true}}, nil)
	out := array.NewRecord(schema, []arrow.Array{arr}, rec.NumRows())

	tags := []string{metrics.BuildTag("model", t.spec.Name()), metrics.BuildTag("model_type", string(t.spec.ModelType()))}
	metrics.Timing("udf.batch.latency", time.Since(start), tags)
	metrics.Count("udf.batch.rows", rec.NumRows(), tags)
	log.Debug().Str("model", t.spec.Name()).Int("batch", batch).Int64("rows", rec.NumRows()).Dur("took", time.Since(start)).Msg("processed batch")
	return out, nil
}

func (t *Transform) inferenceError(batch int, err error) error {
	return &errs.InferenceError{Model: t.spec.Name(), Batch: batch, Err: err}
}

// Apply maps in to output batches lazily and in order. Iteration stops at
// the first error, which is yielded with a nil record.
func (t *Transform) Apply(ctx context.Context, in iter.Seq[arrow.Record]) iter.Seq2[arrow.Record, error] {
	return func(yield func(arrow.Record, error) bool) {
		for rec := range in {
			out, err := t.ProcessBatch(ctx, rec)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

// Close releases the loaded model, if any.
func (t *Transform) Close() error {
	if t.sess == nil {
		return nil
	}
	return t.sess.Close()
}

type options struct {
	loader *model.Loader
}

// Option configures ApplyModelSpec.
type Option func(*options)

// WithLoader overrides the loader. The default uses the built-in handlers
// against the default configuration.
func WithLoader(l *model.Loader) Option {
	return func(o *options) { o.loader = l }
}

// ApplyModelSpec runs s over inputs synchronously and returns one output
// batch per input batch. The caller releases the returned records.
func ApplyModelSpec(ctx context.Context, s spec.ModelSpec, inputs []arrow.Record, opts ...Option) ([]arrow.Record, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.loader == nil {
		o.loader = model.NewLoader(model.NewEnv(config.Default()))
	}

	t, err := New(s, o.loader)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	out := make([]arrow.Record, 0, len(inputs))
	for rec, err := range t.Apply(ctx, slices.Values(inputs)) {
		if err != nil {
			for _, r := range out {
				r.Release()
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
