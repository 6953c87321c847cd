// Package model loads model artifacts for a ModelSpec and runs the
// pre-process, predict, post-process pipeline over Arrow columns.
package model

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/config"
	"github.com/kennethnrk/sqlml/internal/device"
	"github.com/kennethnrk/sqlml/internal/errs"
	"github.com/kennethnrk/sqlml/internal/metrics"
	"github.com/kennethnrk/sqlml/internal/model/npy"
	"github.com/kennethnrk/sqlml/internal/model/onnx"
	"github.com/kennethnrk/sqlml/internal/spec"
	"github.com/kennethnrk/sqlml/internal/storage"
	"github.com/rs/zerolog/log"
)

// Predictor is a loaded model.
type Predictor interface {
	// Predict returns one result per row of the prepared batch, in order.
	Predict(ctx context.Context, batch any) ([]any, error)
	Close() error
}

// Handler is everything the loader knows about one model type.
type Handler struct {
	Load        func(ctx context.Context, s spec.ModelSpec, env *Env) (Predictor, error)
	Preprocess  func(ctx context.Context, sess *Session, col arrow.Array) (any, error)
	Postprocess func(ctx context.Context, sess *Session, preds []any) ([]any, error)
	// OutputType is the default schema when the spec declares none.
	OutputType string
	// FixedOutput handlers always emit OutputType, a declared schema
	// is ignored.
	FixedOutput bool
}

// Env carries the process resources handlers load against.
type Env struct {
	Host             device.Host
	Runners          onnx.Factory
	Fetch            func(ctx context.Context, uri string) (string, error)
	Read             func(ctx context.Context, uri string) ([]byte, error)
	DefaultDevice    string
	DefaultBatchSize int
}

// NewEnv builds the production environment from configuration.
func NewEnv(cfg *config.Configs) *Env {
	return &Env{
		Host:             device.Probe(),
		Runners:          onnx.NewFactory(cfg.OnnxRuntimeLibraryPath),
		Fetch:            storage.Fetch,
		Read:             storage.ReadAll,
		DefaultDevice:    cfg.DefaultDevice,
		DefaultBatchSize: cfg.DefaultBatchSize,
	}
}

// Placement is where and how a model runs.
type Placement struct {
	Device         device.Device
	BatchSize      int
	IntraOpThreads int
}

// Placement resolves device, batch size and thread options. A boolean gpu
// option selects the first GPU when device is not set.
func (e *Env) Placement(opts spec.Options) (Placement, error) {
	requested := e.DefaultDevice
	if _, ok := opts[constants.OptionGPU]; ok {
		gpu, err := opts.Bool(constants.OptionGPU, false)
		if err != nil {
			return Placement{}, fmt.Errorf("invalid %s: %w", constants.OptionGPU, err)
		}
		requested = "cpu"
		if gpu {
			requested = "gpu"
		}
	}
	// device wins over the gpu flag.
	dev, err := device.Resolve(opts.String(constants.OptionDevice, requested), e.Host)
	if err != nil {
		return Placement{}, err
	}
	defBatch := e.DefaultBatchSize
	if defBatch <= 0 {
		defBatch = 32
	}
	batch, err := opts.Int(constants.OptionBatchSize, defBatch)
	if err != nil {
		return Placement{}, err
	}
	if batch <= 0 {
		return Placement{}, fmt.Errorf("%s must be positive, got %d", constants.OptionBatchSize, batch)
	}
	threads, err := opts.Int(constants.OptionIntraOpThreads, e.Host.IntraOpThreads())
	if err != nil {
		return Placement{}, err
	}
	return Placement{Device: dev, BatchSize: batch, IntraOpThreads: threads}, nil
}

// LocalArtifact returns a local path for the spec's model URI, fetching
// remote artifacts into the cache, and checks it fits in host memory.
func (e *Env) LocalArtifact(ctx context.Context, s spec.ModelSpec) (string, error) {
	uri := s.ModelURI()
	path, ok := storage.LocalPath(uri)
	if !ok {
		fetched, err := e.Fetch(ctx, uri)
		if err != nil {
			return "", fmt.Errorf("fetch artifact: %w", err)
		}
		path = fetched
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if err := e.Host.CheckFits(info.Size()); err != nil {
		return "", err
	}
	return path, nil
}

// OpenRunner fetches an ONNX artifact and opens a runner placed per the
// spec's options.
func (e *Env) OpenRunner(ctx context.Context, s spec.ModelSpec) (onnx.Runner, Placement, error) {
	place, err := e.Placement(s.Options())
	if err != nil {
		return nil, Placement{}, err
	}
	path, err := e.LocalArtifact(ctx, s)
	if err != nil {
		return nil, Placement{}, err
	}
	if e.Runners == nil {
		return nil, Placement{}, fmt.Errorf("no onnx runtime configured")
	}
	r, err := e.Runners(onnx.Config{Path: path, Device: place.Device, IntraOpThreads: place.IntraOpThreads})
	if err != nil {
		return nil, Placement{}, err
	}
	return r, place, nil
}

// Session is a loaded model together with the state its handler needs to
// prepare and decode batches.
type Session struct {
	Spec      spec.ModelSpec
	Options   spec.Options
	Placement Placement
	Labels    spec.LabelFunc
	Codec     *npy.Codec
	Read      func(ctx context.Context, uri string) ([]byte, error)

	handler   Handler
	predictor Predictor
}

// Predictor returns the loaded model.
func (s *Session) Predictor() Predictor { return s.predictor }

// Run pushes one column through pre-processing, prediction and
// post-processing. The result has exactly one value per input row.
func (s *Session) Run(ctx context.Context, col arrow.Array) ([]any, error) {
	batch, err := s.handler.Preprocess(ctx, s, col)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	preds, err := s.predictor.Predict(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if len(preds) != col.Len() {
		return nil, fmt.Errorf("model returned %d predictions for %d rows", len(preds), col.Len())
	}
	out, err := s.handler.Postprocess(ctx, s, preds)
	if err != nil {
		return nil, fmt.Errorf("postprocess: %w", err)
	}
	if len(out) != col.Len() {
		return nil, fmt.Errorf("postprocess returned %d values for %d rows", len(out), col.Len())
	}
	return out, nil
}

func (s *Session) Close() error {
	if s.predictor == nil {
		return nil
	}
	return s.predictor.Close()
}

// Loader dispatches on model type. It keeps no per-model state.
type Loader struct {
	env      *Env
	handlers map[constants.ModelType]Handler
}

// NewLoader returns a loader with the built-in handlers registered.
func NewLoader(env *Env) *Loader {
	l := &Loader{env: env, handlers: map[constants.ModelType]Handler{}}
	l.Register(constants.ModelTypeSklearn, SklearnHandler())
	l.Register(constants.ModelTypeSSD, DetectionHandler(constants.ModelTypeSSD))
	l.Register(constants.ModelTypeFasterRCNN, DetectionHandler(constants.ModelTypeFasterRCNN))
	l.Register(constants.ModelTypeResNet, ClassificationHandler())
	l.Register(constants.ModelTypeONNX, ONNXHandler())
	return l
}

// Register adds or replaces the handler for t. Call before loading.
func (l *Loader) Register(t constants.ModelType, h Handler) {
	l.handlers[t] = h
}

// Handler returns the handler registered for t.
func (l *Loader) Handler(t constants.ModelType) (Handler, bool) {
	h, ok := l.handlers[t]
	return h, ok
}

// OutputSchema is the schema the prediction column is built with: the
// declared one unless the handler pins its output.
func (l *Loader) OutputSchema(s spec.ModelSpec) string {
	h, ok := l.handlers[s.ModelType()]
	if ok && h.FixedOutput {
		return h.OutputType
	}
	if declared := s.Schema(); declared != "" {
		return declared
	}
	return h.OutputType
}

func (l *Loader) Env() *Env { return l.env }

// Load builds a Session for s. Every failure is a *errs.LoadError.
func (l *Loader) Load(ctx context.Context, s spec.ModelSpec) (*Session, error) {
	fail := func(err error) error {
		return &errs.LoadError{Model: s.Name(), ModelType: string(s.ModelType()), URI: s.ModelURI(), Err: err}
	}

	h, ok := l.handlers[s.ModelType()]
	if !ok {
		return nil, fail(fmt.Errorf("unknown model type %q", s.ModelType()))
	}
	opts := s.Options()
	place, err := l.env.Placement(opts)
	if err != nil {
		return nil, fail(err)
	}
	labels, err := s.LoadLabelFunc()
	if err != nil {
		return nil, fail(err)
	}

	start := time.Now()
	pred, err := h.Load(ctx, s, l.env)
	if err != nil {
		return nil, fail(err)
	}
	tags := []string{metrics.BuildTag("model_type", string(s.ModelType()))}
	metrics.Timing("model.load.latency", time.Since(start), tags)
	log.Info().
		Str("model", s.Name()).
		Str("modelType", string(s.ModelType())).
		Str("uri", s.ModelURI()).
		Str("device", place.Device.String()).
		Int("batchSize", place.BatchSize).
		Dur("took", time.Since(start)).
		Msg("model loaded")

	return &Session{
		Spec:      s,
		Options:   opts,
		Placement: place,
		Labels:    labels,
		Codec:     npy.NewCodec(),
		Read:      l.env.Read,
		handler:   h,
		predictor: pred,
	}, nil
}
