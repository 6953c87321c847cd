// Package onnx runs ONNX graphs through onnxruntime behind a small Runner
// interface so model handlers can be exercised without the native library.
package onnx

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/kennethnrk/sqlml/internal/device"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Len is the size of the leading dimension, 0 for a scalar.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return int(t.Shape[0])
}

// RowSize is the number of elements per leading-dimension row.
func (t Tensor) RowSize() int {
	n := 1
	for _, d := range t.Shape[1:] {
		n *= int(d)
	}
	return n
}

// Slice returns rows [from, to) sharing the underlying data.
func (t Tensor) Slice(from, to int) Tensor {
	row := t.RowSize()
	shape := append([]int64{int64(to - from)}, t.Shape[1:]...)
	return Tensor{Shape: shape, Data: t.Data[from*row : to*row]}
}

// Concat joins tensors with matching trailing dimensions along dim 0.
func Concat(parts []Tensor) (Tensor, error) {
	if len(parts) == 1 {
		return parts[0], nil
	}
	if len(parts) == 0 {
		return Tensor{}, fmt.Errorf("concat of zero tensors")
	}
	rows := 0
	data := make([]float32, 0)
	for i, p := range parts {
		if len(p.Shape) != len(parts[0].Shape) {
			return Tensor{}, fmt.Errorf("concat: part %d has rank %d, want %d", i, len(p.Shape), len(parts[0].Shape))
		}
		for d := 1; d < len(p.Shape); d++ {
			if p.Shape[d] != parts[0].Shape[d] {
				return Tensor{}, fmt.Errorf("concat: part %d has shape %v, want trailing %v", i, p.Shape, parts[0].Shape[1:])
			}
		}
		rows += p.Len()
		data = append(data, p.Data...)
	}
	shape := append([]int64{int64(rows)}, parts[0].Shape[1:]...)
	return Tensor{Shape: shape, Data: data}, nil
}

// Runner executes one loaded graph.
type Runner interface {
	InputNames() []string
	OutputNames() []string
	// Run feeds named inputs and returns every output by name.
	Run(inputs map[string]Tensor) (map[string]Tensor, error)
	Close() error
}

// Config describes a session to open.
type Config struct {
	Path           string
	Device         device.Device
	IntraOpThreads int
}

// Factory opens runners. Handlers receive one through their environment.
type Factory func(cfg Config) (Runner, error)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initialises onnxruntime once per process.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
		if envErr == nil {
			log.Info().Str("library", libraryPath).Str("version", ort.GetVersion()).Msg("onnxruntime initialised")
		}
	})
	return envErr
}

// NewFactory returns a Factory backed by onnxruntime, loading the shared
// library from libraryPath (empty for the platform default).
func NewFactory(libraryPath string) Factory {
	return func(cfg Config) (Runner, error) {
		if err := initEnvironment(libraryPath); err != nil {
			return nil, fmt.Errorf("initialise onnxruntime: %w", err)
		}
		return newSession(cfg)
	}
}

type session struct {
	sess    *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func newSession(cfg Config) (*session, error) {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", cfg.Path, err)
	}
	inputs := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputs[i] = info.Name
	}
	outputs := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputs[i] = info.Name
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if cfg.Device.IsGPU() {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("create cuda options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(cfg.Device.Index)}); err != nil {
			return nil, fmt.Errorf("configure cuda device %d: %w", cfg.Device.Index, err)
		}
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("enable cuda execution provider: %w", err)
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(cfg.Path, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", cfg.Path, err)
	}
	log.Debug().Str("path", cfg.Path).Strs("inputs", inputs).Strs("outputs", outputs).Str("device", cfg.Device.String()).Msg("opened onnx session")
	return &session{sess: sess, inputs: inputs, outputs: outputs}, nil
}

func (s *session) InputNames() []string  { return s.inputs }
func (s *session) OutputNames() []string { return s.outputs }

func (s *session) Run(inputs map[string]Tensor) (map[string]Tensor, error) {
	in := make([]ort.Value, len(s.inputs))
	defer func() {
		for _, v := range in {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	for i, name := range s.inputs {
		t, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", name)
		}
		v, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("create input %q: %w", name, err)
		}
		in[i] = v
	}

	// nil outputs are allocated by onnxruntime.
	out := make([]ort.Value, len(s.outputs))
	if err := s.sess.Run(in, out); err != nil {
		return nil, err
	}
	defer func() {
		for _, v := range out {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	result := make(map[string]Tensor, len(out))
	for i, v := range out {
		t, err := toTensor(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", s.outputs[i], err)
		}
		result[s.outputs[i]] = t
	}
	return result, nil
}

func (s *session) Close() error {
	return s.sess.Destroy()
}

// toTensor copies a numeric output into a float32 Tensor.
func toTensor(v ort.Value) (Tensor, error) {
	shape := []int64(v.GetShape())
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return Tensor{Shape: shape, Data: append([]float32(nil), t.GetData()...)}, nil
	case *ort.Tensor[float64]:
		return Tensor{Shape: shape, Data: convert(t.GetData())}, nil
	case *ort.Tensor[int64]:
		return Tensor{Shape: shape, Data: convert(t.GetData())}, nil
	case *ort.Tensor[int32]:
		return Tensor{Shape: shape, Data: convert(t.GetData())}, nil
	case *ort.Tensor[uint8]:
		return Tensor{Shape: shape, Data: convert(t.GetData())}, nil
	}
	return Tensor{}, fmt.Errorf("unsupported output value %T", v)
}

func convert[T float64 | int64 | int32 | uint8](in []T) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
