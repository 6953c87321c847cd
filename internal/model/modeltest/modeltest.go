// Package modeltest provides in-memory ONNX runners and image fixtures for
// tests of packages that load models.
package modeltest

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/kennethnrk/sqlml/internal/model/onnx"
)

// Runner is a scripted onnx.Runner. Fn receives the first input tensor.
type Runner struct {
	Inputs  []string
	Outputs []string
	Fn      func(in onnx.Tensor) (map[string]onnx.Tensor, error)

	mu      sync.Mutex
	batches []int
	opens   int
	closed  bool
	configs []onnx.Config
}

func (r *Runner) InputNames() []string  { return r.Inputs }
func (r *Runner) OutputNames() []string { return r.Outputs }

func (r *Runner) Run(inputs map[string]onnx.Tensor) (map[string]onnx.Tensor, error) {
	in, ok := inputs[r.Inputs[0]]
	if !ok {
		return nil, fmt.Errorf("missing input %q", r.Inputs[0])
	}
	r.mu.Lock()
	r.batches = append(r.batches, in.Len())
	r.mu.Unlock()
	return r.Fn(in)
}

func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Factory opens r for every request and records the configs.
func (r *Runner) Factory() onnx.Factory {
	return func(cfg onnx.Config) (onnx.Runner, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.opens++
		r.configs = append(r.configs, cfg)
		return r, nil
	}
}

// Batches lists the leading dimension of every Run call.
func (r *Runner) Batches() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.batches...)
}

// Opens counts sessions opened through Factory.
func (r *Runner) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

// Configs returns the configs passed to Factory.
func (r *Runner) Configs() []onnx.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]onnx.Config(nil), r.configs...)
}

func (r *Runner) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Detector emits k detections per image in TF SSD layout: normalised
// [ymin, xmin, ymax, xmax] boxes, ascending scores and classes i%3.
func Detector(k int) *Runner {
	return &Runner{
		Inputs:  []string{"image_tensor"},
		Outputs: []string{"detection_boxes", "detection_scores", "detection_classes", "num_detections"},
		Fn: func(in onnx.Tensor) (map[string]onnx.Tensor, error) {
			n := in.Len()
			boxes := make([]float32, 0, n*k*4)
			scores := make([]float32, 0, n*k)
			classes := make([]float32, 0, n*k)
			count := make([]float32, n)
			for j := 0; j < n; j++ {
				for i := 0; i < k; i++ {
					boxes = append(boxes, 0.1, 0.2, 0.5, 0.6)
					scores = append(scores, float32(i+1)/float32(k+1))
					classes = append(classes, float32(i%3))
				}
				count[j] = float32(k)
			}
			return map[string]onnx.Tensor{
				"detection_boxes":   {Shape: []int64{int64(n), int64(k), 4}, Data: boxes},
				"detection_scores":  {Shape: []int64{int64(n), int64(k)}, Data: scores},
				"detection_classes": {Shape: []int64{int64(n), int64(k)}, Data: classes},
				"num_detections":    {Shape: []int64{int64(n)}, Data: count},
			}, nil
		},
	}
}

// Classifier emits logits over classes with winner scoring highest.
func Classifier(classes, winner int) *Runner {
	return &Runner{
		Inputs:  []string{"data"},
		Outputs: []string{"resnetv17_dense0_fwd"},
		Fn: func(in onnx.Tensor) (map[string]onnx.Tensor, error) {
			n := in.Len()
			logits := make([]float32, n*classes)
			for j := 0; j < n; j++ {
				logits[j*classes+winner] = 10
			}
			return map[string]onnx.Tensor{
				"resnetv17_dense0_fwd": {Shape: []int64{int64(n), int64(classes)}, Data: logits},
			}, nil
		},
	}
}

// Doubler returns its input times two.
func Doubler() *Runner {
	return &Runner{
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Fn: func(in onnx.Tensor) (map[string]onnx.Tensor, error) {
			out := make([]float32, len(in.Data))
			for i, v := range in.Data {
				out[i] = v * 2
			}
			return map[string]onnx.Tensor{"y": {Shape: in.Shape, Data: out}}, nil
		},
	}
}

// PNG encodes a solid grey w x h image.
func PNG(w, h int) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
