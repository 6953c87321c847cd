package model

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/model/npy"
	"github.com/kennethnrk/sqlml/internal/model/onnx"
	"github.com/kennethnrk/sqlml/internal/spec"
)

// graph wraps a runner with the input it feeds and the sub-batch size.
type graph struct {
	runner    onnx.Runner
	input     string
	batchSize int
}

func openGraph(ctx context.Context, s spec.ModelSpec, env *Env) (*graph, error) {
	r, place, err := env.OpenRunner(ctx, s)
	if err != nil {
		return nil, err
	}
	opts := s.Options()
	inputs := r.InputNames()
	input := opts.String(constants.OptionInputName, "")
	if input == "" {
		if len(inputs) == 0 {
			r.Close()
			return nil, fmt.Errorf("graph declares no inputs")
		}
		input = inputs[0]
	} else if !slices.Contains(inputs, input) {
		r.Close()
		return nil, fmt.Errorf("graph has no input %q (inputs: %s)", input, strings.Join(inputs, ", "))
	}
	return &graph{runner: r, input: input, batchSize: place.BatchSize}, nil
}

// run splits t into sub-batches along dim 0 and calls fn with each result,
// in order, with the offset of the sub-batch's first row.
func (g *graph) run(ctx context.Context, t onnx.Tensor, fn func(offset int, out map[string]onnx.Tensor) error) error {
	n := t.Len()
	for from := 0; from < n; from += g.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		to := min(from+g.batchSize, n)
		out, err := g.runner.Run(map[string]onnx.Tensor{g.input: t.Slice(from, to)})
		if err != nil {
			return fmt.Errorf("rows %d-%d: %w", from, to-1, err)
		}
		if err := fn(from, out); err != nil {
			return fmt.Errorf("rows %d-%d: %w", from, to-1, err)
		}
	}
	return nil
}

func (g *graph) Close() error { return g.runner.Close() }

// pickOutput chooses an output by explicit option, then by name hint, then by
// position.
func pickOutput(names []string, explicit string, hints []string, position int) (string, error) {
	if explicit != "" {
		if !slices.Contains(names, explicit) {
			return "", fmt.Errorf("graph has no output %q (outputs: %s)", explicit, strings.Join(names, ", "))
		}
		return explicit, nil
	}
	for _, hint := range hints {
		for _, n := range names {
			if strings.Contains(strings.ToLower(n), hint) {
				return n, nil
			}
		}
	}
	if position >= 0 && position < len(names) {
		return names[position], nil
	}
	return "", fmt.Errorf("cannot pick output %v from %s", hints, strings.Join(names, ", "))
}

// tensorPredictor is the generic ONNX model: npy rows in, one npy row of the
// chosen output per input row out.
type tensorPredictor struct {
	*graph
	output string
}

// ONNXHandler serves arbitrary ONNX graphs over npy-encoded tensors.
func ONNXHandler() Handler {
	return Handler{
		Load:        loadTensorGraph,
		Preprocess:  stackTensors,
		Postprocess: encodePredictions,
		OutputType:  "binary",
		FixedOutput: true,
	}
}

func loadTensorGraph(ctx context.Context, s spec.ModelSpec, env *Env) (Predictor, error) {
	g, err := openGraph(ctx, s, env)
	if err != nil {
		return nil, err
	}
	out, err := pickOutput(g.runner.OutputNames(), s.Options().String(constants.OptionOutputName, ""), nil, 0)
	if err != nil {
		g.Close()
		return nil, err
	}
	return &tensorPredictor{graph: g, output: out}, nil
}

func (p *tensorPredictor) Predict(ctx context.Context, batch any) ([]any, error) {
	t, ok := batch.(onnx.Tensor)
	if !ok {
		return nil, fmt.Errorf("onnx model expects a tensor, got %T", batch)
	}
	preds := make([]any, 0, t.Len())
	err := p.run(ctx, t, func(_ int, out map[string]onnx.Tensor) error {
		res, ok := out[p.output]
		if !ok {
			return fmt.Errorf("missing output %q", p.output)
		}
		rows := res.Len()
		for i := 0; i < rows; i++ {
			r := res.Slice(i, i+1)
			shape := make([]int, len(res.Shape)-1)
			for d := range shape {
				shape[d] = int(res.Shape[d+1])
			}
			data := make([]float64, len(r.Data))
			for j, v := range r.Data {
				data[j] = float64(v)
			}
			preds = append(preds, npy.Array{Dtype: "f4", Shape: shape, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preds, nil
}

// stackTensors decodes npy rows of identical shape into one float32 tensor
// with a leading batch dimension.
func stackTensors(_ context.Context, sess *Session, col arrow.Array) (any, error) {
	rows, err := decodeRows(sess.Codec, col)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return onnx.Tensor{Shape: []int64{0}}, nil
	}
	shape := []int64{int64(len(rows))}
	for _, d := range rows[0].Shape {
		shape = append(shape, int64(d))
	}
	data := make([]float32, 0, len(rows)*len(rows[0].Data))
	for i, a := range rows {
		if !slices.Equal(a.Shape, rows[0].Shape) {
			return nil, fmt.Errorf("row %d has shape %v, row 0 has %v", i, a.Shape, rows[0].Shape)
		}
		for _, v := range a.Data {
			data = append(data, float32(v))
		}
	}
	return onnx.Tensor{Shape: shape, Data: data}, nil
}
