package udf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/device"
	"github.com/kennethnrk/sqlml/internal/errs"
	"github.com/kennethnrk/sqlml/internal/model"
	"github.com/kennethnrk/sqlml/internal/model/modeltest"
	"github.com/kennethnrk/sqlml/internal/model/npy"
	"github.com/kennethnrk/sqlml/internal/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testLoader(r *modeltest.Runner) *model.Loader {
	env := &model.Env{
		Host: device.Host{PhysicalCores: 2},
		Fetch: func(_ context.Context, uri string) (string, error) {
			return "", fmt.Errorf("unexpected fetch of %s", uri)
		},
		Read: func(_ context.Context, uri string) ([]byte, error) {
			return nil, fmt.Errorf("unexpected read of %s", uri)
		},
		DefaultDevice:    "cpu",
		DefaultBatchSize: 32,
	}
	if r != nil {
		env.Runners = r.Factory()
	}
	return model.NewLoader(env)
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, content, 0o644))
	return p
}

// specDoc writes a spec document with a dummy artifact beside it.
func specDoc(t *testing.T, doc map[string]any) spec.ModelSpec {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "model.onnx", []byte("onnx"))
	writeFile(t, dir, "coco_labels.json", []byte(`["person", "bicycle", "car"]`))
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)
	s, err := spec.NewFileModelSpec(context.Background(), writeFile(t, dir, "spec.yml", raw), nil)
	require.NoError(t, err)
	return s
}

func binaryRecord(t *testing.T, rows [][]byte) arrow.Record {
	t.Helper()
	b := array.NewBinaryBuilder(memory.NewGoAllocator(), arrow.BinaryTypes.Binary)
	defer b.Release()
	b.AppendValues(rows, nil)
	col := b.NewArray()
	defer col.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: "input", Type: arrow.BinaryTypes.Binary}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{col}, int64(len(rows)))
	t.Cleanup(rec.Release)
	return rec
}

func vectors(t *testing.T, n int) [][]byte {
	t.Helper()
	c := npy.NewCodec()
	out := make([][]byte, n)
	for i := range out {
		b, err := c.Encode(npy.Array{Dtype: "f4", Shape: []int{2}, Data: []float64{float64(i), 1}})
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestModelLoadedOnceAcrossBatches(t *testing.T) {
	r := modeltest.Doubler()
	s := specDoc(t, map[string]any{
		"version": "1",
		"model":   map[string]any{"uri": "model.onnx", "type": "onnx"},
	})
	tr, err := New(s, testLoader(r))
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, int64(0), tr.Loads(), "nothing is loaded before the first batch")

	sizes := []int{3, 1, 5}
	var inputs []arrow.Record
	for _, n := range sizes {
		inputs = append(inputs, binaryRecord(t, vectors(t, n)))
	}

	i := 0
	for out, err := range tr.Apply(context.Background(), func(yield func(arrow.Record) bool) {
		for _, rec := range inputs {
			if !yield(rec) {
				return
			}
		}
	}) {
		require.NoError(t, err)
		assert.Equal(t, int64(sizes[i]), out.NumRows())
		assert.Equal(t, OutputColumn, out.Schema().Field(0).Name)
		assert.True(t, arrow.TypeEqual(arrow.BinaryTypes.Binary, out.Column(0).DataType()))
		out.Release()
		i++
	}
	assert.Equal(t, len(sizes), i)
	assert.Equal(t, int64(1), tr.Loads())
	assert.Equal(t, 1, r.Opens())
}

func TestSSDEndToEnd(t *testing.T) {
	s := specDoc(t, map[string]any{
		"version": "1.0",
		"name":    "ssd_mobilenet",
		"model":   map[string]any{"uri": "model.onnx", "type": "ssd"},
		"labels":  map[string]any{"uri": "coco_labels.json"},
		"options": map[string]any{"batch_size": 4},
	})
	r := modeltest.Detector(120)
	img := modeltest.PNG(64, 48)
	images := make([][]byte, 6)
	for i := range images {
		images[i] = img
	}

	out, err := ApplyModelSpec(context.Background(), s, []arrow.Record{binaryRecord(t, images)}, WithLoader(testLoader(r)))
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer out[0].Release()
	assert.Equal(t, int64(6), out[0].NumRows())
	assert.Equal(t, []int{4, 2}, r.Batches())

	list := out[0].Column(0).(*array.List)
	for i := 0; i < list.Len(); i++ {
		start, end := list.ValueOffsets(i)
		assert.LessOrEqual(t, end-start, int64(constants.MaxDetections))
		assert.Positive(t, end-start)
	}
	labels := list.ListValues().(*array.Struct).Field(3).(*array.String)
	assert.Contains(t, []string{"person", "bicycle", "car"}, labels.Value(0))
}

func TestLoadErrorIsSticky(t *testing.T) {
	s := specDoc(t, map[string]any{
		"version": "1",
		"schema":  "binary",
		"model":   map[string]any{"uri": "model.onnx", "type": "xgboost"},
	})
	tr, err := New(s, testLoader(nil))
	require.NoError(t, err, "unknown model types fail at load, not construction")

	rec := binaryRecord(t, vectors(t, 2))
	for i := 0; i < 2; i++ {
		_, err := tr.ProcessBatch(context.Background(), rec)
		var le *errs.LoadError
		require.True(t, errors.As(err, &le), "got %v", err)
		assert.Equal(t, "xgboost", le.ModelType)
	}
	assert.Equal(t, int64(1), tr.Loads())
}

func TestMalformedSchemaFailsBeforeLoad(t *testing.T) {
	s := specDoc(t, map[string]any{
		"version": "1",
		"schema":  "array<struct<box:box2d",
		"model":   map[string]any{"uri": "model.onnx", "type": "ssd"},
	})
	_, err := New(s, testLoader(nil))
	var se *errs.SpecError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "schema", se.Field)
}

func TestSklearnIgnoresDeclaredSchema(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.json", []byte(`{"coef":[2,3],"intercept":1}`))
	raw, err := yaml.Marshal(map[string]any{
		"version": "1.0",
		"schema":  "long",
		"model":   map[string]any{"uri": "model.json", "type": "sklearn"},
	})
	require.NoError(t, err)
	s, err := spec.NewFileModelSpec(context.Background(), writeFile(t, dir, "spec.yml", raw), nil)
	require.NoError(t, err)

	out, err := ApplyModelSpec(context.Background(), s, []arrow.Record{binaryRecord(t, vectors(t, 1))}, WithLoader(testLoader(nil)))
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer out[0].Release()
	col, ok := out[0].Column(0).(*array.Binary)
	require.True(t, ok, "sklearn predictions stay npy payloads, got %s", out[0].Column(0).DataType())
	a, err := npy.NewCodec().Decode(col.Value(0))
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, a.Data)
}

func TestInferenceErrorNamesBatch(t *testing.T) {
	l := testLoader(nil)
	l.Register("short", model.Handler{
		Load: func(context.Context, spec.ModelSpec, *model.Env) (model.Predictor, error) {
			return shortPredictor{}, nil
		},
		Preprocess: func(_ context.Context, _ *model.Session, col arrow.Array) (any, error) {
			return col.Len(), nil
		},
		Postprocess: func(_ context.Context, _ *model.Session, preds []any) ([]any, error) { return preds, nil },
		OutputType:  "long",
	})
	s, err := spec.NewHubModelSpec("short", "short", "mem://short", nil)
	require.NoError(t, err)
	tr, err := New(s, l)
	require.NoError(t, err)

	out, err := tr.ProcessBatch(context.Background(), binaryRecord(t, [][]byte{{1}}))
	require.NoError(t, err, "a single row batch is complete")
	out.Release()

	_, err = tr.ProcessBatch(context.Background(), binaryRecord(t, [][]byte{{1}, {2}, {3}}))
	var ie *errs.InferenceError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.Equal(t, 1, ie.Batch)
	assert.Equal(t, "short", ie.Model)
	assert.ErrorContains(t, err, "model returned 1 predictions for 3 rows")
}

// shortPredictor always returns a single prediction.
type shortPredictor struct{}

func (shortPredictor) Predict(context.Context, any) ([]any, error) { return []any{int64(1)}, nil }
func (shortPredictor) Close() error                                { return nil }

func TestEmptyBatch(t *testing.T) {
	r := modeltest.Doubler()
	s := specDoc(t, map[string]any{
		"version": "1",
		"model":   map[string]any{"uri": "model.onnx", "type": "onnx"},
	})
	out, err := ApplyModelSpec(context.Background(), s, []arrow.Record{binaryRecord(t, nil)}, WithLoader(testLoader(r)))
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer out[0].Release()
	assert.Zero(t, out[0].NumRows())
	assert.Empty(t, r.Batches())
	assert.Equal(t, 1, r.Opens())
}

func TestApplyStopsWhenConsumerStops(t *testing.T) {
	r := modeltest.Doubler()
	s := specDoc(t, map[string]any{
		"version": "1",
		"model":   map[string]any{"uri": "model.onnx", "type": "onnx"},
	})
	tr, err := New(s, testLoader(r))
	require.NoError(t, err)

	rec := binaryRecord(t, vectors(t, 1))
	seen := 0
	for out, err := range tr.Apply(context.Background(), func(yield func(arrow.Record) bool) {
		for i := 0; i < 10; i++ {
			if !yield(rec) {
				return
			}
		}
	}) {
		require.NoError(t, err)
		out.Release()
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, []int{1, 1}, r.Batches())
	require.NoError(t, tr.Close())
	assert.True(t, r.Closed())
}

func TestApplyModelSpecReleasesOnError(t *testing.T) {
	r := modeltest.Doubler()
	s := specDoc(t, map[string]any{
		"version": "1",
		"model":   map[string]any{"uri": "model.onnx", "type": "onnx"},
	})
	good := binaryRecord(t, vectors(t, 2))
	bad := binaryRecord(t, [][]byte{[]byte("garbage")})

	out, err := ApplyModelSpec(context.Background(), s, []arrow.Record{good, bad, good}, WithLoader(testLoader(r)))
	assert.Nil(t, out)
	var ie *errs.InferenceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 1, ie.Batch)
	assert.Equal(t, []int{2}, r.Batches(), "batches after the failure are not run")
}

func TestLabelFileIsJSONArray(t *testing.T) {
	raw, err := json.Marshal([]string{"person", "bicycle", "car"})
	require.NoError(t, err)
	s := specDoc(t, map[string]any{
		"version": "1",
		"model":   map[string]any{"uri": "model.onnx", "type": "resnet"},
		"labels":  map[string]any{"uri": writeFile(t, t.TempDir(), "labels.json", raw)},
	})
	fn, err := s.LoadLabelFunc()
	require.NoError(t, err)
	assert.Equal(t, "person", fn(0))
}
