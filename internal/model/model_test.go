package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/device"
	"github.com/kennethnrk/sqlml/internal/errs"
	"github.com/kennethnrk/sqlml/internal/model/modeltest"
	"github.com/kennethnrk/sqlml/internal/model/npy"
	"github.com/kennethnrk/sqlml/internal/model/onnx"
	"github.com/kennethnrk/sqlml/internal/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testEnv(r *modeltest.Runner) *Env {
	env := &Env{
		Host: device.Host{PhysicalCores: 4},
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
	return env
}

func artifact(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, content, 0o644))
	return p
}

func hubSpec(t *testing.T, typ constants.ModelType, uri string, opts spec.Options) spec.ModelSpec {
	t.Helper()
	s, err := spec.NewHubModelSpec("test_model", typ, uri, opts)
	require.NoError(t, err)
	return s
}

// labelledSpec writes a spec document next to a dummy artifact and a label
// file.
func labelledSpec(t *testing.T, typ constants.ModelType, labels []string, opts spec.Options) spec.ModelSpec {
	t.Helper()
	dir := t.TempDir()
	artifact(t, dir, "model.onnx", []byte("onnx"))
	raw, err := json.Marshal(labels)
	require.NoError(t, err)
	artifact(t, dir, "labels.json", raw)
	doc, err := yaml.Marshal(map[string]any{
		"version": "1.0",
		"name":    "labelled",
		"model":   map[string]any{"uri": "model.onnx", "type": string(typ)},
		"labels":  map[string]any{"uri": "labels.json"},
	})
	require.NoError(t, err)
	s, err := spec.NewFileModelSpec(context.Background(), artifact(t, dir, "spec.yml", doc), opts)
	require.NoError(t, err)
	return s
}

func binaryColumn(t *testing.T, rows [][]byte) arrow.Array {
	t.Helper()
	b := array.NewBinaryBuilder(memory.NewGoAllocator(), arrow.BinaryTypes.Binary)
	defer b.Release()
	b.AppendValues(rows, nil)
	col := b.NewArray()
	t.Cleanup(col.Release)
	return col
}

func npyRows(t *testing.T, rows ...[]float64) [][]byte {
	t.Helper()
	c := npy.NewCodec()
	out := make([][]byte, len(rows))
	for i, r := range rows {
		b, err := c.Encode(npy.Array{Shape: []int{len(r)}, Data: r})
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func requireLoadError(t *testing.T, err error) *errs.LoadError {
	t.Helper()
	var le *errs.LoadError
	require.True(t, errors.As(err, &le), "want *errs.LoadError, got %T: %v", err, err)
	return le
}

func TestLoaderUnknownModelType(t *testing.T) {
	l := NewLoader(testEnv(nil))
	_, err := l.Load(context.Background(), hubSpec(t, "xgboost", "/models/m.bin", nil))
	le := requireLoadError(t, err)
	assert.Equal(t, "xgboost", le.ModelType)
	assert.ErrorContains(t, err, `unknown model type "xgboost"`)
}

func TestLoaderDevicePlacement(t *testing.T) {
	r := modeltest.Doubler()
	path := artifact(t, t.TempDir(), "m.onnx", []byte("onnx"))
	l := NewLoader(testEnv(r))

	_, err := l.Load(context.Background(), hubSpec(t, constants.ModelTypeONNX, path, spec.Options{"device": "gpu"}))
	requireLoadError(t, err)
	assert.Zero(t, r.Opens(), "no session is opened for an unplaceable model")

	sess, err := l.Load(context.Background(), hubSpec(t, constants.ModelTypeONNX, path, spec.Options{"batch_size": 4}))
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, "cpu", sess.Placement.Device.String())
	assert.Equal(t, 4, sess.Placement.BatchSize)
	require.Len(t, r.Configs(), 1)
	assert.Equal(t, onnx.Config{Path: path, Device: device.CPU, IntraOpThreads: 4}, r.Configs()[0])
}

func TestLoaderMissingArtifact(t *testing.T) {
	l := NewLoader(testEnv(modeltest.Doubler()))
	_, err := l.Load(context.Background(), hubSpec(t, constants.ModelTypeONNX, filepath.Join(t.TempDir(), "missing.onnx"), nil))
	le := requireLoadError(t, err)
	assert.ErrorIs(t, le, os.ErrNotExist)
}

func TestPlacementOptions(t *testing.T) {
	env := testEnv(nil)
	env.Host.GPUs = []device.GPU{{Index: 0, Vendor: "nvidia"}}

	p, err := env.Placement(spec.Options{"device": "cuda:0", "batch_size": "8", "intra_op_threads": 2})
	require.NoError(t, err)
	assert.True(t, p.Device.IsGPU())
	assert.Equal(t, 8, p.BatchSize)
	assert.Equal(t, 2, p.IntraOpThreads)

	_, err = env.Placement(spec.Options{"batch_size": 0})
	assert.Error(t, err)
	_, err = env.Placement(spec.Options{"batch_size": "many"})
	assert.Error(t, err)

	p, err = env.Placement(spec.Options{"gpu": "true"})
	require.NoError(t, err)
	assert.True(t, p.Device.IsGPU(), "a truthy gpu flag selects the GPU")
	p, err = env.Placement(spec.Options{"gpu": true, "device": "cpu"})
	require.NoError(t, err)
	assert.False(t, p.Device.IsGPU())
	_, err = env.Placement(spec.Options{"gpu": "sometimes"})
	assert.ErrorContains(t, err, "invalid gpu")

	cpuOnly := testEnv(nil)
	p, err = cpuOnly.Placement(spec.Options{"gpu": "false"})
	require.NoError(t, err)
	assert.False(t, p.Device.IsGPU())
	_, err = cpuOnly.Placement(spec.Options{"gpu": "true"})
	assert.ErrorContains(t, err, "no GPU was detected")
}

func TestSklearnRegression(t *testing.T) {
	path := artifact(t, t.TempDir(), "model.json", []byte(`{"estimator":"LinearRegression","coef":[2,3],"intercept":1}`))
	sess, err := NewLoader(testEnv(nil)).Load(context.Background(), hubSpec(t, constants.ModelTypeSklearn, path, nil))
	require.NoError(t, err)

	out, err := sess.Run(context.Background(), binaryColumn(t, npyRows(t, []float64{1, 1}, []float64{0, 2})))
	require.NoError(t, err)
	require.Len(t, out, 2)

	c := npy.NewCodec()
	for i, want := range []float64{6, 7} {
		a, err := c.Decode(out[i].([]byte))
		require.NoError(t, err)
		assert.Empty(t, a.Shape)
		assert.Equal(t, []float64{want}, a.Data)
	}
}

func TestSklearnClassifiers(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(testEnv(nil))

	binary := artifact(t, dir, "binary.json", []byte(`{"coef":[[1,-1]],"intercept":[0],"classes":["no","yes"]}`))
	sess, err := l.Load(context.Background(), hubSpec(t, constants.ModelTypeSklearn, binary, nil))
	require.NoError(t, err)
	out, err := sess.Run(context.Background(), binaryColumn(t, npyRows(t, []float64{2, 1}, []float64{0, 1})))
	require.NoError(t, err)
	assert.Equal(t, "yes", string(out[0].([]byte)[len(out[0].([]byte))-3:]))
	assert.Equal(t, "no", string(out[1].([]byte)[len(out[1].([]byte))-2:]))

	multi := artifact(t, dir, "multi.json", []byte(`{"coef":[[1,0],[0,1],[-1,-1]],"intercept":[0,0,0],"classes":[0,1,2]}`))
	sess, err = l.Load(context.Background(), hubSpec(t, constants.ModelTypeSklearn, multi, nil))
	require.NoError(t, err)
	out, err = sess.Run(context.Background(), binaryColumn(t, npyRows(t, []float64{0, 5}, []float64{-3, -3})))
	require.NoError(t, err)
	c := npy.NewCodec()
	for i, want := range []float64{1, 2} {
		a, err := c.Decode(out[i].([]byte))
		require.NoError(t, err)
		assert.Equal(t, []float64{want}, a.Data)
	}
}

func TestSklearnErrors(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(testEnv(nil))

	for name, body := range map[string]string{
		"not json":          `coef = [1]`,
		"no coef":           `{"intercept": 1}`,
		"ragged coef":       `{"coef": [[1, 2], [3]]}`,
		"intercept length":  `{"coef": [[1], [2]], "intercept": [1, 2, 3]}`,
		"classes vs coef":   `{"coef": [[1], [2]], "classes": ["a", "b", "c"]}`,
		"intercept garbage": `{"coef": [1], "intercept": "x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := l.Load(context.Background(), hubSpec(t, constants.ModelTypeSklearn, artifact(t, dir, "m.json", []byte(body)), nil))
			requireLoadError(t, err)
		})
	}

	sess, err := l.Load(context.Background(), hubSpec(t, constants.ModelTypeSklearn, artifact(t, dir, "ok.json", []byte(`{"coef":[1,1]}`)), nil))
	require.NoError(t, err)
	_, err = sess.Run(context.Background(), binaryColumn(t, npyRows(t, []float64{1, 2, 3})))
	assert.ErrorContains(t, err, "expects 2 features")
	_, err = sess.Run(context.Background(), binaryColumn(t, npyRows(t, []float64{1, 2}, []float64{1})))
	assert.ErrorContains(t, err, "row 1 has 1 features")
	_, err = sess.Run(context.Background(), binaryColumn(t, [][]byte{[]byte("not npy")}))
	assert.ErrorContains(t, err, "row 0")
}

func TestDetectionSubBatchesCapAndLabels(t *testing.T) {
	r := modeltest.Detector(150)
	s := labelledSpec(t, constants.ModelTypeSSD, []string{"person", "bicycle", "car"}, spec.Options{"batch_size": 2})
	l := NewLoader(testEnv(r))
	sess, err := l.Load(context.Background(), s)
	require.NoError(t, err)

	img := modeltest.PNG(40, 20)
	out, err := sess.Run(context.Background(), binaryColumn(t, [][]byte{img, img, img, img, img}))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, r.Batches())
	require.Len(t, out, 5)

	for _, row := range out {
		dets := row.([]any)
		require.Len(t, dets, constants.MaxDetections)
		first := dets[0].(map[string]any)
		assert.InDelta(t, 150.0/151.0, first["score"], 1e-6)
		assert.Equal(t, int32(2), first["label_id"])
		assert.Equal(t, "car", first["label"])
		box := first["box"].(map[string]any)
		assert.InDelta(t, 8, box["xmin"], 1e-4)
		assert.InDelta(t, 2, box["ymin"], 1e-4)
		assert.InDelta(t, 24, box["xmax"], 1e-4)
		assert.InDelta(t, 10, box["ymax"], 1e-4)
		last := dets[len(dets)-1].(map[string]any)
		assert.Less(t, last["score"].(float32), first["score"].(float32))
	}
}

func TestDetectionMinScore(t *testing.T) {
	r := modeltest.Detector(150)
	path := artifact(t, t.TempDir(), "ssd.onnx", []byte("onnx"))
	sess, err := NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeSSD, path, spec.Options{"min_score": 0.9}))
	require.NoError(t, err)

	out, err := sess.Run(context.Background(), binaryColumn(t, [][]byte{modeltest.PNG(8, 8)}))
	require.NoError(t, err)
	dets := out[0].([]any)
	assert.Len(t, dets, 15)
	assert.Equal(t, "", dets[0].(map[string]any)["label"], "no label file maps to empty labels")

	_, err = NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeSSD, path, spec.Options{"min_score": "high"}))
	requireLoadError(t, err)
}

func TestDetectionGraphWithoutBatchDimension(t *testing.T) {
	r := &modeltest.Runner{
		Inputs:  []string{"images"},
		Outputs: []string{"boxes", "labels", "scores"},
		Fn: func(in onnx.Tensor) (map[string]onnx.Tensor, error) {
			return map[string]onnx.Tensor{
				"boxes":  {Shape: []int64{2, 4}, Data: []float32{0, 0, 400, 400, 400, 0, 800, 800}},
				"labels": {Shape: []int64{2}, Data: []float32{1, 3}},
				"scores": {Shape: []int64{2}, Data: []float32{0.3, 0.8}},
			}, nil
		},
	}
	path := artifact(t, t.TempDir(), "frcnn.onnx", []byte("onnx"))
	img := modeltest.PNG(100, 50)

	sess, err := NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeFasterRCNN, path, spec.Options{"batch_size": 1}))
	require.NoError(t, err)
	out, err := sess.Run(context.Background(), binaryColumn(t, [][]byte{img, img, img}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1}, r.Batches())

	dets := out[0].([]any)
	require.Len(t, dets, 2)
	top := dets[0].(map[string]any)
	assert.Equal(t, int32(3), top["label_id"])
	box := top["box"].(map[string]any)
	// 800x800 input scaled back onto a 100x50 image.
	assert.InDelta(t, 50, box["xmin"], 1e-4)
	assert.InDelta(t, 100, box["xmax"], 1e-4)
	assert.InDelta(t, 50, box["ymax"], 1e-4)

	sess, err = NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeFasterRCNN, path, spec.Options{"batch_size": 2}))
	require.NoError(t, err)
	_, err = sess.Run(context.Background(), binaryColumn(t, [][]byte{img, img}))
	assert.ErrorContains(t, err, "batch_size=1")
}

func TestDetectionMalformedOutputs(t *testing.T) {
	ssd := func(count float32, boxes []float32) *modeltest.Runner {
		return &modeltest.Runner{
			Inputs:  []string{"image_tensor"},
			Outputs: []string{"detection_boxes", "detection_scores", "detection_classes", "num_detections"},
			Fn: func(in onnx.Tensor) (map[string]onnx.Tensor, error) {
				return map[string]onnx.Tensor{
					"detection_boxes":   {Shape: []int64{1, 2, 4}, Data: boxes},
					"detection_scores":  {Shape: []int64{1, 2}, Data: []float32{0.9, 0.8}},
					"detection_classes": {Shape: []int64{1, 2}, Data: []float32{1, 2}},
					"num_detections":    {Shape: []int64{1}, Data: []float32{count}},
				}, nil
			},
		}
	}
	path := artifact(t, t.TempDir(), "ssd.onnx", []byte("onnx"))
	img := binaryColumn(t, [][]byte{modeltest.PNG(8, 8)})

	sess, err := NewLoader(testEnv(ssd(-3, make([]float32, 8)))).Load(context.Background(), hubSpec(t, constants.ModelTypeSSD, path, nil))
	require.NoError(t, err)
	out, err := sess.Run(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Empty(t, out[0], "a negative count yields no detections")

	sess, err = NewLoader(testEnv(ssd(2, make([]float32, 4)))).Load(context.Background(), hubSpec(t, constants.ModelTypeSSD, path, nil))
	require.NoError(t, err)
	_, err = sess.Run(context.Background(), img)
	assert.ErrorContains(t, err, `output "detection_boxes" holds fewer than 2 boxes`)
}

func TestDetectionOutputSelection(t *testing.T) {
	r := modeltest.Detector(1)
	path := artifact(t, t.TempDir(), "ssd.onnx", []byte("onnx"))
	_, err := NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeSSD, path, spec.Options{"boxes_output": "nope"}))
	assert.ErrorContains(t, err, `no output "nope"`)
	_, err = NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeSSD, path, spec.Options{"layout": "chw"}))
	requireLoadError(t, err)
	_, err = NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeSSD, path, spec.Options{"image_size": "0x10"}))
	requireLoadError(t, err)
	_, err = NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeSSD, path, spec.Options{"box_order": "xywh"}))
	requireLoadError(t, err)
}

func TestClassification(t *testing.T) {
	r := modeltest.Classifier(5, 3)
	s := labelledSpec(t, constants.ModelTypeResNet, []string{"a", "b", "c", "d", "e"}, spec.Options{"image_size": "32x16"})
	sess, err := NewLoader(testEnv(r)).Load(context.Background(), s)
	require.NoError(t, err)

	img := modeltest.PNG(64, 64)
	out, err := sess.Run(context.Background(), binaryColumn(t, [][]byte{img, img}))
	require.NoError(t, err)
	require.Len(t, out, 2)
	row := out[1].(map[string]any)
	assert.Equal(t, int32(3), row["label_id"])
	assert.Equal(t, "d", row["label"])
	want := math.Exp(10) / (math.Exp(10) + 4)
	assert.InDelta(t, want, row["score"], 1e-5)
}

func TestImagesByURI(t *testing.T) {
	r := modeltest.Classifier(2, 1)
	env := testEnv(r)
	env.Read = func(_ context.Context, uri string) ([]byte, error) {
		if uri == "s3://images/cat.png" {
			return modeltest.PNG(10, 10), nil
		}
		return nil, os.ErrNotExist
	}
	path := artifact(t, t.TempDir(), "resnet.onnx", []byte("onnx"))
	sess, err := NewLoader(env).Load(context.Background(), hubSpec(t, constants.ModelTypeResNet, path, nil))
	require.NoError(t, err)

	b := array.NewStringBuilder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues([]string{"s3://images/cat.png"}, nil)
	col := b.NewArray()
	defer col.Release()
	out, err := sess.Run(context.Background(), col)
	require.NoError(t, err)
	assert.Equal(t, int32(1), out[0].(map[string]any)["label_id"])

	b.Append("s3://images/missing.png")
	missing := b.NewArray()
	defer missing.Release()
	_, err = sess.Run(context.Background(), missing)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGenericONNX(t *testing.T) {
	r := modeltest.Doubler()
	path := artifact(t, t.TempDir(), "m.onnx", []byte("onnx"))
	sess, err := NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeONNX, path, spec.Options{"batch_size": 1}))
	require.NoError(t, err)

	out, err := sess.Run(context.Background(), binaryColumn(t, npyRows(t, []float64{1, 2}, []float64{3, 4})))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, r.Batches())

	c := npy.NewCodec()
	for i, want := range [][]float64{{2, 4}, {6, 8}} {
		a, err := c.Decode(out[i].([]byte))
		require.NoError(t, err)
		assert.Equal(t, "f4", a.Dtype)
		assert.Equal(t, []int{2}, a.Shape)
		assert.Equal(t, want, a.Data)
	}

	_, err = sess.Run(context.Background(), binaryColumn(t, npyRows(t, []float64{1, 2}, []float64{3})))
	assert.ErrorContains(t, err, "row 1 has shape")

	require.NoError(t, sess.Close())
	assert.True(t, r.Closed())

	_, err = NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeONNX, path, spec.Options{"input_name": "z"}))
	assert.ErrorContains(t, err, `no input "z"`)
}

func TestRowCountMismatch(t *testing.T) {
	r := &modeltest.Runner{
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Fn: func(in onnx.Tensor) (map[string]onnx.Tensor, error) {
			return map[string]onnx.Tensor{"y": in.Slice(0, 1)}, nil
		},
	}
	path := artifact(t, t.TempDir(), "m.onnx", []byte("onnx"))
	sess, err := NewLoader(testEnv(r)).Load(context.Background(), hubSpec(t, constants.ModelTypeONNX, path, nil))
	require.NoError(t, err)
	_, err = sess.Run(context.Background(), binaryColumn(t, npyRows(t, []float64{1}, []float64{2}, []float64{3})))
	assert.ErrorContains(t, err, "model returned 1 predictions for 3 rows")
}

func TestRegisterCustomHandler(t *testing.T) {
	l := NewLoader(testEnv(nil))
	_, ok := l.Handler("echo")
	assert.False(t, ok)

	l.Register("echo", Handler{
		Load: func(context.Context, spec.ModelSpec, *Env) (Predictor, error) { return echo{}, nil },
		Preprocess: func(_ context.Context, _ *Session, col arrow.Array) (any, error) {
			return col.Len(), nil
		},
		Postprocess: func(_ context.Context, _ *Session, preds []any) ([]any, error) { return preds, nil },
		OutputType:  "long",
	})
	h, ok := l.Handler("echo")
	require.True(t, ok)
	assert.Equal(t, "long", h.OutputType)

	sess, err := l.Load(context.Background(), hubSpec(t, "echo", "mem://echo", nil))
	require.NoError(t, err)
	out, err := sess.Run(context.Background(), binaryColumn(t, [][]byte{nil, nil}))
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1}, out)
}

type echo struct{}

func (echo) Predict(_ context.Context, batch any) ([]any, error) {
	out := make([]any, batch.(int))
	for i := range out {
		out[i] = i
	}
	return out, nil
}

func (echo) Close() error { return nil }
