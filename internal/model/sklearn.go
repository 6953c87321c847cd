package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/kennethnrk/sqlml/internal/model/npy"
	"github.com/kennethnrk/sqlml/internal/spec"
	"github.com/spf13/cast"
)

// Matrix is a dense row-major batch of feature vectors.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

func (m Matrix) Row(i int) []float64 { return m.Data[i*m.Cols : (i+1)*m.Cols] }

// linearArtifact is the exported form of a scikit-learn linear estimator:
// coef_, intercept_ and, for classifiers, classes_.
type linearArtifact struct {
	Estimator string          `json:"estimator"`
	Coef      json.RawMessage `json:"coef"`
	Intercept json.RawMessage `json:"intercept"`
	Classes   []any           `json:"classes"`
}

type linearModel struct {
	coef      [][]float64
	intercept []float64
	classes   []any
}

// SklearnHandler serves linear estimators over npy-encoded feature rows.
func SklearnHandler() Handler {
	return Handler{
		Load:        loadLinear,
		Preprocess:  stackFeatures,
		Postprocess: encodePredictions,
		OutputType:  "binary",
		FixedOutput: true,
	}
}

func loadLinear(ctx context.Context, s spec.ModelSpec, env *Env) (Predictor, error) {
	path, err := env.LocalArtifact(ctx, s)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseLinear(raw)
}

func parseLinear(raw []byte) (*linearModel, error) {
	var a linearArtifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode estimator: %w", err)
	}
	if len(a.Coef) == 0 {
		return nil, fmt.Errorf("estimator has no coef")
	}

	m := &linearModel{classes: a.Classes}
	var rows [][]float64
	if err := json.Unmarshal(a.Coef, &rows); err != nil {
		var row []float64
		if err := json.Unmarshal(a.Coef, &row); err != nil {
			return nil, fmt.Errorf("coef must be a vector or a matrix: %w", err)
		}
		rows = [][]float64{row}
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("estimator has empty coef")
	}
	for i, r := range rows {
		if len(r) != len(rows[0]) {
			return nil, fmt.Errorf("coef row %d has %d features, want %d", i, len(r), len(rows[0]))
		}
	}
	m.coef = rows

	m.intercept = make([]float64, len(rows))
	if len(a.Intercept) > 0 {
		var vec []float64
		if err := json.Unmarshal(a.Intercept, &vec); err == nil {
			switch len(vec) {
			case len(rows):
				m.intercept = vec
			case 1:
				for i := range m.intercept {
					m.intercept[i] = vec[0]
				}
			default:
				return nil, fmt.Errorf("intercept has %d values for %d outputs", len(vec), len(rows))
			}
		} else {
			var scalar float64
			if err := json.Unmarshal(a.Intercept, &scalar); err != nil {
				return nil, fmt.Errorf("intercept must be a number or a vector: %w", err)
			}
			for i := range m.intercept {
				m.intercept[i] = scalar
			}
		}
	}

	if len(m.classes) > 0 {
		binary := len(rows) == 1 && len(m.classes) == 2
		if !binary && len(m.classes) != len(rows) {
			return nil, fmt.Errorf("%d classes for %d coef rows", len(m.classes), len(rows))
		}
	}
	return m, nil
}

func (m *linearModel) Predict(_ context.Context, batch any) ([]any, error) {
	x, ok := batch.(Matrix)
	if !ok {
		return nil, fmt.Errorf("linear model expects a feature matrix, got %T", batch)
	}
	if x.Rows > 0 && x.Cols != len(m.coef[0]) {
		return nil, fmt.Errorf("model expects %d features, got %d", len(m.coef[0]), x.Cols)
	}

	out := make([]any, x.Rows)
	for i := 0; i < x.Rows; i++ {
		row := x.Row(i)
		scores := make([]float64, len(m.coef))
		for j, w := range m.coef {
			s := m.intercept[j]
			for k, v := range row {
				s += w[k] * v
			}
			scores[j] = s
		}

		switch {
		case len(m.classes) == 2 && len(scores) == 1:
			if scores[0] > 0 {
				out[i] = m.classes[1]
			} else {
				out[i] = m.classes[0]
			}
		case len(m.classes) > 0:
			best := 0
			for j := range scores {
				if scores[j] > scores[best] {
					best = j
				}
			}
			out[i] = m.classes[best]
		case len(scores) == 1:
			out[i] = scores[0]
		default:
			out[i] = scores
		}
	}
	return out, nil
}

func (m *linearModel) Close() error { return nil }

// stackFeatures decodes one npy vector per row into an N x F matrix.
func stackFeatures(_ context.Context, sess *Session, col arrow.Array) (any, error) {
	rows, err := decodeRows(sess.Codec, col)
	if err != nil {
		return nil, err
	}
	m := Matrix{Rows: len(rows)}
	for i, a := range rows {
		if len(a.Shape) > 2 || (len(a.Shape) == 2 && a.Shape[0] != 1) {
			return nil, fmt.Errorf("row %d: want a feature vector, got shape %v", i, a.Shape)
		}
		if i == 0 {
			m.Cols = len(a.Data)
			m.Data = make([]float64, 0, len(rows)*m.Cols)
		} else if len(a.Data) != m.Cols {
			return nil, fmt.Errorf("row %d has %d features, row 0 has %d", i, len(a.Data), m.Cols)
		}
		m.Data = append(m.Data, a.Data...)
	}
	return m, nil
}

// decodeRows npy-decodes every cell of a binary column.
func decodeRows(codec *npy.Codec, col arrow.Array) ([]npy.Array, error) {
	var value func(i int) []byte
	switch c := col.(type) {
	case *array.Binary:
		value = c.Value
	case *array.LargeBinary:
		value = c.Value
	default:
		return nil, fmt.Errorf("expected a binary column of npy arrays, got %s", col.DataType())
	}
	out := make([]npy.Array, col.Len())
	for i := range out {
		if col.IsNull(i) {
			return nil, fmt.Errorf("row %d is null", i)
		}
		a, err := codec.Decode(value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = a
	}
	return out, nil
}

// encodePredictions npy-encodes each prediction. Numbers become 0-d float64
// arrays, vectors 1-d arrays and string class labels byte strings.
func encodePredictions(_ context.Context, sess *Session, preds []any) ([]any, error) {
	out := make([]any, len(preds))
	for i, p := range preds {
		var (
			b   []byte
			err error
		)
		switch v := p.(type) {
		case nil:
			out[i] = nil
			continue
		case string:
			b = sess.Codec.EncodeString(v)
		case npy.Array:
			b, err = sess.Codec.Encode(v)
		case []float64:
			b, err = sess.Codec.Encode(npy.Array{Shape: []int{len(v)}, Data: v})
		default:
			var f float64
			f, err = cast.ToFloat64E(v)
			if err == nil {
				b, err = sess.Codec.Encode(npy.Array{Data: []float64{f}})
			}
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
