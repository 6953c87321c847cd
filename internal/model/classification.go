package model

import (
	"context"
	"fmt"
	"math"

	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/model/onnx"
	"github.com/kennethnrk/sqlml/internal/spec"
)

// Classification is the top class of one image.
type Classification struct {
	LabelID int32
	Score   float32
}

type classifier struct {
	*graph
	logits string
}

// ClassificationHandler serves image classifiers such as ResNet.
func ClassificationHandler() Handler {
	return Handler{
		Load:        loadClassifier,
		Preprocess:  imagePreprocess(resnetDefaults),
		Postprocess: classificationRows,
		OutputType:  "struct<label_id:int,label:string,score:float>",
	}
}

func loadClassifier(ctx context.Context, s spec.ModelSpec, env *Env) (Predictor, error) {
	if _, err := imageParams(s.Options(), resnetDefaults); err != nil {
		return nil, err
	}
	g, err := openGraph(ctx, s, env)
	if err != nil {
		return nil, err
	}
	logits, err := pickOutput(g.runner.OutputNames(), s.Options().String(constants.OptionLogitsOutput, ""), nil, 0)
	if err != nil {
		g.Close()
		return nil, err
	}
	return &classifier{graph: g, logits: logits}, nil
}

func (c *classifier) Predict(ctx context.Context, batch any) ([]any, error) {
	b, ok := batch.(imageBatch)
	if !ok {
		return nil, fmt.Errorf("classification model expects an image batch, got %T", batch)
	}
	preds := make([]any, 0, b.Tensor.Len())
	err := c.run(ctx, b.Tensor, func(offset int, out map[string]onnx.Tensor) error {
		logits, ok := out[c.logits]
		if !ok {
			return fmt.Errorf("missing output %q", c.logits)
		}
		rows := min(c.batchSize, b.Tensor.Len()-offset)
		classes := int(logits.Shape[len(logits.Shape)-1])
		if classes == 0 || len(logits.Data) != rows*classes {
			return fmt.Errorf("output %q has shape %v for %d images", c.logits, logits.Shape, rows)
		}
		for j := 0; j < rows; j++ {
			preds = append(preds, top1(logits.Data[j*classes:(j+1)*classes]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preds, nil
}

// top1 returns the argmax with its softmax probability.
func top1(logits []float32) Classification {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - logits[best]))
	}
	return Classification{LabelID: int32(best), Score: float32(1 / sum)}
}

func classificationRows(_ context.Context, sess *Session, preds []any) ([]any, error) {
	out := make([]any, len(preds))
	for i, p := range preds {
		c, ok := p.(Classification)
		if !ok {
			return nil, fmt.Errorf("row %d: want a classification, got %T", i, p)
		}
		out[i] = map[string]any{
			"label_id": c.LabelID,
			"label":    sess.Labels(int(c.LabelID)),
			"score":    c.Score,
		}
	}
	return out, nil
}
