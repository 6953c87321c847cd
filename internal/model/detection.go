package model

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/model/onnx"
	"github.com/kennethnrk/sqlml/internal/model/vision"
	"github.com/kennethnrk/sqlml/internal/spec"
)

// imageBatch is a packed image tensor plus the source sizes needed to map
// predictions back onto the original images.
type imageBatch struct {
	Tensor onnx.Tensor
	Sizes  []image.Point
	Input  image.Point
}

type imageDefaults struct {
	size      int
	layout    string
	normalize bool
}

var (
	ssdDefaults        = imageDefaults{size: 300, layout: vision.LayoutNHWC}
	fasterRCNNDefaults = imageDefaults{size: 800, layout: vision.LayoutNCHW}
	resnetDefaults     = imageDefaults{size: 224, layout: vision.LayoutNCHW, normalize: true}
)

// imageParams reads image_size ("224" or "640x480") and layout.
func imageParams(opts spec.Options, def imageDefaults) (vision.Params, error) {
	p := vision.Params{Width: def.size, Height: def.size, Layout: def.layout}
	if def.normalize {
		p.Mean, p.Std = vision.ImageNet.Mean, vision.ImageNet.Std
	}
	if raw := opts.String(constants.OptionImageSize, ""); raw != "" {
		w, h, isPair := strings.Cut(strings.ToLower(raw), "x")
		width, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil || width <= 0 {
			return p, fmt.Errorf("invalid %s %q", constants.OptionImageSize, raw)
		}
		height := width
		if isPair {
			if height, err = strconv.Atoi(strings.TrimSpace(h)); err != nil || height <= 0 {
				return p, fmt.Errorf("invalid %s %q", constants.OptionImageSize, raw)
			}
		}
		p.Width, p.Height = width, height
	}
	switch layout := strings.ToLower(opts.String(constants.OptionLayout, def.layout)); layout {
	case vision.LayoutNCHW, vision.LayoutNHWC:
		p.Layout = layout
	default:
		return p, fmt.Errorf("invalid %s %q: want nchw or nhwc", constants.OptionLayout, layout)
	}
	return p, nil
}

func imagePreprocess(def imageDefaults) func(ctx context.Context, sess *Session, col arrow.Array) (any, error) {
	return func(ctx context.Context, sess *Session, col arrow.Array) (any, error) {
		params, err := imageParams(sess.Options, def)
		if err != nil {
			return nil, err
		}
		srcs, err := vision.Sources(col)
		if err != nil {
			return nil, err
		}
		imgs, err := vision.Decode(ctx, srcs, sess.Read)
		if err != nil {
			return nil, err
		}
		t, err := vision.Pack(imgs, params)
		if err != nil {
			return nil, err
		}
		return imageBatch{Tensor: t, Sizes: vision.Sizes(imgs), Input: image.Point{X: params.Width, Y: params.Height}}, nil
	}
}

// Detection is one detected object, boxed in source image pixels.
type Detection struct {
	Box     [4]float32 // xmin, ymin, xmax, ymax
	Score   float32
	LabelID int32
}

type detector struct {
	*graph
	boxes, scores, classes, count string
	yxyx                          bool
	normalized                    bool
}

// DetectionHandler serves object detection graphs (SSD, Faster R-CNN).
func DetectionHandler(t constants.ModelType) Handler {
	def := ssdDefaults
	if t == constants.ModelTypeFasterRCNN {
		def = fasterRCNNDefaults
	}
	return Handler{
		Load: func(ctx context.Context, s spec.ModelSpec, env *Env) (Predictor, error) {
			return loadDetector(ctx, s, env, t, def)
		},
		Preprocess:  imagePreprocess(def),
		Postprocess: detectionRows,
		OutputType:  "array<struct<box:box2d,score:float,label_id:int,label:string>>",
	}
}

func loadDetector(ctx context.Context, s spec.ModelSpec, env *Env, t constants.ModelType, def imageDefaults) (Predictor, error) {
	opts := s.Options()
	if _, err := imageParams(opts, def); err != nil {
		return nil, err
	}
	if _, err := opts.Float(constants.OptionMinScore, 0); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", constants.OptionMinScore, err)
	}
	// TF exported SSD graphs emit normalised [ymin, xmin, ymax, xmax];
	// torchvision Faster R-CNN emits pixel [xmin, ymin, xmax, ymax].
	defOrder, defNormalized := "yxyx", true
	if t == constants.ModelTypeFasterRCNN {
		defOrder, defNormalized = "xyxy", false
	}
	order := strings.ToLower(opts.String(constants.OptionBoxOrder, defOrder))
	if order != "xyxy" && order != "yxyx" {
		return nil, fmt.Errorf("invalid %s %q: want xyxy or yxyx", constants.OptionBoxOrder, order)
	}
	normalized, err := opts.Bool(constants.OptionNormalizedBoxes, defNormalized)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", constants.OptionNormalizedBoxes, err)
	}

	g, err := openGraph(ctx, s, env)
	if err != nil {
		return nil, err
	}
	d := &detector{graph: g, yxyx: order == "yxyx", normalized: normalized}
	names := g.runner.OutputNames()
	if d.boxes, err = pickOutput(names, opts.String(constants.OptionBoxesOutput, ""), []string{"box"}, 0); err == nil {
		if d.scores, err = pickOutput(names, opts.String(constants.OptionScoresOutput, ""), []string{"score"}, 1); err == nil {
			d.classes, err = pickOutput(names, opts.String(constants.OptionClassesOutput, ""), []string{"class", "label"}, 2)
		}
	}
	if err != nil {
		g.Close()
		return nil, err
	}
	d.count, _ = pickOutput(names, "", []string{"num_detections", "num"}, -1)
	return d, nil
}

func (d *detector) Predict(ctx context.Context, batch any) ([]any, error) {
	b, ok := batch.(imageBatch)
	if !ok {
		return nil, fmt.Errorf("detection model expects an image batch, got %T", batch)
	}
	preds := make([]any, 0, b.Tensor.Len())
	err := d.run(ctx, b.Tensor, func(offset int, out map[string]onnx.Tensor) error {
		boxes, scores, classes := out[d.boxes], out[d.scores], out[d.classes]
		rows := min(d.batchSize, b.Tensor.Len()-offset)
		batched := len(boxes.Shape) == 3
		if !batched && (len(boxes.Shape) != 2 || rows != 1) {
			return fmt.Errorf("output %q has shape %v; graphs without a batch dimension need %s=1", d.boxes, boxes.Shape, constants.OptionBatchSize)
		}
		k := int(boxes.Shape[len(boxes.Shape)-2])
		if len(scores.Data) < rows*k || len(classes.Data) < rows*k {
			return fmt.Errorf("outputs %q and %q hold fewer than %d detections", d.scores, d.classes, rows*k)
		}
		if len(boxes.Data) < rows*k*4 {
			return fmt.Errorf("output %q holds fewer than %d boxes", d.boxes, rows*k)
		}

		for j := 0; j < rows; j++ {
			n := k
			if c, ok := out[d.count]; ok && d.count != "" && len(c.Data) > j {
				n = max(0, min(k, int(c.Data[j])))
			}
			src, in := b.Sizes[offset+j], b.Input
			dets := make([]Detection, 0, n)
			for i := 0; i < n; i++ {
				at := j*k + i
				raw := boxes.Data[at*4 : at*4+4]
				x0, y0, x1, y1 := raw[0], raw[1], raw[2], raw[3]
				if d.yxyx {
					x0, y0, x1, y1 = raw[1], raw[0], raw[3], raw[2]
				}
				sx, sy := float32(src.X), float32(src.Y)
				if !d.normalized {
					sx, sy = sx/float32(in.X), sy/float32(in.Y)
				}
				dets = append(dets, Detection{
					Box: [4]float32{
						clamp(x0*sx, float32(src.X)), clamp(y0*sy, float32(src.Y)),
						clamp(x1*sx, float32(src.X)), clamp(y1*sy, float32(src.Y)),
					},
					Score:   scores.Data[at],
					LabelID: int32(math.Round(float64(classes.Data[at]))),
				})
			}
			sort.SliceStable(dets, func(x, y int) bool { return dets[x].Score > dets[y].Score })
			preds = append(preds, dets)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preds, nil
}

func clamp(v, hi float32) float32 {
	return max(0, min(v, hi))
}

// detectionRows applies min_score and the per-image cap and attaches labels.
func detectionRows(_ context.Context, sess *Session, preds []any) ([]any, error) {
	minScore, err := sess.Options.Float(constants.OptionMinScore, 0)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(preds))
	for i, p := range preds {
		dets, ok := p.([]Detection)
		if !ok {
			return nil, fmt.Errorf("row %d: want detections, got %T", i, p)
		}
		row := make([]any, 0, min(len(dets), constants.MaxDetections))
		for _, d := range dets {
			if len(row) == constants.MaxDetections {
				break
			}
			if float64(d.Score) < minScore {
				continue
			}
			row = append(row, map[string]any{
				"box": map[string]any{
					"xmin": d.Box[0], "ymin": d.Box[1],
					"xmax": d.Box[2], "ymax": d.Box[3],
				},
				"score":    d.Score,
				"label_id": d.LabelID,
				"label":    sess.Labels(int(d.LabelID)),
			})
		}
		out[i] = row
	}
	return out, nil
}
