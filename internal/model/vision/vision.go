// Package vision turns image columns into model input tensors.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/kennethnrk/sqlml/internal/model/onnx"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Source is one image cell: inline bytes, an external URI, or both.
// Inline bytes win when both are set.
type Source struct {
	Data []byte
	URI  string
}

// ReadFunc fetches the bytes behind an image URI.
type ReadFunc func(ctx context.Context, uri string) ([]byte, error)

// Sources reads an image column. Supported layouts are binary (encoded
// image), string (image URI) and struct<data: binary, uri: string>.
func Sources(col arrow.Array) ([]Source, error) {
	out := make([]Source, col.Len())
	switch c := col.(type) {
	case *array.Binary:
		for i := range out {
			if c.IsNull(i) {
				return nil, fmt.Errorf("image row %d is null", i)
			}
			out[i].Data = c.Value(i)
		}
	case *array.LargeBinary:
		for i := range out {
			if c.IsNull(i) {
				return nil, fmt.Errorf("image row %d is null", i)
			}
			out[i].Data = c.Value(i)
		}
	case *array.String:
		for i := range out {
			if c.IsNull(i) {
				return nil, fmt.Errorf("image row %d is null", i)
			}
			out[i].URI = c.Value(i)
		}
	case *array.Struct:
		st := c.DataType().(*arrow.StructType)
		dataIdx, hasData := st.FieldIdx("data")
		uriIdx, hasURI := st.FieldIdx("uri")
		if !hasData && !hasURI {
			return nil, fmt.Errorf("image struct needs a data or uri field, got %s", st)
		}
		for i := range out {
			if c.IsNull(i) {
				return nil, fmt.Errorf("image row %d is null", i)
			}
			if hasData {
				if data, ok := c.Field(dataIdx).(*array.Binary); ok && !data.IsNull(i) {
					out[i].Data = data.Value(i)
				}
			}
			if hasURI {
				if uri, ok := c.Field(uriIdx).(*array.String); ok && !uri.IsNull(i) {
					out[i].URI = uri.Value(i)
				}
			}
			if len(out[i].Data) == 0 && out[i].URI == "" {
				return nil, fmt.Errorf("image row %d has neither data nor uri", i)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported image column type %s", col.DataType())
	}
	return out, nil
}

// Decode loads every source, fetching URIs through read.
func Decode(ctx context.Context, srcs []Source, read ReadFunc) ([]image.Image, error) {
	imgs := make([]image.Image, len(srcs))
	for i, src := range srcs {
		data := src.Data
		if len(data) == 0 {
			b, err := read(ctx, src.URI)
			if err != nil {
				return nil, fmt.Errorf("image row %d: read %s: %w", i, src.URI, err)
			}
			data = b
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("image row %d: decode: %w", i, err)
		}
		imgs[i] = img
	}
	return imgs, nil
}

// Resize scales img to w x h with bilinear interpolation.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Layouts for packed tensors.
const (
	LayoutNCHW = "nchw"
	LayoutNHWC = "nhwc"
)

// Params controls tensor packing. Pixels are scaled to [0, 1] and then
// normalised per channel as (v - Mean) / Std.
type Params struct {
	Width  int
	Height int
	Layout string
	Mean   [3]float32
	Std    [3]float32
}

// ImageNet is the normalisation used by torchvision classifiers.
var ImageNet = struct{ Mean, Std [3]float32 }{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// Pack resizes imgs and stacks them into one float32 tensor.
func Pack(imgs []image.Image, p Params) (onnx.Tensor, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return onnx.Tensor{}, fmt.Errorf("invalid image size %dx%d", p.Width, p.Height)
	}
	std := p.Std
	for c := range std {
		if std[c] == 0 {
			std[c] = 1
		}
	}

	n, w, h := len(imgs), p.Width, p.Height
	plane := w * h
	data := make([]float32, n*3*plane)
	for i, img := range imgs {
		rgba := Resize(img, w, h)
		base := i * 3 * plane
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				o := rgba.PixOffset(x, y)
				px := y*w + x
				for c := 0; c < 3; c++ {
					v := (float32(rgba.Pix[o+c])/255 - p.Mean[c]) / std[c]
					switch p.Layout {
					case LayoutNHWC:
						data[base+px*3+c] = v
					default:
						data[base+c*plane+px] = v
					}
				}
			}
		}
	}

	shape := []int64{int64(n), 3, int64(h), int64(w)}
	if p.Layout == LayoutNHWC {
		shape = []int64{int64(n), int64(h), int64(w), 3}
	}
	return onnx.Tensor{Shape: shape, Data: data}, nil
}

// Sizes reports the original width and height of each image.
func Sizes(imgs []image.Image) []image.Point {
	out := make([]image.Point, len(imgs))
	for i, img := range imgs {
		b := img.Bounds()
		out[i] = image.Point{X: b.Dx(), Y: b.Dy()}
	}
	return out
}
