// Package npy reads and writes the NumPy .npy array format used for binary
// feature vectors and predictions.
package npy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const magic = "\x93NUMPY"

// Array is a decoded array. Values are widened to float64 whatever the
// stored dtype; Dtype keeps the stored kind and size without byte order.
type Array struct {
	Dtype string
	Shape []int
	Data  []float64
}

// Len is the element count implied by the shape.
func (a Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Codec encodes and decodes arrays. A Codec is not safe for concurrent use;
// each transform owns its own.
type Codec struct {
	descr *regexp.Regexp
	order *regexp.Regexp
	shape *regexp.Regexp
	buf   bytes.Buffer
}

func NewCodec() *Codec {
	return &Codec{
		descr: regexp.MustCompile(`'descr':\s*'([^']*)'`),
		order: regexp.MustCompile(`'fortran_order':\s*(False|True)`),
		shape: regexp.MustCompile(`'shape':\s*\(([^\(]*)\)`),
	}
}

// Decode parses one .npy payload.
func (c *Codec) Decode(b []byte) (Array, error) {
	if len(b) < 10 {
		return Array{}, fmt.Errorf("npy payload truncated: %d bytes", len(b))
	}
	if string(b[:6]) != magic {
		return Array{}, fmt.Errorf("not npy format data (wrong magic number)")
	}

	major, minor := b[6], b[7]
	if minor != 0 {
		return Array{}, fmt.Errorf("invalid npy minor version %d", minor)
	}
	var headerLen, offset int
	switch major {
	case 1:
		headerLen, offset = int(binary.LittleEndian.Uint16(b[8:10])), 10
	case 2, 3:
		if len(b) < 12 {
			return Array{}, fmt.Errorf("npy payload truncated: %d bytes", len(b))
		}
		headerLen, offset = int(binary.LittleEndian.Uint32(b[8:12])), 12
	default:
		return Array{}, fmt.Errorf("invalid npy version %d", major)
	}
	if offset+headerLen > len(b) {
		return Array{}, fmt.Errorf("npy header length %d exceeds payload", headerLen)
	}
	header := b[offset : offset+headerLen]
	body := b[offset+headerLen:]

	ma := c.descr.FindSubmatch(header)
	if ma == nil {
		return Array{}, fmt.Errorf("dtype description not found in header")
	}
	descr := string(ma[1])
	ma = c.order.FindSubmatch(header)
	if ma == nil {
		return Array{}, fmt.Errorf("fortran_order not found in header")
	}
	columnMajor := string(ma[1]) == "True"
	shape, err := c.parseShape(header)
	if err != nil {
		return Array{}, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	dtype := descr
	if len(descr) > 0 && strings.ContainsRune("<>|=", rune(descr[0])) {
		if descr[0] == '>' {
			order = binary.BigEndian
		}
		dtype = descr[1:]
	}

	a := Array{Dtype: dtype, Shape: shape}
	data, err := readValues(dtype, order, body, a.Len())
	if err != nil {
		return Array{}, err
	}
	if columnMajor && len(shape) > 1 {
		data = toRowMajor(data, shape)
	}
	a.Data = data
	return a, nil
}

func (c *Codec) parseShape(header []byte) ([]int, error) {
	ma := c.shape.FindSubmatch(header)
	if ma == nil {
		return nil, fmt.Errorf("shape not found in header")
	}
	shape := make([]int, 0)
	for _, s := range strings.Split(string(ma[1]), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		x, err := strconv.Atoi(s)
		if err != nil || x < 0 {
			return nil, fmt.Errorf("invalid shape dimension %q", s)
		}
		shape = append(shape, x)
	}
	return shape, nil
}

func readValues(dtype string, order binary.ByteOrder, body []byte, n int) ([]float64, error) {
	size, err := dtypeSize(dtype)
	if err != nil {
		return nil, err
	}
	if len(body) < n*size {
		return nil, fmt.Errorf("npy data truncated: want %d bytes, have %d", n*size, len(body))
	}
	out := make([]float64, n)
	for i := range out {
		p := body[i*size : (i+1)*size]
		switch dtype {
		case "f4":
			out[i] = float64(math.Float32frombits(order.Uint32(p)))
		case "f8":
			out[i] = math.Float64frombits(order.Uint64(p))
		case "i1":
			out[i] = float64(int8(p[0]))
		case "u1", "b1":
			out[i] = float64(p[0])
		case "i2":
			out[i] = float64(int16(order.Uint16(p)))
		case "u2":
			out[i] = float64(order.Uint16(p))
		case "i4":
			out[i] = float64(int32(order.Uint32(p)))
		case "u4":
			out[i] = float64(order.Uint32(p))
		case "i8":
			out[i] = float64(int64(order.Uint64(p)))
		case "u8":
			out[i] = float64(order.Uint64(p))
		}
	}
	return out, nil
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "i1", "u1", "b1":
		return 1, nil
	case "i2", "u2":
		return 2, nil
	case "f4", "i4", "u4":
		return 4, nil
	case "f8", "i8", "u8":
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported npy dtype %q", dtype)
}

// toRowMajor reorders column-major data into row-major order.
func toRowMajor(data []float64, shape []int) []float64 {
	out := make([]float64, len(data))
	idx := make([]int, len(shape))
	for i := range out {
		// i is the row-major position of idx; find its column-major offset.
		off, stride := 0, 1
		for d := 0; d < len(shape); d++ {
			off += idx[d] * stride
			stride *= shape[d]
		}
		out[i] = data[off]
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// Encode writes a in version 1.0 format, little endian and row-major. An
// empty Dtype encodes as f8.
func (c *Codec) Encode(a Array) ([]byte, error) {
	dtype := a.Dtype
	if dtype == "" {
		dtype = "f8"
	}
	size, err := dtypeSize(dtype)
	if err != nil {
		return nil, err
	}
	if a.Len() != len(a.Data) {
		return nil, fmt.Errorf("shape %v holds %d values, have %d", a.Shape, a.Len(), len(a.Data))
	}

	descr := "<" + dtype
	if size == 1 {
		descr = "|" + dtype
	}
	c.writeHeader(descr, a.Shape, size*len(a.Data))
	p := make([]byte, 8)
	for _, v := range a.Data {
		switch dtype {
		case "f4":
			binary.LittleEndian.PutUint32(p, math.Float32bits(float32(v)))
		case "f8":
			binary.LittleEndian.PutUint64(p, math.Float64bits(v))
		case "i1", "u1":
			p[0] = byte(int64(v))
		case "b1":
			p[0] = 0
			if v != 0 {
				p[0] = 1
			}
		case "i2", "u2":
			binary.LittleEndian.PutUint16(p, uint16(int64(v)))
		case "i4", "u4":
			binary.LittleEndian.PutUint32(p, uint32(int64(v)))
		case "i8", "u8":
			binary.LittleEndian.PutUint64(p, uint64(int64(v)))
		}
		c.buf.Write(p[:size])
	}
	return bytes.Clone(c.buf.Bytes()), nil
}

// EncodeString writes s as a zero-dimensional byte string array.
func (c *Codec) EncodeString(s string) []byte {
	n := len(s)
	if n == 0 {
		n = 1
	}
	c.writeHeader("|S"+strconv.Itoa(n), nil, n)
	c.buf.WriteString(s)
	if len(s) == 0 {
		c.buf.WriteByte(0)
	}
	return bytes.Clone(c.buf.Bytes())
}

// writeHeader resets the scratch buffer and writes magic, version and a
// header padded so the data starts on a 64 byte boundary.
func (c *Codec) writeHeader(descr string, shape []int, dataLen int) {
	var dims string
	switch len(shape) {
	case 0:
		dims = "()"
	case 1:
		dims = fmt.Sprintf("(%d,)", shape[0])
	default:
		parts := make([]string, len(shape))
		for i, d := range shape {
			parts[i] = strconv.Itoa(d)
		}
		dims = "(" + strings.Join(parts, ", ") + ")"
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, dims)
	pad := 64 - (10+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	c.buf.Reset()
	c.buf.Grow(10 + len(header) + dataLen)
	c.buf.WriteString(magic)
	c.buf.WriteByte(1)
	c.buf.WriteByte(0)
	var hl [2]byte
	binary.LittleEndian.PutUint16(hl[:], uint16(len(header)))
	c.buf.Write(hl[:])
	c.buf.WriteString(header)
}
