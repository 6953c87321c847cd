package model

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/spf13/cast"
)

// BuildArray converts post-processed values into an Arrow array of type dt.
// nil values become nulls. Struct values are map[string]any keyed by field
// name, or a slice assigned positionally.
func BuildArray(mem memory.Allocator, dt arrow.DataType, values []any) (arrow.Array, error) {
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	b.Reserve(len(values))
	for i, v := range values {
		if err := appendValue(b, v); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return b.NewArray(), nil
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.BooleanBuilder:
		x, err := cast.ToBoolE(v)
		if err != nil {
			return castError(v, bb.Type(), err)
		}
		bb.Append(x)
	case *array.Int8Builder:
		x, err := cast.ToInt8E(v)
		if err != nil {
			return castError(v, bb.Type(), err)
		}
		bb.Append(x)
	case *array.Int16Builder:
		x, err := cast.ToInt16E(v)
		if err != nil {
			return castError(v, bb.Type(), err)
		}
		bb.Append(x)
	case *array.Int32Builder:
		x, err := cast.ToInt32E(v)
		if err != nil {
			return castError(v, bb.Type(), err)
		}
		bb.Append(x)
	case *array.Int64Builder:
		x, err := cast.ToInt64E(v)
		if err != nil {
			return castError(v, bb.Type(), err)
		}
		bb.Append(x)
	case *array.Float32Builder:
		x, err := cast.ToFloat32E(v)
		if err != nil {
			return castError(v, bb.Type(), err)
		}
		bb.Append(x)
	case *array.Float64Builder:
		x, err := cast.ToFloat64E(v)
		if err != nil {
			return castError(v, bb.Type(), err)
		}
		bb.Append(x)
	case *array.StringBuilder:
		x, err := cast.ToStringE(v)
		if err != nil {
			return castError(v, bb.Type(), err)
		}
		bb.Append(x)
	case *array.BinaryBuilder:
		switch x := v.(type) {
		case []byte:
			bb.Append(x)
		case string:
			bb.AppendString(x)
		default:
			return fmt.Errorf("cannot store %T as binary", v)
		}
	case *array.ListBuilder:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return fmt.Errorf("cannot store %T as %s", v, bb.Type())
		}
		bb.Append(true)
		for i := 0; i < rv.Len(); i++ {
			if err := appendValue(bb.ValueBuilder(), rv.Index(i).Interface()); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	case *array.StructBuilder:
		return appendStruct(bb, v)
	case *array.MapBuilder:
		m, err := cast.ToStringMapE(v)
		if err != nil {
			return fmt.Errorf("cannot store %T as %s", v, bb.Type())
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		bb.Append(true)
		for _, k := range keys {
			if err := appendValue(bb.KeyBuilder(), k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			if err := appendValue(bb.ItemBuilder(), m[k]); err != nil {
				return fmt.Errorf("value %q: %w", k, err)
			}
		}
	default:
		return fmt.Errorf("unsupported output type %s", b.Type())
	}
	return nil
}

// castError names the value's type instead of printing it; payloads can be
// large.
func castError(v any, dt arrow.DataType, err error) error {
	switch x := v.(type) {
	case []byte:
		return fmt.Errorf("cannot store %d byte payload as %s", len(x), dt)
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Errorf("cannot store %T as %s: %w", v, dt, err)
	}
	return fmt.Errorf("cannot store %T as %s", v, dt)
}

func appendStruct(sb *array.StructBuilder, v any) error {
	st := sb.Type().(*arrow.StructType)
	if m, ok := v.(map[string]any); ok {
		sb.Append(true)
		for i, f := range st.Fields() {
			if err := appendValue(sb.FieldBuilder(i), m[f.Name]); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("cannot store %T as %s", v, st)
	}
	if rv.Len() != st.NumFields() {
		return fmt.Errorf("struct %s needs %d values, got %d", st, st.NumFields(), rv.Len())
	}
	sb.Append(true)
	for i := 0; i < rv.Len(); i++ {
		if err := appendValue(sb.FieldBuilder(i), rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("field %s: %w", st.Field(i).Name, err)
		}
	}
	return nil
}
