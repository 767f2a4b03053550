package serialization

import (
	"encoding"
	"math"
	"reflect"
	"strconv"

	"github.com/glimte/relay/contracts"
)

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// Caster converts decoded values into declared Go types.
type Caster struct {
	// Strict rejects mapping keys that match no record field
	Strict bool
}

// Cast converts value to target. Values that already satisfy target are
// returned unchanged.
func (c Caster) Cast(value any, target reflect.Type) (reflect.Value, error) {
	return c.cast(value, target, "")
}

// CastTo is the typed form of Caster.Cast
func CastTo[T any](c Caster, value any) (T, error) {
	var zero T
	v, err := c.Cast(value, reflect.TypeOf(&zero).Elem())
	if err != nil {
		return zero, err
	}
	return v.Interface().(T), nil
}

func (c Caster) cast(value any, target reflect.Type, field string) (reflect.Value, error) {
	if value == nil {
		switch target.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(target), nil
		}
		return reflect.Value{}, incompatible(value, target, field)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(target) {
		out := reflect.New(target).Elem()
		out.Set(rv)
		return out, nil
	}

	if rv.Kind() == reflect.String && reflect.PointerTo(target).Implements(textUnmarshalerType) {
		out := reflect.New(target)
		if err := out.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(rv.String())); err != nil {
			return reflect.Value{}, incompatible(value, target, field)
		}
		return out.Elem(), nil
	}

	switch target.Kind() {
	case reflect.Pointer:
		inner, err := c.cast(value, target.Elem(), field)
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(target.Elem())
		p.Elem().Set(inner)
		return p, nil

	case reflect.Bool:
		if rv.Kind() == reflect.Bool {
			return rv.Convert(target), nil
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, ok := toInt64(rv); ok && !reflect.Zero(target).OverflowInt(i) {
			return reflect.ValueOf(i).Convert(target), nil
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if i, ok := toInt64(rv); ok && i >= 0 && !reflect.Zero(target).OverflowUint(uint64(i)) {
			return reflect.ValueOf(uint64(i)).Convert(target), nil
		}

	case reflect.Float32, reflect.Float64:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return reflect.ValueOf(float64(rv.Int())).Convert(target), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return reflect.ValueOf(float64(rv.Uint())).Convert(target), nil
		case reflect.Float32, reflect.Float64:
			if target.Kind() == reflect.Float32 && rv.Kind() == reflect.Float64 && !fitsFloat32(rv.Float()) {
				break
			}
			return rv.Convert(target), nil
		}

	case reflect.String:
		if rv.Kind() == reflect.String {
			return rv.Convert(target), nil
		}
		if isBytes(rv.Type()) {
			return reflect.ValueOf(string(rv.Bytes())).Convert(target), nil
		}

	case reflect.Slice:
		if isBytes(target) && rv.Kind() == reflect.String {
			return reflect.ValueOf([]byte(rv.String())).Convert(target), nil
		}
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			out := reflect.MakeSlice(target, rv.Len(), rv.Len())
			for i := 0; i < rv.Len(); i++ {
				item, err := c.cast(rv.Index(i).Interface(), target.Elem(), field)
				if err != nil {
					return reflect.Value{}, err
				}
				out.Index(i).Set(item)
			}
			return out, nil
		}

	case reflect.Array:
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Len() == target.Len() {
			out := reflect.New(target).Elem()
			for i := 0; i < rv.Len(); i++ {
				item, err := c.cast(rv.Index(i).Interface(), target.Elem(), field)
				if err != nil {
					return reflect.Value{}, err
				}
				out.Index(i).Set(item)
			}
			return out, nil
		}

	case reflect.Map:
		if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String && target.Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(target, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				item, err := c.cast(iter.Value().Interface(), target.Elem(), iter.Key().String())
				if err != nil {
					return reflect.Value{}, err
				}
				out.SetMapIndex(reflect.ValueOf(iter.Key().String()).Convert(target.Key()), item)
			}
			return out, nil
		}

	case reflect.Struct:
		if m, ok := asMapping(rv); ok {
			return c.record(m, target)
		}
	}

	return reflect.Value{}, incompatible(value, target, field)
}

// toInt64 accepts integers and floats without a fractional part. Booleans and
// strings are never numbers.
func toInt64(rv reflect.Value) (int64, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return 0, false
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

// fitsFloat32 reports whether f survives narrowing to float32: it is in range
// and keeps its shortest decimal form, so 0.1 fits and 0.123456789 does not.
func fitsFloat32(f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return true
	}
	narrowed := float32(f)
	if math.IsInf(float64(narrowed), 0) {
		return false
	}
	return strconv.FormatFloat(f, 'g', -1, 64) == strconv.FormatFloat(float64(narrowed), 'g', -1, 32)
}

func isBytes(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}

func asMapping(rv reflect.Value) (map[string]any, bool) {
	if m, ok := rv.Interface().(map[string]any); ok {
		return m, true
	}
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func incompatible(value any, target reflect.Type, field string) error {
	return &contracts.CastError{
		Reason: contracts.ReasonIncompatible,
		Field:  field,
		Target: target.String(),
		Value:  value,
	}
}
