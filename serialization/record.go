package serialization

import (
	"encoding"
	"reflect"
	"strings"
	"sync"

	"github.com/glimte/relay/contracts"
)

type recordField struct {
	name     string
	index    []int
	typ      reflect.Type
	required bool
}

var recordCache sync.Map // reflect.Type -> []recordField

// recordFields lists the settable fields of a struct using json tag names.
// A field is required unless it is nil-able or tagged omitempty.
func recordFields(t reflect.Type) []recordField {
	if cached, ok := recordCache.Load(t); ok {
		return cached.([]recordField)
	}

	var fields []recordField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct {
			for _, inner := range recordFields(sf.Type) {
				inner.index = append([]int{i}, inner.index...)
				fields = append(fields, inner)
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}

		required := !strings.Contains(opts, "omitempty")
		switch sf.Type.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
			required = false
		}

		fields = append(fields, recordField{
			name:     name,
			index:    []int{i},
			typ:      sf.Type,
			required: required,
		})
	}

	recordCache.Store(t, fields)
	return fields
}

// record builds a struct by keyword-expanding a mapping into its fields
func (c Caster) record(m map[string]any, target reflect.Type) (reflect.Value, error) {
	out := reflect.New(target).Elem()
	used := make(map[string]struct{}, len(m))

	for _, f := range recordFields(target) {
		key, raw, ok := lookupField(m, f.name)
		if !ok {
			if f.required {
				return reflect.Value{}, &contracts.CastError{
					Reason: contracts.ReasonMissingField,
					Field:  f.name,
					Target: target.String(),
				}
			}
			continue
		}
		used[key] = struct{}{}

		v, err := c.cast(raw, f.typ, f.name)
		if err != nil {
			return reflect.Value{}, err
		}
		out.FieldByIndex(f.index).Set(v)
	}

	if c.Strict {
		for k := range m {
			if _, ok := used[k]; !ok {
				return reflect.Value{}, &contracts.CastError{
					Reason: contracts.ReasonUnknownField,
					Field:  k,
					Target: target.String(),
				}
			}
		}
	}
	return out, nil
}

// lookupField prefers an exact key and falls back to a case-insensitive match
func lookupField(m map[string]any, name string) (string, any, bool) {
	if v, ok := m[name]; ok {
		return name, v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return k, v, true
		}
	}
	return "", nil, false
}

// ToMap reverses record construction: the result holds one entry per field,
// keyed by its json name, with nested records converted as well.
func ToMap(record any) map[string]any {
	rv := reflect.ValueOf(record)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	out := make(map[string]any)
	for _, f := range recordFields(rv.Type()) {
		out[f.name] = plain(rv.FieldByIndex(f.index))
	}
	return out
}

func plain(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Struct:
		if v.CanInterface() {
			if _, ok := v.Interface().(encoding.TextMarshaler); ok {
				return v.Interface()
			}
		}
		return ToMap(v.Interface())
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return plain(v.Elem())
	}
	return v.Interface()
}
