package xcom

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// ErrNothingToMap is returned when a task with mapped dependants produced no value.
var ErrNothingToMap = errors.New("did not push XCom for task mapping")

// UnmappableTypeError is returned when a value for a mapped dependant is not
// a sized, ordered collection.
type UnmappableTypeError struct {
	Value any
}

func (e *UnmappableTypeError) Error() string {
	return fmt.Sprintf("unmappable return type %T", e.Value)
}

// OutputTypeError is returned when multiple outputs are requested but the
// value is not a string-keyed mapping.
type OutputTypeError struct {
	Value  any
	Reason string
}

func (e *OutputTypeError) Error() string {
	return fmt.Sprintf("multiple outputs: %s (got %T)", e.Reason, e.Value)
}

// IsNil reports whether v carries no value, including typed nils.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// MappedLength returns how many mapped instances v expands into. Slices,
// arrays, and maps are mappable; strings are not.
func MappedLength(v any) (int, error) {
	if IsNil(v) {
		return 0, ErrNothingToMap
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return 0, &UnmappableTypeError{Value: v}
}

// Item returns the element a mapped instance at index expands over. Maps
// expand over their entries ordered by key, each as a [key, value] pair.
func Item(v any, index int) (any, error) {
	n, err := MappedLength(v)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("map index %d out of range [0, %d)", index, n)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return rv.Index(index).Interface(), nil
	}
	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	k := keys[index]
	return []any{k.Interface(), rv.MapIndex(k).Interface()}, nil
}

// StringKeyed converts v to a map[string]any for multiple-outputs pushes.
func StringKeyed(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map {
		return nil, &OutputTypeError{Value: v, Reason: "returned output must be a mapping"}
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key()
		if k.Kind() == reflect.Interface {
			k = k.Elem()
		}
		if k.Kind() != reflect.String {
			return nil, &OutputTypeError{
				Value:  v,
				Reason: fmt.Sprintf("keys must be strings, found %v (%T)", iter.Key().Interface(), iter.Key().Interface()),
			}
		}
		out[k.String()] = iter.Value().Interface()
	}
	return out, nil
}
