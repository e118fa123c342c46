// Package render expands the templated fields of an operator against the
// execution context.
package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/template"
)

// ErrTemplate is wrapped by every parse or execution failure.
var ErrTemplate = errors.New("template error")

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"fromJSON": func(s string) (any, error) {
		var v any
		err := json.Unmarshal([]byte(s), &v)
		return v, err
	},
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			return v
		}
		return nil
	},
	"join":      func(sep string, items []string) string { return strings.Join(items, sep) },
	"split":     func(sep, s string) []string { return strings.Split(s, sep) },
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
	"hasPrefix": strings.HasPrefix,
}

// String renders one template. Text without actions is returned unchanged.
func String(name, text string, data any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrTemplate, name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: render %s: %v", ErrTemplate, name, err)
	}
	return buf.String(), nil
}

// Fields renders every template in fields, in name order. The first failure
// aborts rendering.
func Fields(fields map[string]string, data any) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		v, err := String(name, fields[name], data)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// Serializable converts rendered fields for the SetRenderedFields message.
func Serializable(rendered map[string]string) map[string]any {
	out := make(map[string]any, len(rendered))
	for k, v := range rendered {
		out[k] = v
	}
	return out
}
