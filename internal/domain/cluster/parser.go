package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a parsed command output.
type Document = map[string]any

// ErrEmptyDocument is returned when the output parsed but holds nothing.
var ErrEmptyDocument = errors.New("empty document")

// Parser turns raw command output into a document.
type Parser func(raw string) (Document, error)

// Parsers returns the built-in parsers by name.
func Parsers() map[string]Parser {
	return map[string]Parser{
		"json": ParseJSON,
		"yaml": ParseYAML,
	}
}

func ParseJSON(raw string) (Document, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyDocument
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	if len(doc) == 0 {
		return nil, ErrEmptyDocument
	}
	return doc, nil
}

func ParseYAML(raw string) (Document, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyDocument
	}
	var doc Document
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if len(doc) == 0 {
		return nil, ErrEmptyDocument
	}
	return doc, nil
}

// Items returns the objects of a List document, or the document itself
// when it is a single object.
func Items(doc Document) []map[string]any {
	raw, ok := doc["items"]
	if !ok {
		if _, isObj := doc["metadata"]; isObj {
			return []map[string]any{doc}
		}
		return nil
	}
	list, _ := raw.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, it := range list {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Lookup walks nested maps and returns the leaf as a string.
func Lookup(m map[string]any, path ...string) string {
	var cur any = m
	for _, p := range path {
		mm, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = mm[p]
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, x := range m {
		out[k] = fmt.Sprint(x)
	}
	return out
}
