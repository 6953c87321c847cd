package spec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ghodss/yaml"
	"github.com/kennethnrk/sqlml/internal/errs"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v2"
)

type (
	jsonObject = map[string]interface{}
	jsonArray  = []interface{}
)

const schemaURL = "model-spec.json"

//go:embed spec_schema.json
var schemaBytes []byte

var (
	compileOnce sync.Once
	validator   *jsonschema.Schema
	schemaTree  jsonObject
)

func compiledSchema() (*jsonschema.Schema, jsonObject) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaBytes)); err != nil {
			panic("invalid schema: " + schemaURL)
		}
		v, err := compiler.Compile(schemaURL)
		if err != nil {
			panic("uncompilable schema: " + schemaURL)
		}
		if err := json.Unmarshal(schemaBytes, &schemaTree); err != nil {
			panic("unparsable schema: " + schemaURL)
		}
		validator = v
	})
	return validator, schemaTree
}

// jsonFromYAML converts YAML (or JSON) bytes into JSON for schema validation.
func jsonFromYAML(byts []byte) ([]byte, interface{}, error) {
	var blob interface{}
	if err := yaml.Unmarshal(byts, &blob); err != nil {
		return nil, nil, errors.Wrap(err, "not valid yaml")
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return nil, nil, errors.Wrap(err, "yaml is not convertible to json")
	}
	return out, blob, nil
}

// Validate checks a raw YAML or JSON spec document. Failures are
// *errs.SpecError values naming the offending field.
func Validate(doc []byte) error {
	_, err := validateDocument(doc)
	return err
}

// validateDocument validates doc and returns its JSON form.
func validateDocument(doc []byte) ([]byte, error) {
	byts, blob, err := jsonFromYAML(doc)
	if err != nil {
		return nil, &errs.SpecError{Msg: "parse spec document", Err: err}
	}
	if blob == nil {
		return nil, &errs.SpecError{Msg: "spec document is empty"}
	}
	obj, ok := blob.(jsonObject)
	if !ok {
		return nil, &errs.SpecError{Msg: fmt.Sprintf("spec document must be a mapping, got %s", jsonKind(blob))}
	}
	if len(obj) == 0 {
		return nil, &errs.SpecError{Field: "version", Msg: "spec document is empty: 'version' is a required property"}
	}

	v, tree := compiledSchema()
	if err := checkRequired(tree, obj, ""); err != nil {
		return nil, err
	}

	if err := v.Validate(bytes.NewReader(byts)); err != nil {
		rendered := renderErrors(err, obj)
		if len(rendered) == 0 {
			return nil, &errs.SpecError{Err: err}
		}
		return nil, &errs.SpecError{
			Field: strings.TrimPrefix(rendered[0].path, "."),
			Msg:   joinRendered(rendered),
		}
	}
	return byts, nil
}

// checkRequired walks the schema's required lists in schema order, so a
// missing top-level field is reported before a missing nested one.
func checkRequired(schema jsonObject, instance jsonObject, prefix string) error {
	for _, r := range asArray(schema["required"]) {
		name, _ := r.(string)
		if _, ok := instance[name]; !ok {
			return &errs.SpecError{
				Field: prefix + name,
				Msg:   fmt.Sprintf("'%s' is a required property", name),
			}
		}
	}
	props, _ := schema["properties"].(jsonObject)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub, _ := props[name].(jsonObject)
		child, ok := instance[name].(jsonObject)
		if sub == nil || !ok {
			continue
		}
		if err := checkRequired(sub, child, prefix+name+"."); err != nil {
			return err
		}
	}
	return nil
}

type renderedError struct {
	path string
	msg  string
}

// renderErrors flattens a jsonschema error tree into its leaves with
// instance pointers rendered as ".key[0].key".
func renderErrors(err error, instance interface{}) []renderedError {
	vErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil
	}
	out := leafErrors(vErr, instance)
	sort.Slice(out, func(i, j int) bool {
		if out[i].path != out[j].path {
			return out[i].path < out[j].path
		}
		return out[i].msg < out[j].msg
	})
	return out
}

func leafErrors(vErr *jsonschema.ValidationError, instance interface{}) []renderedError {
	var out []renderedError
	for _, cause := range vErr.Causes {
		out = append(out, leafErrors(cause, instance)...)
	}
	if len(out) > 0 {
		return out
	}
	return []renderedError{{
		path: renderJSONPointer(vErr.InstancePtr, instance),
		msg:  vErr.Message,
	}}
}

func joinRendered(errs []renderedError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("<spec>%s: %s", e.path, e.msg))
	}
	return strings.Join(parts, "; ")
}

// renderJSONPointer renders "#/key/0/key" as ".key[0].key". The raw pointer is
// returned when it does not match the instance.
func renderJSONPointer(ptr string, instance interface{}) string {
	out := ""
	split := strings.Split(ptr, "/")
	if len(split) < 2 {
		return out
	}
	for _, s := range split[1:] {
		switch t := instance.(type) {
		case jsonArray:
			i, err := strconv.Atoi(s)
			if err != nil || i >= len(t) {
				return ptr
			}
			instance = t[i]
			out += fmt.Sprintf("[%d]", i)
		case jsonObject:
			var ok bool
			instance, ok = t[s]
			if !ok {
				return ptr
			}
			out += "." + s
		default:
			return ptr
		}
	}
	return out
}

func asArray(v interface{}) jsonArray {
	a, _ := v.(jsonArray)
	return a
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case jsonArray:
		return "a list"
	case string:
		return "a string"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	}
	return fmt.Sprintf("%T", v)
}
