package adapters

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// FieldType is the loose type of a client setting.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBool    FieldType = "bool"
	TypeList    FieldType = "list"
	TypeMap     FieldType = "map"
)

const redacted = "********"

// SchemaField declares one client setting.
type SchemaField struct {
	Name        string      `json:"name"`
	Title       string      `json:"title"`
	Type        FieldType   `json:"type"`
	Required    bool        `json:"required,omitempty"`
	Secret      bool        `json:"secret,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Schema is the configuration surface of an adapter's clients.
type Schema struct {
	Fields []SchemaField `json:"fields"`
}

// Field looks up a declared setting.
func (s Schema) Field(name string) (SchemaField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return SchemaField{}, false
}

// ApplyDefaults returns a copy of settings with defaults filled in for
// missing fields.
func (s Schema) ApplyDefaults(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(settings)+len(s.Fields))
	for k, v := range settings {
		out[k] = v
	}
	for _, f := range s.Fields {
		if _, ok := out[f.Name]; !ok && f.Default != nil {
			out[f.Name] = f.Default
		}
	}
	return out
}

// Validate reports every missing required field, unknown setting, type
// mismatch and enum violation.
func (s Schema) Validate(settings map[string]interface{}) error {
	var problems []string

	for _, f := range s.Fields {
		v, ok := settings[f.Name]
		if !ok || v == nil || v == "" {
			if f.Required {
				problems = append(problems, fmt.Sprintf("%s is required", f.Name))
			}
			continue
		}
		if !typeMatches(f.Type, v) {
			problems = append(problems, fmt.Sprintf("%s must be of type %s", f.Name, f.Type))
			continue
		}
		if len(f.Enum) > 0 {
			str := fmt.Sprint(v)
			found := false
			for _, e := range f.Enum {
				if e == str {
					found = true
					break
				}
			}
			if !found {
				problems = append(problems, fmt.Sprintf("%s must be one of %s", f.Name, strings.Join(f.Enum, ", ")))
			}
		}
	}

	var unknown []string
	for k := range settings {
		if _, ok := s.Field(k); !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		problems = append(problems, fmt.Sprintf("%s is not a known setting", k))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid client settings: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Redact returns a copy of settings with secret values masked.
func (s Schema) Redact(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		if f, ok := s.Field(k); ok && f.Secret && v != nil && v != "" {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}

// Decode copies settings into the struct out, matching mapstructure tags
// and converting loosely.
func (s Schema) Decode(settings map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(settings)
}

func typeMatches(t FieldType, v interface{}) bool {
	switch t {
	case TypeString, "":
		switch v.(type) {
		case string, int, int64, float64:
			return true
		}
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return n == math.Trunc(n)
		case string:
			_, err := strconv.Atoi(n)
			return err == nil
		}
	case TypeNumber:
		switch n := v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return true
		case string:
			_, err := strconv.ParseFloat(n, 64)
			return err == nil
		}
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return true
		case string:
			_, err := strconv.ParseBool(b)
			return err == nil
		}
	case TypeList:
		switch v.(type) {
		case []interface{}, []string, string:
			return true
		}
	case TypeMap:
		switch v.(type) {
		case map[string]interface{}, map[string]string, map[interface{}]interface{}:
			return true
		}
	}
	return false
}
