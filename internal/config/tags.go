package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// ConfigTag represents the parsed configuration tags from struct fields
type ConfigTag struct {
	Type      PropertyType
	Required  bool
	MinLength *int
	MaxLength *int
	Key       string // property name; defaults to the lowercased field name
	Env       string // environment variable overriding the property
}

func (t ConfigTag) key(field reflect.StructField) string {
	if t.Key != "" {
		return t.Key
	}
	return strings.ToLower(field.Name)
}

// parseConfigTags parses struct field tags to extract configuration metadata
func parseConfigTags(tag string) (ConfigTag, error) {
	result := ConfigTag{}

	if tag == "" {
		return result, nil
	}

	for _, t := range strings.Split(tag, ",") {
		key, value, hasValue := strings.Cut(t, "=")

		switch key {
		case "type":
			if !hasValue {
				return result, fmt.Errorf("type tag requires a value")
			}
			result.Type = PropertyType(value)
		case "required":
			result.Required = true
		case "min", "max":
			if !hasValue {
				return result, fmt.Errorf("%s tag requires a value", key)
			}
			val, err := strconv.Atoi(value)
			if err != nil {
				return result, fmt.Errorf("invalid %s value: %w", key, err)
			}
			if key == "min" {
				result.MinLength = &val
			} else {
				result.MaxLength = &val
			}
		case "key":
			result.Key = value
		case "env":
			result.Env = value
		default:
			return result, fmt.Errorf("unknown tag %q", key)
		}
	}

	if result.Type == "" {
		return result, fmt.Errorf("missing type tag")
	}

	return result, nil
}

// eachTaggedField calls fn for every struct field carrying a config tag.
func eachTaggedField(typ reflect.Type, fn func(int, reflect.StructField, ConfigTag) error) error {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		raw := field.Tag.Get("config")
		if raw == "" || raw == "-" {
			continue
		}
		tag, err := parseConfigTags(raw)
		if err != nil {
			return fmt.Errorf("invalid config tags for field %s: %w", field.Name, err)
		}
		if err := fn(i, field, tag); err != nil {
			return err
		}
	}
	return nil
}

// validateFieldWithTags validates a field value against its configuration tags
func validateFieldWithTags(value reflect.Value, tags ConfigTag) error {
	switch tags.Type {
	case TypeString:
		if value.Kind() != reflect.String {
			return fmt.Errorf("expected string value")
		}
		str := value.String()
		if tags.Required && str == "" {
			return fmt.Errorf("required field is empty")
		}
		if tags.MinLength != nil && len(str) < *tags.MinLength {
			return fmt.Errorf("value length %d is less than minimum %d", len(str), *tags.MinLength)
		}
		if tags.MaxLength != nil && len(str) > *tags.MaxLength {
			return fmt.Errorf("value length %d is greater than maximum %d", len(str), *tags.MaxLength)
		}

	case TypeInt:
		switch value.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		default:
			return fmt.Errorf("expected integer value")
		}
		num := value.Int()
		if tags.Required && num == 0 {
			return fmt.Errorf("required field is zero")
		}
		if tags.MinLength != nil && num < int64(*tags.MinLength) {
			return fmt.Errorf("value %d is less than minimum %d", num, *tags.MinLength)
		}
		if tags.MaxLength != nil && num > int64(*tags.MaxLength) {
			return fmt.Errorf("value %d is greater than maximum %d", num, *tags.MaxLength)
		}

	case TypeBool:
		if value.Kind() != reflect.Bool {
			return fmt.Errorf("expected boolean value")
		}

	case TypeArray:
		if value.Kind() != reflect.Slice {
			return fmt.Errorf("expected array value")
		}
		length := value.Len()
		if tags.Required && length == 0 {
			return fmt.Errorf("required array is empty")
		}
		if tags.MinLength != nil && length < *tags.MinLength {
			return fmt.Errorf("array length %d is less than minimum %d", length, *tags.MinLength)
		}
		if tags.MaxLength != nil && length > *tags.MaxLength {
			return fmt.Errorf("array length %d is greater than maximum %d", length, *tags.MaxLength)
		}
	}

	return nil
}

// ApplyEnv overwrites the env-tagged fields of ptr with the values of their
// environment variables, when set.
func ApplyEnv(ptr any) error {
	val := reflect.ValueOf(ptr)
	if val.Kind() != reflect.Pointer || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("expected pointer to struct, got %T", ptr)
	}
	elem := val.Elem()

	return eachTaggedField(elem.Type(), func(i int, field reflect.StructField, tag ConfigTag) error {
		if tag.Env == "" {
			return nil
		}
		str, ok := os.LookupEnv(tag.Env)
		if !ok {
			return nil
		}
		v, err := unmarshalValue(str, field.Type, tag)
		if err != nil {
			return fmt.Errorf("%s: %w", tag.Env, err)
		}
		elem.Field(i).Set(v)
		return nil
	})
}
