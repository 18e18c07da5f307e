package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// PropertyType represents the type of a configuration property
type PropertyType string

const (
	TypeString PropertyType = "string"
	TypeInt    PropertyType = "int"
	TypeBool   PropertyType = "bool"
	TypeArray  PropertyType = "array"
)

// SectionPlugin defines the schema and behavior for a specific section type
type SectionPlugin[T any] struct {
	TypeName string
	Validate func(T) error
	// Defaults seeds every parsed section; absent properties keep these values.
	Defaults func() T
}

// Section represents a single configuration section
type Section[T any] struct {
	Type       string
	ID         string
	Properties T
}

// ConfigData holds all sections and their ordering
type ConfigData[T any] struct {
	FilePath string
	Sections map[string]*Section[T]
	Order    []string
}

// Get returns the properties of the section with the given id.
func (c *ConfigData[T]) Get(id string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	s, ok := c.Sections[id]
	if !ok {
		return zero, false
	}
	return s.Properties, true
}

type SectionConfig[T any] struct {
	plugin *SectionPlugin[T]
}

func NewSectionConfig[T any](plugin *SectionPlugin[T]) *SectionConfig[T] {
	return &SectionConfig[T]{plugin: plugin}
}

// Parse reads a section config file. Sections are separated by blank lines,
// lines starting with '#' are comments.
func (sc *SectionConfig[T]) Parse(filename string) (*ConfigData[T], error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return sc.parse(filename, file)
}

func (sc *SectionConfig[T]) parse(filename string, r io.Reader) (*ConfigData[T], error) {
	config := &ConfigData[T]{
		Sections: make(map[string]*Section[T]),
		Order:    make([]string, 0),
		FilePath: filename,
	}

	var current *Section[T]
	var props map[string]string

	flush := func() error {
		if current == nil {
			return nil
		}
		if current.Type != sc.plugin.TypeName {
			return fmt.Errorf("unexpected section type %q, want %q", current.Type, sc.plugin.TypeName)
		}
		p, err := sc.unmarshal(props)
		if err != nil {
			return fmt.Errorf("error unmarshaling properties of %s: %w", current.ID, err)
		}
		current.Properties = p
		if err := sc.validateSection(current); err != nil {
			return fmt.Errorf("validation error in section %s: %w", current.ID, err)
		}
		if _, dup := config.Sections[current.ID]; dup {
			return fmt.Errorf("duplicate section %s", current.ID)
		}
		config.Sections[current.ID] = current
		config.Order = append(config.Order, current.ID)
		current, props = nil, nil
		return nil
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "#") {
			continue
		}
		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}

		if current == nil {
			sectionType, sectionID, err := parseSectionHeader(line)
			if err != nil {
				return nil, fmt.Errorf("error parsing section header at line %d: %w", lineNum, err)
			}
			current = &Section[T]{Type: sectionType, ID: sectionID}
			props = make(map[string]string)
			continue
		}

		key, value, err := parseSectionLine(line)
		if err != nil {
			return nil, fmt.Errorf("error parsing line %d: %w", lineNum, err)
		}
		props[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading line %d: %w", lineNum, err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return config, nil
}

// unmarshalValue converts a string to the appropriate type based on the field's type
func unmarshalValue(str string, fieldType reflect.Type, tag ConfigTag) (reflect.Value, error) {
	switch tag.Type {
	case TypeString:
		return reflect.ValueOf(str).Convert(fieldType), nil
	case TypeInt:
		if str == "" && !tag.Required {
			return reflect.Zero(fieldType), nil
		}
		val, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("invalid integer: %w", err)
		}
		return reflect.ValueOf(val).Convert(fieldType), nil
	case TypeBool:
		if str == "" && !tag.Required {
			return reflect.Zero(fieldType), nil
		}
		val, err := strconv.ParseBool(str)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("invalid boolean: %w", err)
		}
		return reflect.ValueOf(val), nil
	case TypeArray:
		slice := reflect.MakeSlice(fieldType, 0, 0)
		if str == "" {
			return slice, nil
		}
		for _, item := range strings.Split(str, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			slice = reflect.Append(slice, reflect.ValueOf(item).Convert(fieldType.Elem()))
		}
		return slice, nil
	default:
		return reflect.Value{}, fmt.Errorf("unsupported type: %s", tag.Type)
	}
}

func (sc *SectionConfig[T]) unmarshal(data map[string]string) (T, error) {
	var result T
	typ := reflect.TypeOf(result)
	if typ.Kind() != reflect.Struct {
		return result, fmt.Errorf("result must be a struct")
	}
	resultVal := reflect.New(typ).Elem()
	if sc.plugin.Defaults != nil {
		resultVal.Set(reflect.ValueOf(sc.plugin.Defaults()))
	}

	err := eachTaggedField(typ, func(i int, field reflect.StructField, tag ConfigTag) error {
		str, ok := data[tag.key(field)]
		if !ok {
			if tag.Required {
				return fmt.Errorf("required field %s is missing", field.Name)
			}
			return nil
		}

		val, err := unmarshalValue(str, field.Type, tag)
		if err != nil {
			return fmt.Errorf("error unmarshaling field %s: %w", field.Name, err)
		}
		resultVal.Field(i).Set(val)
		return nil
	})
	if err != nil {
		return result, err
	}

	return resultVal.Interface().(T), nil
}

func (sc *SectionConfig[T]) validateSection(section *Section[T]) error {
	val := reflect.ValueOf(section.Properties)
	typ := val.Type()

	if typ.Kind() != reflect.Struct {
		return fmt.Errorf("properties must be a struct")
	}

	err := eachTaggedField(typ, func(i int, field reflect.StructField, tag ConfigTag) error {
		if err := validateFieldWithTags(val.Field(i), tag); err != nil {
			return fmt.Errorf("validation failed for field %s: %w", field.Name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if sc.plugin.Validate != nil {
		if err := sc.plugin.Validate(section.Properties); err != nil {
			return fmt.Errorf("custom validation failed: %w", err)
		}
	}

	return nil
}

func parseSectionHeader(line string) (string, string, error) {
	sectionType, sectionID, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid section header format")
	}

	sectionType = strings.TrimSpace(sectionType)
	sectionID = strings.TrimSpace(sectionID)
	if sectionType == "" || sectionID == "" {
		return "", "", fmt.Errorf("empty section type or ID")
	}

	return sectionType, sectionID, nil
}

// parseSectionLine splits on the first run of whitespace; the rest of the
// line is the value.
func parseSectionLine(line string) (string, string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", fmt.Errorf("empty line")
	}

	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, "", nil
	}
	return line[:idx], strings.TrimSpace(line[idx:]), nil
}
