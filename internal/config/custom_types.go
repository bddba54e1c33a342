package config

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FlexBool is a boolean switch that accepts true/false, "yes"-style strings
// parsed by strconv.ParseBool, or a number (non-zero is true).
type FlexBool bool

// Bool returns the plain value.
func (fb FlexBool) Bool() bool { return bool(fb) }

// UnmarshalYAML implements the yaml.Unmarshaler interface for FlexBool.
func (fb *FlexBool) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!bool":
		var b bool
		if err := value.Decode(&b); err != nil {
			return err
		}
		*fb = FlexBool(b)
	case "!!str":
		b, err := strconv.ParseBool(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: cannot use %q as a switch", value.Line, value.Value)
		}
		*fb = FlexBool(b)
	case "!!int", "!!float":
		f, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*fb = FlexBool(f != 0)
	default:
		return fmt.Errorf("line %d: cannot unmarshal %s into FlexBool", value.Line, value.Tag)
	}
	return nil
}
