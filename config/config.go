// Package config provides the attribute map plumbing shared by the command
// line front end, the engine metadata, and the run configuration.
package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// AttributeMap is a convenience wrapper for pulling out typed information from a map.
type AttributeMap map[string]interface{}

// Has returns whether the given name is in the map.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// Bool attempts to return a boolean present in the map with the given name;
// returns the given default otherwise.
func (am AttributeMap) Bool(name string, def bool) bool {
	x, has := am[name]
	if !has {
		return def
	}
	if v, ok := x.(bool); ok {
		return v
	}
	panic(fmt.Errorf("wanted a bool for (%s) but got (%v) %T", name, x, x))
}

// Float64 attempts to return a float64 present in the map with the given name;
// returns the given default otherwise.
func (am AttributeMap) Float64(name string, def float64) float64 {
	x, has := am[name]
	if !has {
		return def
	}
	switch v := x.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		panic(fmt.Errorf("wanted a float64 for (%s) but got (%v) %T", name, x, x))
	}
}

// Int attempts to return an integer present in the map with the given name;
// returns the given default otherwise.
func (am AttributeMap) Int(name string, def int) int {
	x, has := am[name]
	if !has {
		return def
	}
	switch v := x.(type) {
	case int:
		return v
	case float64:
		// JSON numbers decode as float64
		return int(v)
	default:
		panic(fmt.Errorf("wanted an int for (%s) but got (%v) %T", name, x, x))
	}
}

// String attempts to return a string present in the map with the given name;
// returns an empty string otherwise.
func (am AttributeMap) String(name string) string {
	x, has := am[name]
	if !has {
		return ""
	}
	if v, ok := x.(string); ok {
		return v
	}
	panic(fmt.Errorf("wanted a string for (%s) but got (%v) %T", name, x, x))
}

// StringSlice attempts to return a slice of strings present in the map with
// the given name; returns nil otherwise.
func (am AttributeMap) StringSlice(name string) []string {
	x, has := am[name]
	if !has {
		return nil
	}
	switch v := x.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				panic(fmt.Errorf("values in (%s) need to be strings but got (%v) %T", name, e, e))
			}
			out = append(out, s)
		}
		return out
	default:
		panic(fmt.Errorf("wanted a string slice for (%s) but got (%v) %T", name, x, x))
	}
}

// TransformAttributeMapToStruct uses the structure of to to convert the given
// attribute map into a struct, keyed by json tags.
func TransformAttributeMapToStruct(to interface{}, attributes AttributeMap) (interface{}, error) {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   to,
		Metadata: &md,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return nil, err
	}
	return to, nil
}
