/*
Copyright 2024 The Depmgr Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metatype describes the settings accepted by a configuration
// consumer, with optional localization of the human-readable texts.
package metatype

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ahoma/depmgr/pkg/apis"
)

// ErrUnknownID means an object class definition was requested for another PID
var ErrUnknownID = errors.New("unknown object class definition")

// AttributeType is the value type of a setting
type AttributeType string

// Supported attribute types
const (
	TypeString   AttributeType = "string"
	TypeInteger  AttributeType = "integer"
	TypeBoolean  AttributeType = "boolean"
	TypeFloat    AttributeType = "float"
	TypePassword AttributeType = "password"
)

// Option is one allowed value of a setting
type Option struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// PropertyMetaData describes one setting. Heading and Description starting
// with "%" are localization keys.
type PropertyMetaData struct {
	ID          string        `yaml:"id" json:"id"`
	Heading     string        `yaml:"heading" json:"heading"`
	Description string        `yaml:"description" json:"description"`
	Type        AttributeType `yaml:"type" json:"type"`
	Defaults    []string      `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	// Cardinality is 0 for a single value, n for at most n values and -1 for unbounded
	Cardinality int      `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Required    bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Options     []Option `yaml:"options,omitempty" json:"options,omitempty"`
}

// Descriptor describes the settings of a PID or factory PID
type Descriptor struct {
	PID         string `yaml:"pid" json:"pid"`
	Heading     string `yaml:"heading" json:"heading"`
	Description string `yaml:"description" json:"description"`

	// Localization is the base path of the localization files: base.yaml
	// holds the default texts and base_<locale>.yaml the localized ones.
	Localization string `yaml:"localization,omitempty" json:"localization,omitempty"`

	Properties []PropertyMetaData `yaml:"properties" json:"properties"`
}

// ObjectClassDefinition is the localized view of a Descriptor
type ObjectClassDefinition struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Attributes  []AttributeDefinition `json:"attributes"`
}

// AttributeDefinition is the localized view of a PropertyMetaData
type AttributeDefinition struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Type        AttributeType `json:"type"`
	Cardinality int           `json:"cardinality"`
	Required    bool          `json:"required"`
	Defaults    []string      `json:"defaults,omitempty"`
	Options     []Option      `json:"options,omitempty"`
}

// Attribute returns the attribute with id
func (o *ObjectClassDefinition) Attribute(id string) (AttributeDefinition, bool) {
	for _, a := range o.Attributes {
		if a.ID == id {
			return a, true
		}
	}
	return AttributeDefinition{}, false
}

// Validate checks the descriptor itself
func (d Descriptor) Validate() error {
	if d.PID == "" {
		return fmt.Errorf("metatype: pid is required")
	}
	seen := make(map[string]bool, len(d.Properties))
	for _, p := range d.Properties {
		if p.ID == "" {
			return fmt.Errorf("metatype %s: property without id", d.PID)
		}
		if seen[p.ID] {
			return fmt.Errorf("metatype %s: duplicate property %q", d.PID, p.ID)
		}
		seen[p.ID] = true
		switch p.Type {
		case "", TypeString, TypeInteger, TypeBoolean, TypeFloat, TypePassword:
		default:
			return fmt.Errorf("metatype %s: property %q has unknown type %q", d.PID, p.ID, p.Type)
		}
	}
	return nil
}

// Check verifies settings against the descriptor. A violation is returned as
// a configuration rejection naming the offending property.
func (d Descriptor) Check(settings apis.Properties) error {
	for _, p := range d.Properties {
		v, ok := settings[p.ID]
		if !ok {
			if p.Required && len(p.Defaults) == 0 {
				return &apis.ConfigurationError{PID: d.PID, Property: p.ID, Reason: "required"}
			}
			continue
		}
		for _, s := range values(v) {
			if err := p.check(s); err != nil {
				return &apis.ConfigurationError{PID: d.PID, Property: p.ID, Reason: err.Error()}
			}
		}
	}
	return nil
}

// WithDefaults returns settings completed with the declared defaults
func (d Descriptor) WithDefaults(settings apis.Properties) apis.Properties {
	out := settings.Clone()
	if out == nil {
		out = apis.Properties{}
	}
	for _, p := range d.Properties {
		if _, ok := out[p.ID]; ok || len(p.Defaults) == 0 {
			continue
		}
		if p.Cardinality == 0 {
			out[p.ID] = p.Defaults[0]
		} else {
			out[p.ID] = append([]string(nil), p.Defaults...)
		}
	}
	return out
}

func (p PropertyMetaData) check(s string) error {
	switch p.Type {
	case TypeInteger:
		if _, err := strconv.Atoi(s); err != nil {
			return fmt.Errorf("%q is not an integer", s)
		}
	case TypeBoolean:
		if _, err := strconv.ParseBool(s); err != nil {
			return fmt.Errorf("%q is not a boolean", s)
		}
	case TypeFloat:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("%q is not a number", s)
		}
	}

	if len(p.Options) == 0 {
		return nil
	}
	for _, o := range p.Options {
		if o.Value == s {
			return nil
		}
	}
	return fmt.Errorf("%q is not one of the allowed values", s)
}

func values(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{strings.TrimSpace(fmt.Sprint(v))}
	}
}
