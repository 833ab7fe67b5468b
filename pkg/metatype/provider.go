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

package metatype

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

const localizationExt = ".yaml"

// Provider serves the object class definition of one descriptor in the
// available locales
type Provider struct {
	desc Descriptor
	log  logr.Logger

	mu     sync.Mutex
	tables map[string]map[string]string
}

// NewProvider creates a provider for desc
func NewProvider(desc Descriptor, log logr.Logger) (*Provider, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &Provider{
		desc:   desc,
		log:    log,
		tables: make(map[string]map[string]string),
	}, nil
}

// Descriptor returns the described settings
func (p *Provider) Descriptor() Descriptor {
	return p.desc
}

// Locales returns the locales with a localization file, sorted. The default
// texts are not a locale.
func (p *Provider) Locales() []string {
	if p.desc.Localization == "" {
		return nil
	}

	base := filepath.Base(p.desc.Localization)
	matches, err := filepath.Glob(p.desc.Localization + "_*" + localizationExt)
	if err != nil {
		return nil
	}

	locales := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), localizationExt)
		locales = append(locales, strings.TrimPrefix(name, base+"_"))
	}
	sort.Strings(locales)
	return locales
}

// ObjectClassDefinition returns the definition of id localized for locale.
// An empty locale selects the default texts. A locale such as fr_CA falls
// back to fr, then to the default texts.
func (p *Provider) ObjectClassDefinition(id, locale string) (*ObjectClassDefinition, error) {
	if id != p.desc.PID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}

	tables, err := p.chain(locale)
	if err != nil {
		return nil, err
	}
	tr := func(s string) string {
		if !strings.HasPrefix(s, "%") {
			return s
		}
		key := s[1:]
		for _, t := range tables {
			if v, ok := t[key]; ok {
				return v
			}
		}
		return key
	}

	ocd := &ObjectClassDefinition{
		ID:          p.desc.PID,
		Name:        tr(p.desc.Heading),
		Description: tr(p.desc.Description),
	}
	for _, prop := range p.desc.Properties {
		typ := prop.Type
		if typ == "" {
			typ = TypeString
		}
		attr := AttributeDefinition{
			ID:          prop.ID,
			Name:        tr(prop.Heading),
			Description: tr(prop.Description),
			Type:        typ,
			Cardinality: prop.Cardinality,
			Required:    prop.Required,
			Defaults:    append([]string(nil), prop.Defaults...),
		}
		for _, o := range prop.Options {
			attr.Options = append(attr.Options, Option{Label: tr(o.Label), Value: o.Value})
		}
		ocd.Attributes = append(ocd.Attributes, attr)
	}
	return ocd, nil
}

// chain returns the translation tables for locale, most specific first
func (p *Provider) chain(locale string) ([]map[string]string, error) {
	if p.desc.Localization == "" {
		return nil, nil
	}

	var names []string
	parts := strings.Split(locale, "_")
	for i := len(parts); i > 0 && locale != ""; i-- {
		names = append(names, strings.Join(parts[:i], "_"))
	}
	names = append(names, "")

	var out []map[string]string
	for _, name := range names {
		t, err := p.table(name)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// table loads and caches the localization file for locale
func (p *Provider) table(locale string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.tables[locale]; ok {
		return t, nil
	}

	path := p.desc.Localization + localizationExt
	if locale != "" {
		path = p.desc.Localization + "_" + locale + localizationExt
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		p.tables[locale] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read localization %s: %w", path, err)
	}

	t := make(map[string]string)
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse localization %s: %w", path, err)
	}
	p.log.V(1).Info("Loaded localization", "pid", p.desc.PID, "locale", locale, "entries", len(t))
	p.tables[locale] = t
	return t, nil
}

// LoadDescriptor reads a descriptor from a YAML file. A relative
// localization path is resolved against the file's directory.
func LoadDescriptor(path string) (Descriptor, error) {
	var d Descriptor
	data, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("failed to read descriptor %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("failed to parse descriptor %s: %w", path, err)
	}
	if d.Localization != "" && !filepath.IsAbs(d.Localization) {
		d.Localization = filepath.Join(filepath.Dir(path), d.Localization)
	}
	return d, d.Validate()
}
