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

package registry

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/ahoma/depmgr/pkg/apis"
)

// Filter selects registrations by contract name, a label selector over the
// service properties and an optional semantic version constraint over
// service.version.
type Filter struct {
	iface      string
	expr       string
	version    string
	selector   labels.Selector
	constraint *semver.Constraints
}

// NewFilter parses a filter. An empty interface matches any contract, an
// empty expression matches any properties and an empty version accepts any
// (or no) version.
//
// Expressions use label selector syntax, e.g. "env=prod,tier in (web,api)".
func NewFilter(iface, expr, version string) (*Filter, error) {
	f := &Filter{
		iface:    iface,
		expr:     strings.TrimSpace(expr),
		version:  strings.TrimSpace(version),
		selector: labels.Everything(),
	}

	if f.expr != "" {
		selector, err := labels.Parse(f.expr)
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression %q: %w", expr, err)
		}
		f.selector = selector
	}

	if f.version != "" {
		constraint, err := semver.NewConstraint(f.version)
		if err != nil {
			return nil, fmt.Errorf("invalid version constraint %q: %w", version, err)
		}
		f.constraint = constraint
	}

	return f, nil
}

// MustFilter is like NewFilter but panics on a malformed filter
func MustFilter(iface, expr, version string) *Filter {
	f, err := NewFilter(iface, expr, version)
	if err != nil {
		panic(err)
	}
	return f
}

// Interface returns the contract name the filter selects
func (f *Filter) Interface() string {
	return f.iface
}

// Matches reports whether the reference satisfies the filter
func (f *Filter) Matches(ref *Reference) bool {
	if ref == nil {
		return false
	}
	return f.MatchesProperties(ref.Interfaces(), ref.Properties())
}

// MatchesProperties reports whether a registration with the given interfaces
// and properties satisfies the filter
func (f *Filter) MatchesProperties(interfaces []string, props apis.Properties) bool {
	if f.iface != "" && !contains(interfaces, f.iface) {
		return false
	}

	if !f.selector.Matches(labels.Set(props.Labels())) {
		return false
	}

	if f.constraint != nil {
		raw := props.String(apis.ServiceVersion)
		if raw == "" {
			return false
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return false
		}
		if !f.constraint.Check(v) {
			return false
		}
	}

	return true
}

// String returns a readable form of the filter
func (f *Filter) String() string {
	var b strings.Builder
	b.WriteString("(")
	if f.iface != "" {
		b.WriteString(f.iface)
	} else {
		b.WriteString("*")
	}
	if f.expr != "" {
		b.WriteString(" ")
		b.WriteString(f.expr)
	}
	if f.version != "" {
		b.WriteString(" version ")
		b.WriteString(f.version)
	}
	b.WriteString(")")
	return b.String()
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
