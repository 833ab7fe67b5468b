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

// Package apis defines the data types shared by the dependency manager packages:
// service properties, reserved property keys and the error taxonomy.
package apis

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Reserved property keys understood by the service registry and the
// configuration admin.
const (
	// ObjectClass lists the interfaces a registration is published under
	ObjectClass = "objectClass"

	// ServiceID is the registry-assigned identifier of a registration
	ServiceID = "service.id"

	// ServiceRanking orders competing registrations; higher wins
	ServiceRanking = "service.ranking"

	// ServiceVersion is a semantic version matched by version constraints
	ServiceVersion = "service.version"

	// ServicePID is the configuration identity of a registration
	ServicePID = "service.pid"

	// FactoryPID is the factory identity of a factory configuration
	FactoryPID = "service.factoryPid"

	// PrivatePrefix marks settings that are never propagated to service properties
	PrivatePrefix = "."
)

// Well-known contracts published by the runtime itself.
const (
	// ManagedServiceInterface is the contract of configuration consumers keyed by a PID
	ManagedServiceInterface = "depmgr.ManagedService"

	// ManagedServiceFactoryInterface is the contract of factory configuration consumers
	ManagedServiceFactoryInterface = "depmgr.ManagedServiceFactory"

	// MetaTypeProviderInterface is the contract of settings descriptions
	MetaTypeProviderInterface = "depmgr.MetaTypeProvider"
)

// Properties is a service property or configuration settings mapping.
type Properties map[string]any

// Clone returns a shallow copy of the properties. A nil receiver yields an empty map.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get returns the value stored under key
func (p Properties) Get(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// String returns the value under key formatted as a string, or "" if absent
func (p Properties) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	return toString(v)
}

// Int returns the integer value under key, or fallback when it is absent or not numeric
func (p Properties) Int(key string, fallback int) int {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return fallback
}

// Public returns the entries whose key does not start with PrivatePrefix
func (p Properties) Public() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		if IsPrivateKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Merge overlays other on top of a copy of p. Keys in other win on collision.
func (p Properties) Merge(other Properties) Properties {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Labels returns a string view of the properties used by label selectors.
// Slice values are joined with commas.
func (p Properties) Labels() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = toString(v)
	}
	return out
}

// Keys returns the sorted property keys
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Interfaces returns the objectClass entry as a string slice
func (p Properties) Interfaces() []string {
	switch v := p[ObjectClass].(type) {
	case []string:
		return append([]string(nil), v...)
	case string:
		return []string{v}
	default:
		return nil
	}
}

// IsPrivateKey reports whether a settings key is excluded from propagation
func IsPrivateKey(key string) bool {
	return strings.HasPrefix(key, PrivatePrefix)
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []string:
		return strings.Join(s, ",")
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
