// Package dtconfig provides environment and in-memory configuration
// plumbing for the runtime: resource accounting, the child-process
// environment-variable contract, and a small dot-path addressable
// config tree for anything more deeply nested (such as the vertex->host
// map handed to a distributed-mode executor).
//
// It deliberately does not parse CLI flags or load configuration files:
// that remains out of scope (spec.md §1).
package dtconfig

/*
   Adapted from brunotm/streams config.go (Bruno Moura, Apache 2.0).
*/

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Config is a dot-path addressable configuration tree, safe for
// concurrent reads but not for concurrent writes.
//
// Valid paths:
//
//	a
//	a.nested.key
//	a.nested.key.array.2        the 3rd element of an array (read only)
//
// Set walks and creates maps only: it does not index into or append to
// arrays, and a path segment such as "#" or "2" is stored as a map key.
type Config struct {
	data interface{}
}

// New creates a Config from an existing map[string]interface{}, or an
// empty Config if nil is given.
func New(data map[string]interface{}) (c Config) {
	if data == nil {
		data = make(map[string]interface{})
	}
	c.data = data
	return c
}

// IsSet reports whether path is set.
func (c Config) IsSet(path ...string) (ok bool) {
	if len(path) == 1 {
		path = strings.Split(path[0], ".")
	}
	return search(c.data, path) != nil
}

// Get retrieves the config item at path.
func (c Config) Get(path ...string) (config Config) {
	if len(path) == 1 {
		path = strings.Split(path[0], ".")
	}
	return Config{search(c.data, path)}
}

// String returns the string value, or def if unset or not convertible.
func (c Config) String(def string) (value string) {
	if c.data == nil {
		return def
	}
	v, err := cast.ToStringE(c.data)
	if err != nil {
		return def
	}
	return v
}

// Bool returns the bool value, or def if unset or not convertible.
func (c Config) Bool(def bool) (value bool) {
	if c.data == nil {
		return def
	}
	v, err := cast.ToBoolE(c.data)
	if err != nil {
		return def
	}
	return v
}

// Duration returns the time.Duration value, or def if unset or not convertible.
func (c Config) Duration(def time.Duration) (value time.Duration) {
	if c.data == nil {
		return def
	}
	v, err := cast.ToDurationE(c.data)
	if err != nil {
		return def
	}
	return v
}

// Int returns the int value, or def if unset or not convertible.
func (c Config) Int(def int) (value int) {
	if c.data == nil {
		return def
	}
	v, err := cast.ToIntE(c.data)
	if err != nil {
		return def
	}
	return v
}

// Int64 returns the int64 value, or def if unset or not convertible.
func (c Config) Int64(def int64) (value int64) {
	if c.data == nil {
		return def
	}
	v, err := cast.ToInt64E(c.data)
	if err != nil {
		return def
	}
	return v
}

// Uint64 returns the uint64 value, or def if unset or not convertible.
func (c Config) Uint64(def uint64) (value uint64) {
	if c.data == nil {
		return def
	}
	v, err := cast.ToUint64E(c.data)
	if err != nil {
		return def
	}
	return v
}

// Map returns the config as a map, or nil if the item isn't a map.
func (c Config) Map() (value map[string]Config) {
	m, ok := c.data.(map[string]interface{})
	if !ok {
		return nil
	}
	value = make(map[string]Config, len(m))
	for k, v := range m {
		value[k] = Config{v}
	}
	return value
}

// Set sets the value at path, creating intermediate maps as needed.
func (c Config) Set(value interface{}, path ...string) {
	if len(path) == 1 {
		path = strings.Split(path[0], ".")
	}
	set(c.data, value, path)
}

func search(source interface{}, path []string) (data interface{}) {
	data = source
	var ok bool

	for _, key := range path {
		switch tmp := data.(type) {
		case map[string]interface{}:
			if data, ok = tmp[key]; !ok {
				return nil
			}
		case []interface{}:
			idx, err := strconv.ParseInt(key, 10, 64)
			if err != nil || int(idx) >= len(tmp) {
				return nil
			}
			data = tmp[idx]
		default:
			return nil
		}
	}

	return data
}

func set(source, value interface{}, path []string) {
	m, ok := source.(map[string]interface{})
	if !ok || m == nil {
		return
	}

	for i := 0; i < len(path); i++ {
		currentKey := path[i]

		if i < len(path)-1 {
			next, ok := m[currentKey].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				m[currentKey] = next
			}
			m = next
			continue
		}

		m[currentKey] = value
	}
}
