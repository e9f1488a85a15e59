// Package config implements the relay's layered configuration loader: a base
// YAML document, an optional environment-named overlay, and finally
// environment-variable overrides using an EnvPrefix/PathDelimiter
// convention. This mirrors the teacher's tiered loader with the per-tenant
// directory tier removed, since the relay has no tenant concept.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// MaxFileBytes bounds any single config file read, guarding against a
	// misconfigured mount pointing at something enormous.
	MaxFileBytes = 1 << 20

	// EnvPrefix is the prefix every environment-variable override must carry.
	EnvPrefix = "RELAY_"

	// PathDelimiter separates nested keys in the env-var convention
	// (RELAY_GATEWAY__MAX_CONN -> gateway.max_conn); the dot-paths passed to
	// String/Int/Bool use ".".
	PathDelimiter = "__"
)

// Document is a loaded, merged configuration tree.
type Document struct {
	values map[string]any
}

// Options controls Load.
type Options struct {
	// BaseFile is the path to the base YAML config file.
	BaseFile string
	// Env, if non-empty, causes BaseFile's directory to also be searched for
	// "<env>.yaml", merged on top of the base document.
	Env string
	// Environ is the process environment to scan for overrides; defaults to
	// os.Environ() when nil.
	Environ []string
}

// Load reads and merges the layered configuration per Options.
func Load(opt Options) (*Document, error) {
	merged := map[string]any{}

	if opt.BaseFile != "" {
		base, err := readYAMLFile(opt.BaseFile)
		if err != nil {
			return nil, fmt.Errorf("config: load base: %w", err)
		}
		merge(merged, base)
	}

	if opt.Env != "" && opt.BaseFile != "" {
		dir := filepath.Dir(opt.BaseFile)
		envFile := filepath.Join(dir, opt.Env+".yaml")
		if _, err := os.Stat(envFile); err == nil {
			overlay, err := readYAMLFile(envFile)
			if err != nil {
				return nil, fmt.Errorf("config: load env overlay %s: %w", opt.Env, err)
			}
			merge(merged, overlay)
		}
	}

	environ := opt.Environ
	if environ == nil {
		environ = os.Environ()
	}
	applyEnvOverrides(merged, environ)

	return &Document{values: merged}, nil
}

func readYAMLFile(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileBytes {
		return nil, fmt.Errorf("config file %s exceeds max size %d bytes", path, MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// merge deep-merges src into dst, src taking precedence.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				merge(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// applyEnvOverrides scans environ for RELAY_-prefixed keys and writes them
// into the merged tree, splitting on PathDelimiter to address nested keys.
func applyEnvOverrides(dst map[string]any, environ []string) {
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		path := strings.Split(strings.TrimPrefix(key, EnvPrefix), PathDelimiter)
		setPath(dst, path, val)
	}
}

func setPath(dst map[string]any, path []string, val string) {
	cur := dst
	for i, seg := range path {
		key := strings.ToLower(seg)
		if i == len(path)-1 {
			cur[key] = val
			return
		}
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
}

// lookup resolves a dot-delimited path like "gateway.max_conn".
func (d *Document) lookup(path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = d.values
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string value at path, or def if absent.
func (d *Document) String(path, def string) string {
	v, ok := d.lookup(path)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Int returns the integer value at path, or def if absent or unparseable.
func (d *Document) Int(path string, def int) int {
	v, ok := d.lookup(path)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case int:
		return x
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// Bool returns the boolean value at path, or def if absent or unparseable.
func (d *Document) Bool(path string, def bool) bool {
	v, ok := d.lookup(path)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}
