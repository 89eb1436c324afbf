package app

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// Source resolves RELAY_* keys: the process environment wins, then the optional config
// file, then the caller's default. Unparsable values fall back to the default.
type Source struct {
	file map[string]string
}

// NewSource layers the environment over file, which may be nil.
func NewSource(file map[string]string) Source {
	return Source{file: file}
}

// LoadConfigFile reads a flat YAML map of RELAY_* keys to scalar or list values.
func LoadConfigFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch vv := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(vv))
			for _, p := range vv {
				parts = append(parts, fmt.Sprint(p))
			}
			out[k] = strings.Join(parts, ",")
		case float64:
			out[k] = strconv.FormatFloat(vv, 'f', -1, 64)
		case map[string]any:
			return nil, fmt.Errorf("config file %s: key %s: nested values are not supported", path, k)
		default:
			out[k] = fmt.Sprint(vv)
		}
	}
	return out, nil
}

// MarshalConfigFile renders values in the format LoadConfigFile reads.
func MarshalConfigFile(values map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		line, err := yaml.Marshal(map[string]string{k: values[k]})
		if err != nil {
			return nil, err
		}
		b.Write(line)
	}
	return []byte(b.String()), nil
}

func (s Source) lookup(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s Source) String(key, def string) string {
	v := s.lookup(key)
	if v == "" {
		return def
	}
	return v
}

func (s Source) Bool(key string, def bool) bool {
	v := s.lookup(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int reads a positive int.
func (s Source) Int(key string, def int) int {
	v := s.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Int32 reads a non-negative int32.
func (s Source) Int32(key string, def int32) int32 {
	v := s.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// Duration reads a positive duration.
func (s Source) Duration(key string, def time.Duration) time.Duration {
	v := s.lookup(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// DurationOrOff is Duration that also accepts "0", "off" or "false", all returned as 0.
// YAML 1.1 reads an unquoted off as false, hence the last form.
func (s Source) DurationOrOff(key string, def time.Duration) time.Duration {
	v := s.lookup(key)
	switch strings.ToLower(v) {
	case "":
		return def
	case "0", "off", "false":
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// List reads a comma-separated list.
func (s Source) List(key string, def []string) []string {
	v := s.lookup(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
