package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Load builds a configuration from the defaults, the file at path and the
// STDIORPC_ environment variables, in increasing priority. An empty path
// or a missing file contributes nothing.
func Load(path string) (*Config, error) {
	data, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	data = DeepMerge(data, EnvOverrides(EnvPrefix, os.Environ()))
	return Decode(data)
}

// LoadFile reads a configuration file into a map. The format is chosen by
// extension: .toml, .yaml/.yml, or .json/.jsonc (comments and trailing
// commas allowed). Returns nil, nil if the file doesn't exist.
func LoadFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // File doesn't exist, not an error
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	return Parse(path, data)
}

// Parse parses data in the format implied by name's extension.
func Parse(name string, data []byte) (map[string]any, error) {
	var (
		config map[string]any
		err    error
	)

	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		err = toml.Unmarshal(data, &config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.UseNumber()
		err = dec.Decode(&config)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}

	if err != nil {
		return nil, &ParseError{
			Path:    name,
			Message: err.Error(),
			Err:     err,
		}
	}
	return config, nil
}

// Decode overlays a configuration map onto the defaults.
func Decode(data map[string]any) (*Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// EnvOverrides turns prefixed variables from environ into a configuration
// map. STDIORPC_RESYNC_MAX_RETRIES becomes resync.maxRetries; the first
// segment names the section and the rest form a camelCase key.
func EnvOverrides(prefix string, environ []string) map[string]any {
	config := make(map[string]any)

	for _, env := range environ {
		if !strings.HasPrefix(env, prefix) {
			continue
		}

		name, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}

		path := envToPath(prefix, name)
		if path == "" {
			continue
		}
		setByPath(config, path, parseEnvValue(value))
	}

	return config
}

// envToPath converts STDIORPC_SERVER_COMMAND to server.command.
func envToPath(prefix, env string) string {
	name := strings.TrimPrefix(env, prefix)

	parts := strings.Split(name, "_")
	if len(parts) < 2 || parts[0] == "" {
		return ""
	}

	section := strings.ToLower(parts[0])
	key := strings.ToLower(parts[1])
	for _, part := range parts[2:] {
		if len(part) > 0 {
			key += strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}

	return section + "." + key
}

// parseEnvValue types a raw variable. Values that are not numbers, bools
// or JSON arrays/objects stay strings, so a malformed number reaches
// validation verbatim.
func parseEnvValue(s string) any {
	if s == "" {
		return s
	}

	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	// Try float (only if it contains a decimal point to avoid misinterpreting ints)
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}

	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}

	return s
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data

	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		if next, ok := current[part].(map[string]any); ok {
			current = next
		} else {
			next := make(map[string]any)
			current[part] = next
			current = next
		}
	}

	current[parts[len(parts)-1]] = value
}

// DeepMerge recursively merges src into dst.
// Values in src override values in dst.
// Maps are merged recursively; other types are replaced.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}

	for key, srcVal := range src {
		dstVal, exists := dst[key]
		if !exists {
			dst[key] = srcVal
			continue
		}

		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dstVal.(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = DeepMerge(dstMap, srcMap)
		} else {
			dst[key] = srcVal
		}
	}

	return dst
}
