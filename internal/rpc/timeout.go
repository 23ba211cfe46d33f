package rpc

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Timeout configuration keys as they appear in configuration files.
const (
	KeyInitializationTimeout  = "initializationTimeoutMs"
	KeyStandardRequestTimeout = "standardRequestTimeoutMs"
	KeyToolsListTimeout       = "toolsListTimeoutMs"
)

// Bounds applied to every timeout value, in milliseconds.
const (
	MinTimeoutMs = 1000
	MaxTimeoutMs = 300000
)

// TimeoutConfig holds the per-category request timeouts in milliseconds.
type TimeoutConfig struct {
	InitializationTimeoutMs  int `json:"initializationTimeoutMs"`
	StandardRequestTimeoutMs int `json:"standardRequestTimeoutMs"`
	ToolsListTimeoutMs       int `json:"toolsListTimeoutMs"`
}

// DefaultTimeoutConfig returns the default timeouts.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		InitializationTimeoutMs:  60000,
		StandardRequestTimeoutMs: 30000,
		ToolsListTimeoutMs:       60000,
	}
}

// TimeoutOverrides is a partial timeout configuration keyed by the
// Key* constants. Values are untyped because they usually come straight
// out of a config decoder or the environment.
type TimeoutOverrides map[string]any

// Overrides returns the full configuration as a TimeoutOverrides value.
func (c TimeoutConfig) Overrides() TimeoutOverrides {
	return TimeoutOverrides{
		KeyInitializationTimeout:  c.InitializationTimeoutMs,
		KeyStandardRequestTimeout: c.StandardRequestTimeoutMs,
		KeyToolsListTimeout:       c.ToolsListTimeoutMs,
	}
}

// TimeoutValidation is the outcome of ValidateTimeouts.
type TimeoutValidation struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// timeoutField describes one validated key.
type timeoutField struct {
	key       string
	warnBelow float64
	set       func(*TimeoutConfig, int)
}

var timeoutFields = []timeoutField{
	{KeyInitializationTimeout, 10000, func(c *TimeoutConfig, v int) { c.InitializationTimeoutMs = v }},
	{KeyStandardRequestTimeout, 5000, func(c *TimeoutConfig, v int) { c.StandardRequestTimeoutMs = v }},
	{KeyToolsListTimeout, 10000, func(c *TimeoutConfig, v int) { c.ToolsListTimeoutMs = v }},
}

// ValidateTimeouts checks every present field of a partial configuration.
// Each field contributes at most one error; warnings never make the
// configuration invalid.
func ValidateTimeouts(partial TimeoutOverrides) TimeoutValidation {
	var result TimeoutValidation

	for _, field := range timeoutFields {
		raw, ok := partial[field.key]
		if !ok {
			continue
		}

		value, isNumber := toNumber(raw)
		switch {
		case !isNumber:
			result.Errors = append(result.Errors, field.key+" must be a number")
			continue
		case value < MinTimeoutMs:
			result.Errors = append(result.Errors, fmt.Sprintf("%s must be at least %dms", field.key, MinTimeoutMs))
		case value > MaxTimeoutMs:
			result.Errors = append(result.Errors, fmt.Sprintf("%s must be at most %dms", field.key, MaxTimeoutMs))
		case value != math.Trunc(value):
			result.Errors = append(result.Errors, field.key+" must be an integer")
		}

		if value < field.warnBelow {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s of %vms may be too short", field.key, value))
		}
	}

	var unknown []string
	for key := range partial {
		if !isTimeoutKey(key) {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown timeout setting %q ignored", key))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func isTimeoutKey(key string) bool {
	for _, field := range timeoutFields {
		if field.key == key {
			return true
		}
	}
	return false
}

// toNumber converts the numeric kinds produced by JSON, YAML and TOML
// decoders into a float64.
func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// TimeoutPolicy maps request methods to timeouts.
//
// TimeoutPolicy is safe for concurrent use.
type TimeoutPolicy struct {
	mu     sync.RWMutex
	config TimeoutConfig
}

// NewTimeoutPolicy creates a policy from the defaults merged with partial.
// It fails with a *ConfigValidationError if partial is invalid.
func NewTimeoutPolicy(partial TimeoutOverrides) (*TimeoutPolicy, error) {
	p := &TimeoutPolicy{config: DefaultTimeoutConfig()}
	if err := p.Update(partial); err != nil {
		return nil, err
	}
	return p, nil
}

// Update merges partial onto the current configuration. Nothing is applied
// if any field fails validation.
func (p *TimeoutPolicy) Update(partial TimeoutOverrides) error {
	validation := ValidateTimeouts(partial)
	if !validation.Valid {
		return &ConfigValidationError{Errors: validation.Errors}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.config
	for _, field := range timeoutFields {
		if raw, ok := partial[field.key]; ok {
			value, _ := toNumber(raw)
			field.set(&next, int(value))
		}
	}
	p.config = next
	return nil
}

// Config returns a copy of the current configuration.
func (p *TimeoutPolicy) Config() TimeoutConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// TimeoutFor returns the timeout for a request method. Only exact matches of
// the handshake and tools-list methods get their own budget.
func (p *TimeoutPolicy) TimeoutFor(method string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ms int
	switch method {
	case HandshakeMethod:
		ms = p.config.InitializationTimeoutMs
	case ToolsListMethod:
		ms = p.config.ToolsListTimeoutMs
	default:
		ms = p.config.StandardRequestTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}
