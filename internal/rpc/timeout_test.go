package rpc

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestTimeoutPolicy_Defaults(t *testing.T) {
	p, err := NewTimeoutPolicy(nil)
	if err != nil {
		t.Fatalf("NewTimeoutPolicy: %v", err)
	}

	tests := []struct {
		method string
		want   time.Duration
	}{
		{"initialize", 60 * time.Second},
		{"tools/list", 60 * time.Second},
		{"tools/call", 30 * time.Second},
		{"resources/list", 30 * time.Second},
		{"Initialize", 30 * time.Second},
		{"tools/list/extra", 30 * time.Second},
		{"", 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.TimeoutFor(tt.method); got != tt.want {
			t.Errorf("TimeoutFor(%q) = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func TestTimeoutPolicy_Pure(t *testing.T) {
	overrides := TimeoutOverrides{
		KeyInitializationTimeout:  20000,
		KeyStandardRequestTimeout: 7000,
		KeyToolsListTimeout:       15000,
	}
	a, err := NewTimeoutPolicy(overrides)
	if err != nil {
		t.Fatalf("NewTimeoutPolicy: %v", err)
	}
	b, err := NewTimeoutPolicy(overrides)
	if err != nil {
		t.Fatalf("NewTimeoutPolicy: %v", err)
	}

	for _, method := range []string{"initialize", "tools/list", "ping", "custom/method"} {
		if a.TimeoutFor(method) != b.TimeoutFor(method) {
			t.Errorf("TimeoutFor(%q) differs between equal policies", method)
		}
	}
	if got := a.TimeoutFor("initialize"); got != 20*time.Second {
		t.Errorf("initialize = %v, want 20s", got)
	}
	if got := a.TimeoutFor("tools/list"); got != 15*time.Second {
		t.Errorf("tools/list = %v, want 15s", got)
	}
	if got := a.TimeoutFor("ping"); got != 7*time.Second {
		t.Errorf("ping = %v, want 7s", got)
	}
}

func TestValidateTimeouts(t *testing.T) {
	tests := []struct {
		name         string
		partial      TimeoutOverrides
		valid        bool
		errContains  []string
		warnContains []string
	}{
		{
			name:    "empty",
			partial: TimeoutOverrides{},
			valid:   true,
		},
		{
			name:        "below minimum",
			partial:      TimeoutOverrides{KeyInitializationTimeout: 500},
			valid:        false,
			errContains:  []string{"initializationTimeoutMs must be at least 1000ms"},
			warnContains: []string{"initializationTimeoutMs of 500ms may be too short"},
		},
		{
			name:        "above maximum",
			partial:     TimeoutOverrides{KeyStandardRequestTimeout: 300001},
			valid:       false,
			errContains: []string{"standardRequestTimeoutMs must be at most 300000ms"},
		},
		{
			name:        "not a number",
			partial:     TimeoutOverrides{KeyToolsListTimeout: "fast"},
			valid:       false,
			errContains: []string{"toolsListTimeoutMs must be a number"},
		},
		{
			name:        "non integer",
			partial:     TimeoutOverrides{KeyStandardRequestTimeout: 5000.5},
			valid:       false,
			errContains: []string{"standardRequestTimeoutMs must be an integer"},
		},
		{
			name:        "NaN is not a number",
			partial:     TimeoutOverrides{KeyStandardRequestTimeout: math.NaN()},
			valid:       false,
			errContains: []string{"must be a number"},
		},
		{
			name: "each field contributes one error",
			partial: TimeoutOverrides{
				KeyInitializationTimeout:  500,
				KeyStandardRequestTimeout: "x",
				KeyToolsListTimeout:       999999,
			},
			valid: false,
			errContains: []string{
				"initializationTimeoutMs must be at least 1000ms",
				"standardRequestTimeoutMs must be a number",
				"toolsListTimeoutMs must be at most 300000ms",
			},
			warnContains: []string{"initializationTimeoutMs of 500ms may be too short"},
		},
		{
			name:         "short but valid",
			partial:      TimeoutOverrides{KeyInitializationTimeout: 5000, KeyStandardRequestTimeout: 2000},
			valid:        true,
			warnContains: []string{"initializationTimeoutMs of 5000ms may be too short", "standardRequestTimeoutMs of 2000ms may be too short"},
		},
		{
			name:         "standard at threshold",
			partial:      TimeoutOverrides{KeyStandardRequestTimeout: 5000},
			valid:        true,
			warnContains: nil,
		},
		{
			name:         "unknown key",
			partial:      TimeoutOverrides{"retryDelayMs": 10},
			valid:        true,
			warnContains: []string{`unknown timeout setting "retryDelayMs" ignored`},
		},
		{
			name:    "json number",
			partial: TimeoutOverrides{KeyStandardRequestTimeout: json.Number("12000")},
			valid:   true,
		},
		{
			name:    "int64 from toml",
			partial: TimeoutOverrides{KeyToolsListTimeout: int64(90000)},
			valid:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateTimeouts(tt.partial)
			if got.Valid != tt.valid {
				t.Fatalf("Valid = %v, want %v (errors %v)", got.Valid, tt.valid, got.Errors)
			}
			if len(got.Errors) != len(tt.errContains) {
				t.Fatalf("got %d errors %v, want %d", len(got.Errors), got.Errors, len(tt.errContains))
			}
			for i, want := range tt.errContains {
				if !strings.Contains(got.Errors[i], want) {
					t.Errorf("error[%d] = %q, want it to contain %q", i, got.Errors[i], want)
				}
			}
			if len(got.Warnings) != len(tt.warnContains) {
				t.Fatalf("got warnings %v, want %v", got.Warnings, tt.warnContains)
			}
			for i, want := range tt.warnContains {
				if !strings.Contains(got.Warnings[i], want) {
					t.Errorf("warning[%d] = %q, want it to contain %q", i, got.Warnings[i], want)
				}
			}
		})
	}
}

func TestNewTimeoutPolicy_Invalid(t *testing.T) {
	_, err := NewTimeoutPolicy(TimeoutOverrides{KeyInitializationTimeout: 500})
	if err == nil {
		t.Fatal("expected error")
	}

	var cfgErr *ConfigValidationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigValidationError, got %T", err)
	}
	if !strings.HasPrefix(err.Error(), "Invalid timeout configuration: ") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !strings.Contains(err.Error(), "must be at least 1000ms") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestTimeoutPolicy_UpdateNoPartialApply(t *testing.T) {
	p, err := NewTimeoutPolicy(nil)
	if err != nil {
		t.Fatalf("NewTimeoutPolicy: %v", err)
	}

	err = p.Update(TimeoutOverrides{
		KeyStandardRequestTimeout: 10000,
		KeyToolsListTimeout:       50,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := p.Config(); got != DefaultTimeoutConfig() {
		t.Errorf("config changed after rejected update: %+v", got)
	}

	if err := p.Update(TimeoutOverrides{KeyStandardRequestTimeout: 10000}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := DefaultTimeoutConfig()
	want.StandardRequestTimeoutMs = 10000
	if got := p.Config(); got != want {
		t.Errorf("Config() = %+v, want %+v", got, want)
	}
}

func TestTimeoutConfig_Overrides(t *testing.T) {
	cfg := TimeoutConfig{InitializationTimeoutMs: 11000, StandardRequestTimeoutMs: 6000, ToolsListTimeoutMs: 12000}
	p, err := NewTimeoutPolicy(cfg.Overrides())
	if err != nil {
		t.Fatalf("NewTimeoutPolicy: %v", err)
	}
	if p.Config() != cfg {
		t.Errorf("Config() = %+v, want %+v", p.Config(), cfg)
	}
}
