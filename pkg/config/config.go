// Package config loads gateway configuration from a JSON file with
// environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/gateclaw/gateclaw/pkg/redaction"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Gateway   GatewayConfig     `json:"gateway"`
	Providers []ProviderConfig  `json:"providers"`
	Tools     ToolsConfig       `json:"tools"`
	Approval  ApprovalConfig    `json:"approval"`
	Tracing   TracingConfig     `json:"tracing"`
	Swarm     SwarmConfig       `json:"swarm"`
	Heal      HealConfig        `json:"heal"`
	MCP       []MCPServerConfig `json:"mcp_servers"`
	Logging   LoggingConfig     `json:"logging"`
}

// GatewayConfig controls the front door and the worker pool.
type GatewayConfig struct {
	ListenAddr string `json:"listen_addr" env:"GATECLAW_LISTEN_ADDR"`
	// Workers bounds concurrent turns; QueueSize bounds waiting ones.
	Workers            int `json:"workers" env:"GATECLAW_WORKERS"`
	QueueSize          int `json:"queue_size" env:"GATECLAW_QUEUE_SIZE"`
	TurnTimeoutSeconds int `json:"turn_timeout_seconds" env:"GATECLAW_TURN_TIMEOUT"`
	// SerializeBusySessions queues a second turn on a busy session instead
	// of rejecting it.
	SerializeBusySessions bool `json:"serialize_busy_sessions" env:"GATECLAW_SERIALIZE_SESSIONS"`
}

// ProviderConfig describes one LLM endpoint.
type ProviderConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // anthropic | openai-compatible | ollama
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
	Enabled bool   `json:"enabled"`
	// RPS caps request rate for the endpoint; zero means unlimited.
	RPS float64 `json:"rps"`
}

// ToolsConfig controls builtin tool policy.
type ToolsConfig struct {
	Workspace           string   `json:"workspace" env:"GATECLAW_WORKSPACE"`
	ShellTimeoutSeconds int      `json:"shell_timeout_seconds" env:"GATECLAW_SHELL_TIMEOUT"`
	ExecOnly            bool     `json:"exec_only" env:"GATECLAW_EXEC_ONLY"`
	DenyPatterns        []string `json:"deny_patterns"`
	BlockedPrefixes     []string `json:"blocked_prefixes"`
	MaxSearchResults    int      `json:"max_search_results"`
	MaxReadBytes        int64    `json:"max_read_bytes"`
}

// ApprovalConfig controls the human-in-the-loop broker.
type ApprovalConfig struct {
	AutoApproveSafe     bool           `json:"auto_approve_safe" env:"GATECLAW_AUTO_APPROVE_SAFE"`
	TimeoutSeconds      int            `json:"timeout_seconds" env:"GATECLAW_APPROVAL_TIMEOUT"`
	DefaultTrustMinutes int            `json:"default_trust_minutes"`
	Overrides           map[string]string `json:"overrides"`
}

// TracingConfig controls the trace recorder.
type TracingConfig struct {
	Enabled   bool   `json:"enabled" env:"GATECLAW_TRACING"`
	MaxTraces int    `json:"max_traces"`
	Persist   bool   `json:"persist"`
	StorePath string `json:"store_path" env:"GATECLAW_TRACE_DIR"`
	// OTLPEndpoint mirrors completed traces to an OpenTelemetry collector
	// when set.
	OTLPEndpoint string `json:"otlp_endpoint" env:"GATECLAW_OTLP_ENDPOINT"`
}

// SwarmConfig controls the multi-agent loop.
type SwarmConfig struct {
	MaxIterations     int `json:"max_iterations" env:"GATECLAW_SWARM_ITERATIONS"`
	RunTimeoutSeconds int `json:"run_timeout_seconds"`
}

// HealConfig controls the self-healing executor.
type HealConfig struct {
	MaxAttempts int `json:"max_attempts" env:"GATECLAW_HEAL_ATTEMPTS"`
}

// MCPServerConfig describes one external tool server. Stdio servers are
// spawned as child processes; http and sse servers are dialed.
type MCPServerConfig struct {
	Name           string            `json:"name"`
	Transport      string            `json:"transport"` // stdio | http | sse
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	URL            string            `json:"url"`
	BearerToken    string            `json:"bearer_token"`
	Enabled        bool              `json:"enabled"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `json:"level" env:"GATECLAW_LOG_LEVEL"`
	File  string `json:"file" env:"GATECLAW_LOG_FILE"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Gateway: GatewayConfig{
			ListenAddr:         "127.0.0.1:8620",
			Workers:            8,
			QueueSize:          32,
			TurnTimeoutSeconds: 120,
		},
		Tools: ToolsConfig{
			Workspace:           filepath.Join(home, "gateclaw", "workspace"),
			ShellTimeoutSeconds: 30,
			MaxSearchResults:    500,
			MaxReadBytes:        1 << 20,
		},
		Approval: ApprovalConfig{
			AutoApproveSafe:     true,
			TimeoutSeconds:      120,
			DefaultTrustMinutes: 5,
		},
		Tracing: TracingConfig{
			Enabled:   true,
			MaxTraces: 500,
			Persist:   true,
			StorePath: filepath.Join(home, "gateclaw", "traces"),
		},
		Swarm: SwarmConfig{
			MaxIterations:     3,
			RunTimeoutSeconds: 600,
		},
		Heal: HealConfig{
			MaxAttempts: 3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (defaults applied first), then layers
// environment variables on top. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, nil
}

// Flatten returns the configuration as dotted keys, e.g.
// "gateway.listen_addr". Slices are indexed: "providers.0.name".
func (c *Config) Flatten() map[string]any {
	out := make(map[string]any)
	flattenValue("", reflect.ValueOf(*c), out)
	return out
}

// FlattenRedacted deep-copies the configuration through its flattened form
// and masks every key matching the sensitive-key pattern. The live config
// is never mutated.
func (c *Config) FlattenRedacted() map[string]any {
	flat := c.Flatten()
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if redaction.KeyPattern.MatchString(k) {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}

// SortedKeys returns the flattened keys in lexical order, for stable
// emission in diagnostics.
func SortedKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flattenValue(prefix string, v reflect.Value, out map[string]any) {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			tag := t.Field(i).Tag.Get("json")
			name, _, _ := strings.Cut(tag, ",")
			if name == "" || name == "-" {
				name = strings.ToLower(t.Field(i).Name)
			}
			flattenValue(joinKey(prefix, name), v.Field(i), out)
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			flattenValue(joinKey(prefix, fmt.Sprintf("%d", i)), v.Index(i), out)
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			flattenValue(joinKey(prefix, fmt.Sprintf("%v", k.Interface())), v.MapIndex(k), out)
		}
	default:
		out[prefix] = v.Interface()
	}
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
