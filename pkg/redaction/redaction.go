// Package redaction masks credentials and other sensitive values before
// they reach logs, trace attributes, or approval previews.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

// KeyPattern matches configuration and argument keys whose values must be
// masked wherever they are displayed.
var KeyPattern = regexp.MustCompile(`(?i)api_key|secret|password|token|private_key`)

// Config holds redaction configuration.
type Config struct {
	// Enabled controls whether redaction is active.
	Enabled bool `json:"enabled"`

	// CustomPatterns allows additional regex patterns to redact.
	CustomPatterns []string `json:"custom_patterns"`

	// Replacement is the string used to replace sensitive data.
	Replacement string `json:"replacement"`
}

// DefaultConfig returns the default redaction configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Replacement: "[REDACTED]",
	}
}

// Redactor applies credential masking to strings and field maps.
type Redactor struct {
	config  Config
	builtin []*regexp.Regexp
	custom  []*regexp.Regexp
	mu      sync.RWMutex
}

// NewRedactor creates a Redactor with the given configuration.
func NewRedactor(config Config) *Redactor {
	r := &Redactor{config: config}

	r.builtin = []*regexp.Regexp{
		// key=value and key: value credential assignments
		regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|private[_-]?key|auth[_-]?token|access[_-]?token|refresh[_-]?token)\s*[=:]\s*['"]?([a-zA-Z0-9_\-\.]{12,})['"]?`),
		regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?([^'"\s]{4,})['"]?`),
		regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9_\-\.]{16,})`),
		// provider key formats
		regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{16,}`),
		regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
		regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
		// JSON credential fields
		regexp.MustCompile(`"(?:api_key|apikey|secret|password|token|private_key)"\s*:\s*"([^"]+)"`),
	}

	for _, pattern := range config.CustomPatterns {
		re, err := regexp.Compile(pattern)
		if err == nil {
			r.custom = append(r.custom, re)
		}
	}

	return r
}

// Redact applies all redaction rules to the input string.
func (r *Redactor) Redact(input string) string {
	if !r.config.Enabled {
		return input
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := input
	for _, re := range r.builtin {
		result = r.replaceCaptured(re, result)
	}
	for _, re := range r.custom {
		result = re.ReplaceAllString(result, r.config.Replacement)
	}
	return result
}

// replaceCaptured redacts the last non-empty capture group when one
// exists, otherwise the whole match, so key names survive while values
// are masked.
func (r *Redactor) replaceCaptured(re *regexp.Regexp, input string) string {
	return re.ReplaceAllStringFunc(input, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		for i := len(submatches) - 1; i >= 1; i-- {
			if submatches[i] != "" {
				return strings.Replace(match, submatches[i], r.config.Replacement, 1)
			}
		}
		return r.config.Replacement
	})
}

// RedactFields masks sensitive values in a field map. Values under keys
// matching KeyPattern are replaced wholesale; string values elsewhere are
// run through Redact. The input map is not modified.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	if !r.config.Enabled {
		return fields
	}

	result := make(map[string]any, len(fields))
	for k, v := range fields {
		if KeyPattern.MatchString(k) {
			result[k] = r.config.Replacement
			continue
		}
		switch val := v.(type) {
		case string:
			result[k] = r.Redact(val)
		case map[string]any:
			result[k] = r.RedactFields(val)
		default:
			result[k] = v
		}
	}
	return result
}

// SetEnabled enables or disables redaction at runtime.
func (r *Redactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Enabled = enabled
}

// AddCustomPattern adds a custom redaction pattern at runtime.
func (r *Redactor) AddCustomPattern(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.custom = append(r.custom, re)
	return nil
}

var globalRedactor = NewRedactor(DefaultConfig())

// Redact applies redaction using the global redactor.
func Redact(input string) string {
	return globalRedactor.Redact(input)
}

// RedactFields redacts fields using the global redactor.
func RedactFields(fields map[string]any) map[string]any {
	return globalRedactor.RedactFields(fields)
}

// SetGlobalConfig replaces the global redactor's configuration.
func SetGlobalConfig(config Config) {
	globalRedactor = NewRedactor(config)
}
