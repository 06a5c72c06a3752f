// Package tools resolves named external tools to URL templates, executes
// them over HTTP, and normalizes their results. It also houses the geocoder
// used for {lat}/{lon} template resolution and the built-in calculator.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	userAgent           = "axon-trace-replayer/1.0"
	defaultFetchTimeout = 10 * time.Second
	maxResponseBytes    = 4 << 20
)

// Reserved provider names.
const (
	ToolGeocode            = "geocode"
	ToolWeatherAPI         = "weather_api"
	ToolWeatherAPIFallback = "weather_api_fallback"
)

// ToolConfig describes one external tool provider. URL may contain the
// placeholders {q}, {lat}, and {lon}. ResultPath is a dotted path with
// numeric array-index components (e.g. "results.0.latitude").
type ToolConfig struct {
	URL        string `json:"url"`
	ResultPath string `json:"result_path,omitempty"`
}

// Registry resolves tool names to providers and executes them. Providers are
// initialized once at startup and may be atomically replaced on reload; all
// other state is immutable.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ToolConfig

	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
	geocoder *Geocoder

	// OnFetch is an optional metric hook invoked once per executed tool with
	// its terminal status ("ok" or "error").
	OnFetch func(tool, status string, durationSeconds float64)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHTTPClient sets the HTTP client used for tool fetches.
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) { r.client = client }
}

// WithFetchTimeout sets the per-call fetch timeout.
func WithFetchTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithLogger sets the logger. Tool failures log at Debug; they are never
// fatal.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a registry over the given provider map. A nil map
// disables external tooling; the calculator remains available to callers.
func NewRegistry(providers map[string]ToolConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: providers,
		client:    &http.Client{},
		timeout:   defaultFetchTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.providers == nil {
		r.providers = map[string]ToolConfig{}
	}
	r.geocoder = newGeocoder(r)
	return r
}

// ParseProviders decodes a TOOL_PROVIDERS JSON value.
func ParseProviders(raw string) (map[string]ToolConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var providers map[string]ToolConfig
	if err := json.Unmarshal([]byte(raw), &providers); err != nil {
		return nil, fmt.Errorf("parse tool providers: %w", err)
	}
	return providers, nil
}

// Reload atomically replaces the provider map. Used for hot reload of the
// provider file.
func (r *Registry) Reload(providers map[string]ToolConfig) {
	if providers == nil {
		providers = map[string]ToolConfig{}
	}
	r.mu.Lock()
	r.providers = providers
	r.mu.Unlock()
}

// Lookup returns the provider config for a tool name.
func (r *Registry) Lookup(name string) (ToolConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.providers[name]
	return cfg, ok
}

// Geocoder returns the geocoder bound to this registry's provider map.
func (r *Registry) Geocoder() *Geocoder { return r.geocoder }

// RunExternalTool executes the named tool against rawInput and returns the
// extracted, normalized result. The second return is false when the tool is
// unknown, misconfigured, or any fetch/parse/resolution step fails; all such
// failures are non-fatal and the caller decides whether to try a fallback.
func (r *Registry) RunExternalTool(ctx context.Context, name, rawInput string) (string, bool) {
	cfg, ok := r.Lookup(name)
	if !ok || cfg.URL == "" {
		return "", false
	}

	started := time.Now()
	value, ok := r.execute(ctx, name, cfg, rawInput)
	if r.OnFetch != nil {
		status := "ok"
		if !ok {
			status = "error"
		}
		r.OnFetch(name, status, time.Since(started).Seconds())
	}
	return value, ok
}

func (r *Registry) execute(ctx context.Context, name string, cfg ToolConfig, rawInput string) (string, bool) {
	q := NormalizeQuery(rawInput)
	resolved, ok := r.resolveURL(ctx, cfg.URL, q)
	if !ok {
		return "", false
	}

	body, rawBody, err := r.fetchJSON(ctx, resolved)
	if err != nil {
		r.logger.Debug("tool fetch failed", "tool", name, "error", err)
		if cfg.ResultPath == "" && rawBody != "" {
			// Providers like wttr.in answer with plain text; without a
			// result path the body itself is the value.
			body = strings.TrimSpace(rawBody)
		} else {
			return "", false
		}
	}

	value := body
	if cfg.ResultPath != "" {
		value, ok = getByPath(body, cfg.ResultPath)
		if !ok {
			r.logger.Debug("tool result path missing", "tool", name, "path", cfg.ResultPath)
			return "", false
		}
	}

	if name == ToolWeatherAPI {
		return normalizeWeather(cfg.URL, value)
	}
	return stringify(value)
}

// NormalizeQuery trims the input, collapses interior whitespace to single
// spaces, and strips every character that is not a letter, digit,
// whitespace, comma, period, or hyphen. Unicode letters are preserved.
func NormalizeQuery(raw string) string {
	collapsed := strings.Join(strings.Fields(strings.TrimSpace(raw)), " ")
	var b strings.Builder
	b.Grow(len(collapsed))
	for _, r := range collapsed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) ||
			r == ',' || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// resolveURL substitutes {q}, {lat}, and {lon} in the template. When
// geocoding fails and the template also carried {q}, the positional tokens
// are stripped and the {q}-substituted URL is used; otherwise resolution
// fails. Any remaining placeholder fails resolution.
func (r *Registry) resolveURL(ctx context.Context, template, q string) (string, bool) {
	resolved := template
	hadQ := strings.Contains(template, "{q}")
	if hadQ {
		resolved = strings.ReplaceAll(resolved, "{q}", url.QueryEscape(q))
	}

	if strings.Contains(resolved, "{lat}") || strings.Contains(resolved, "{lon}") {
		lat, lon, ok := r.geocoder.Geocode(ctx, q)
		if ok {
			resolved = strings.ReplaceAll(resolved, "{lat}", formatFloat(lat))
			resolved = strings.ReplaceAll(resolved, "{lon}", formatFloat(lon))
		} else if hadQ {
			resolved = strings.ReplaceAll(resolved, "{lat}", "")
			resolved = strings.ReplaceAll(resolved, "{lon}", "")
		} else {
			return "", false
		}
	}

	if strings.Contains(resolved, "{q}") ||
		strings.Contains(resolved, "{lat}") ||
		strings.Contains(resolved, "{lon}") {
		return "", false
	}
	return resolved, true
}

// fetchJSON issues the GET and decodes the JSON body. The raw body text is
// returned alongside so callers can fall back to plain-text providers.
func (r *Registry) fetchJSON(ctx context.Context, rawURL string) (any, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, string(raw), fmt.Errorf("decode body: %w", err)
	}
	return body, string(raw), nil
}

// getByPath walks a dotted path through decoded JSON. Each segment is a map
// key; a numeric segment indexes an array. Any missing link fails.
func getByPath(value any, path string) (any, bool) {
	current := value
	for _, segment := range strings.Split(path, ".") {
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(typed) {
				return nil, false
			}
			current = typed[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// normalizeWeather converts a weather_api value to a Fahrenheit display
// string. Open-Meteo values are interpreted per the template's
// temperature_unit; anything else is treated as an unknown-source value.
func normalizeWeather(template string, value any) (string, bool) {
	host := ""
	if u, err := url.Parse(template); err == nil {
		host = strings.ToLower(u.Host)
	}
	num, isNum := asNumber(value)

	if strings.Contains(host, "open-meteo.com") {
		if !isNum {
			return "", false
		}
		if strings.Contains(strings.ToLower(template), "temperature_unit=fahrenheit") {
			return fmt.Sprintf("%d°F", int(math.Round(num))), true
		}
		return fmt.Sprintf("%d°F", int(math.Round(num*9/5+32))), true
	}

	if isNum {
		return fmt.Sprintf("%d°F", int(math.Round(num))), true
	}
	s, ok := stringify(value)
	if !ok {
		return "", false
	}
	return FahrenheitString(s), true
}

// FahrenheitString normalizes a wttr-style value: numeric strings render as
// rounded °F, strings already ending in °F pass through, anything else gets
// the suffix appended.
func FahrenheitString(s string) string {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(strings.TrimPrefix(s, "+"), 64); err == nil {
		return fmt.Sprintf("%d°F", int(math.Round(n)))
	}
	if strings.HasSuffix(s, "°F") {
		return s
	}
	return s + "°F"
}

func asNumber(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case json.Number:
		n, err := typed.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(typed, "+")), 64)
		return n, err == nil
	}
	return 0, false
}

func stringify(value any) (string, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		return typed, true
	case float64:
		return formatFloat(typed), true
	case bool:
		return strconv.FormatBool(typed), true
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return "", false
		}
		return string(encoded), true
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
