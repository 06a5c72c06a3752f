package tools

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultOpenMeteoGeoURL = "https://geocoding-api.open-meteo.com/v1/search"
	defaultNominatimURL    = "https://nominatim.openstreetmap.org/search"
)

// Geocoder resolves a free-form place name to coordinates by trying an
// ordered list of providers, each once, first success wins. Provider
// failures are isolated: they log at Debug and the chain proceeds.
type Geocoder struct {
	registry *Registry

	openMeteoURL string
	nominatimURL string

	// OnLookup is an optional metric hook invoked once per provider attempt
	// with "hit" or "miss".
	OnLookup func(provider, status string)
}

func newGeocoder(r *Registry) *Geocoder {
	return &Geocoder{
		registry:     r,
		openMeteoURL: defaultOpenMeteoGeoURL,
		nominatimURL: defaultNominatimURL,
	}
}

// SetEndpoints overrides the provider base URLs. Tests point these at local
// fixtures.
func (g *Geocoder) SetEndpoints(openMeteo, nominatim string) {
	if openMeteo != "" {
		g.openMeteoURL = openMeteo
	}
	if nominatim != "" {
		g.nominatimURL = nominatim
	}
}

// Geocode resolves q to (lat, lon). It returns false only when every
// provider failed.
func (g *Geocoder) Geocode(ctx context.Context, q string) (lat, lon float64, ok bool) {
	q = strings.TrimSpace(q)
	if q == "" {
		return 0, 0, false
	}

	type provider struct {
		name string
		fn   func(context.Context, string) (float64, float64, error)
	}
	for _, p := range []provider{
		{"configured", g.viaConfiguredTool},
		{"open-meteo", g.viaOpenMeteo},
		{"nominatim", g.viaNominatim},
	} {
		lat, lon, err := p.fn(ctx, q)
		if err != nil {
			if g.OnLookup != nil {
				g.OnLookup(p.name, "miss")
			}
			g.registry.logger.Debug("geocode provider failed", "provider", p.name, "query", q, "error", err)
			continue
		}
		if g.OnLookup != nil {
			g.OnLookup(p.name, "hit")
		}
		return lat, lon, true
	}
	return 0, 0, false
}

// viaConfiguredTool uses the env-configured "geocode" tool, inspecting the
// known response shapes in order: Open-Meteo style results, GeoJSON
// features, then flat lat/lon keys.
func (g *Geocoder) viaConfiguredTool(ctx context.Context, q string) (float64, float64, error) {
	cfg, ok := g.registry.Lookup(ToolGeocode)
	if !ok || cfg.URL == "" {
		return 0, 0, fmt.Errorf("no geocode tool configured")
	}
	if !strings.Contains(cfg.URL, "{q}") {
		return 0, 0, fmt.Errorf("geocode tool URL lacks {q}")
	}
	resolved := strings.ReplaceAll(cfg.URL, "{q}", url.QueryEscape(q))
	body, _, err := g.registry.fetchJSON(ctx, resolved)
	if err != nil {
		return 0, 0, err
	}
	return coordsFromBody(body)
}

func coordsFromBody(body any) (float64, float64, error) {
	if lat, ok := numberAt(body, "results.0.latitude"); ok {
		if lon, ok := numberAt(body, "results.0.longitude"); ok {
			return lat, lon, nil
		}
	}
	if coords, ok := getByPath(body, "features.0.geometry.coordinates"); ok {
		if pair, ok := coords.([]any); ok && len(pair) >= 2 {
			lon, okLon := asNumber(pair[0])
			lat, okLat := asNumber(pair[1])
			if okLat && okLon {
				return lat, lon, nil
			}
		}
	}
	lat, okLat := firstNumberAt(body, "lat", "latitude")
	lon, okLon := firstNumberAt(body, "lon", "lng", "longitude")
	if okLat && okLon {
		return lat, lon, nil
	}
	return 0, 0, fmt.Errorf("no coordinates in response")
}

func (g *Geocoder) viaOpenMeteo(ctx context.Context, q string) (float64, float64, error) {
	resolved := fmt.Sprintf("%s?name=%s&count=1", g.openMeteoURL, url.QueryEscape(q))
	body, _, err := g.registry.fetchJSON(ctx, resolved)
	if err != nil {
		return 0, 0, err
	}
	lat, okLat := numberAt(body, "results.0.latitude")
	lon, okLon := numberAt(body, "results.0.longitude")
	if !okLat || !okLon {
		return 0, 0, fmt.Errorf("no results")
	}
	return lat, lon, nil
}

func (g *Geocoder) viaNominatim(ctx context.Context, q string) (float64, float64, error) {
	resolved := fmt.Sprintf("%s?q=%s&format=json&limit=1&addressdetails=0", g.nominatimURL, url.QueryEscape(q))
	body, _, err := g.registry.fetchJSON(ctx, resolved)
	if err != nil {
		return 0, 0, err
	}
	entries, ok := body.([]any)
	if !ok || len(entries) == 0 {
		return 0, 0, fmt.Errorf("no results")
	}
	entry, ok := entries[0].(map[string]any)
	if !ok {
		return 0, 0, fmt.Errorf("malformed result entry")
	}
	lat, errLat := parseCoord(entry["lat"])
	lon, errLon := parseCoord(entry["lon"])
	if errLat != nil || errLon != nil {
		return 0, 0, fmt.Errorf("malformed coordinates")
	}
	return lat, lon, nil
}

func parseCoord(v any) (float64, error) {
	switch typed := v.(type) {
	case string:
		return strconv.ParseFloat(typed, 64)
	case float64:
		return typed, nil
	}
	return 0, fmt.Errorf("not a coordinate")
}

func numberAt(body any, path string) (float64, bool) {
	v, ok := getByPath(body, path)
	if !ok {
		return 0, false
	}
	return asNumber(v)
}

func firstNumberAt(body any, keys ...string) (float64, bool) {
	m, ok := body.(map[string]any)
	if !ok {
		return 0, false
	}
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if n, ok := asNumber(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}
