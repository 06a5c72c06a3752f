// Package grounding post-processes replayed model text: it executes the
// Action/Action Input blocks the model emitted and patches unresolved
// weather phrases, substituting real tool results into the transcript.
package grounding

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/axonlabs/axon/internal/tools"
)

// actionRe matches one Action/Action Input block, optionally followed by an
// existing Observation line which gets rewritten.
var actionRe = regexp.MustCompile(
	`Action:[ \t]*([A-Za-z0-9_\-]+)[ \t]*\n+` +
		`Action Input:[ \t]*([^\n]+)` +
		`(?:\n+Observation:[ \t]*[^\n]*)?`)

// weatherRe matches "weather in <city> is ..." phrases whose tail is a
// literal ellipsis or an unresolved marker. City names may contain Unicode
// letters.
var weatherRe = regexp.MustCompile(
	`(?i)((?:current\s+)?weather\s+in\s+)([\p{L}][\p{L} ,.'-]*?)(\s+is\s+)` +
		`(\.\.\.|…|unknown|not available|tbd)`)

// Grounder rewrites model transcripts using the tool registry. Both passes
// are applied left to right exactly once; replacements never re-enter the
// scanner.
type Grounder struct {
	registry *tools.Registry
	logger   *slog.Logger
}

// Option configures a Grounder.
type Option func(*Grounder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Grounder) { g.logger = logger }
}

// New creates a Grounder over the given registry.
func New(registry *tools.Registry, opts ...Option) *Grounder {
	g := &Grounder{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ground runs the action pass then the weather-phrase pass over the text.
func (g *Grounder) Ground(ctx context.Context, text string) string {
	text = g.groundActions(ctx, text)
	return g.patchWeatherPhrases(ctx, text)
}

func (g *Grounder) groundActions(ctx context.Context, text string) string {
	return actionRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := actionRe.FindStringSubmatch(match)
		name := groups[1]
		input := strings.TrimSpace(groups[2])

		result, ok := g.runTool(ctx, name, input)
		if !ok {
			result = fmt.Sprintf("(tool %q not executed during replay — result unavailable)", name)
		}
		return fmt.Sprintf("Action: %s\nAction Input: %s\nObservation: %s\n", name, input, result)
	})
}

// runTool dispatches a named tool. The calculator is built in and always
// available; weather_api falls back to weather_api_fallback with wttr-style
// normalization.
func (g *Grounder) runTool(ctx context.Context, name, input string) (string, bool) {
	if strings.EqualFold(name, "calculator") {
		return tools.Calculate(input), true
	}

	if result, ok := g.registry.RunExternalTool(ctx, name, input); ok {
		return result, true
	}
	if name == tools.ToolWeatherAPI {
		if raw, ok := g.registry.RunExternalTool(ctx, tools.ToolWeatherAPIFallback, input); ok {
			return tools.FahrenheitString(raw), true
		}
	}
	g.logger.Debug("tool not executed during replay", "tool", name)
	return "", false
}

func (g *Grounder) patchWeatherPhrases(ctx context.Context, text string) string {
	return weatherRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := weatherRe.FindStringSubmatch(match)
		prefix, city, is := groups[1], groups[2], groups[3]

		value, ok := g.lookupWeather(ctx, city)
		if !ok {
			value = "(unavailable)"
		}
		return prefix + city + is + value
	})
}

func (g *Grounder) lookupWeather(ctx context.Context, city string) (string, bool) {
	if value, ok := g.registry.RunExternalTool(ctx, tools.ToolWeatherAPI, city); ok {
		return value, true
	}
	if raw, ok := g.registry.RunExternalTool(ctx, tools.ToolWeatherAPIFallback, city); ok {
		return tools.FahrenheitString(raw), true
	}
	return "", false
}
