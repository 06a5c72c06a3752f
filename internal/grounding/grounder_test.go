package grounding

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/axonlabs/axon/internal/observability"
	"github.com/axonlabs/axon/internal/tools"
)

func newTestGrounder(t *testing.T, providers map[string]tools.ToolConfig) *Grounder {
	t.Helper()
	registry := tools.NewRegistry(providers, tools.WithLogger(observability.Discard()))
	return New(registry, WithLogger(observability.Discard()))
}

func TestGroundCalculatorAction(t *testing.T) {
	g := newTestGrounder(t, nil)

	in := "Thought: need math\nAction: calculator\nAction Input: 6 * 7\n"
	got := g.Ground(context.Background(), in)

	want := "Action: calculator\nAction Input: 6 * 7\nObservation: The result of 6 * 7 is 42.\n"
	if !strings.Contains(got, want) {
		t.Fatalf("grounded text = %q, want it to contain %q", got, want)
	}
	if !strings.Contains(got, "Thought: need math") {
		t.Fatal("surrounding text must survive grounding")
	}
}

func TestGroundRewritesStaleObservation(t *testing.T) {
	g := newTestGrounder(t, nil)

	in := "Action: calculator\nAction Input: 2+2\nObservation: The result of 2+2 is 5.\nFinal Answer: 5"
	got := g.Ground(context.Background(), in)

	if !strings.Contains(got, "Observation: The result of 2+2 is 4.") {
		t.Fatalf("stale observation not rewritten: %q", got)
	}
	if strings.Contains(got, "Observation: The result of 2+2 is 5.") {
		t.Fatalf("old observation still present: %q", got)
	}
	if !strings.Contains(got, "Final Answer: 5") {
		t.Fatalf("trailing text lost: %q", got)
	}
}

func TestGroundUnknownToolObservation(t *testing.T) {
	g := newTestGrounder(t, nil)

	got := g.Ground(context.Background(), "Action: search_api\nAction Input: cats\n")
	want := `Observation: (tool "search_api" not executed during replay — result unavailable)`
	if !strings.Contains(got, want) {
		t.Fatalf("grounded text = %q, want it to contain %q", got, want)
	}
}

func TestGroundExternalToolAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": [{"title": "Go 1.24 released"}]}`)
	}))
	defer srv.Close()

	g := newTestGrounder(t, map[string]tools.ToolConfig{
		"search_api": {URL: srv.URL + "?q={q}", ResultPath: "items.0.title"},
	})

	got := g.Ground(context.Background(), "Action: search_api\nAction Input: go release\n")
	if !strings.Contains(got, "Observation: Go 1.24 released") {
		t.Fatalf("grounded text = %q", got)
	}
}

func TestGroundWeatherFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "+59\n")
	}))
	defer fallback.Close()

	g := newTestGrounder(t, map[string]tools.ToolConfig{
		tools.ToolWeatherAPI:         {URL: primary.URL + "?q={q}", ResultPath: "temp"},
		tools.ToolWeatherAPIFallback: {URL: fallback.URL + "?q={q}"},
	})

	got := g.Ground(context.Background(), "Action: weather_api\nAction Input: London\n")
	if !strings.Contains(got, "Observation: 59°F") {
		t.Fatalf("grounded text = %q", got)
	}
}

func TestPatchWeatherPhrases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"current": {"temperature_2m": 20}}`)
	}))
	defer srv.Close()

	g := newTestGrounder(t, map[string]tools.ToolConfig{
		tools.ToolWeatherAPI: {
			URL:        srv.URL + "?q={q}",
			ResultPath: "current.temperature_2m",
		},
	})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "ellipsis",
			in:   "The current weather in Paris is ...",
			want: "The current weather in Paris is 20°F",
		},
		{
			name: "unknown marker",
			in:   "Weather in Lyon is unknown today.",
			want: "Weather in Lyon is 20°F today.",
		},
		{
			name: "resolved phrase untouched",
			in:   "The weather in Paris is 71°F.",
			want: "The weather in Paris is 71°F.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Ground(context.Background(), tt.in)
			if got != tt.want {
				t.Fatalf("Ground(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPatchWeatherPhraseUnavailable(t *testing.T) {
	g := newTestGrounder(t, nil)

	got := g.Ground(context.Background(), "The weather in Berlin is tbd")
	want := "The weather in Berlin is (unavailable)"
	if got != want {
		t.Fatalf("Ground = %q, want %q", got, want)
	}
}
