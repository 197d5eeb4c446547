package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorRendersCounters(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.ObserveCommand("output", "play", "", 2*time.Millisecond)
	c.ObserveCommand("output", "play", "NOT_FOUND", time.Millisecond)
	c.ObservePluginLoad("output", true)
	c.ObservePluginLoad("xform", false)
	c.ObserveBroadcast("redis", nil)
	c.ObserveBroadcast("redis", errors.New("down"))

	if got := c.CommandCount("output", "play", ""); got != 1 {
		t.Fatalf("expected one successful play, got %d", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`mediad_commands_total{object="output",command="play",code="OK"} 1`,
		`mediad_commands_total{object="output",command="play",code="NOT_FOUND"} 1`,
		`mediad_command_duration_seconds_count{object="output",command="play"} 2`,
		`mediad_plugin_loads_total{type="xform",outcome="rejected"} 1`,
		`mediad_broadcasts_total{sink="redis"} 2`,
		`mediad_broadcast_failures_total{sink="redis"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
}

func TestEscapeLabel(t *testing.T) {
	t.Parallel()

	if got := escape("a\"b\\c\nd"); got != `a\"b\\cd` {
		t.Fatalf("unexpected escape %q", got)
	}
}
