package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()

	m.CommandSent()
	m.CommandSent()
	m.ReplyReceived(0)
	m.ReplyReceived(0x50000016)
	m.DuplicateReply()
	m.PacketReceived(models.SourceLocal)
	m.PacketReceived(models.SourceSmartlink)
	m.PacketReceived(models.SourceLocal)
	m.RadiosVisible(3)
	m.RadiosVisible(2)
	m.Connected(true)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"commands", testutil.ToFloat64(m.commandsSent), 2},
		{"replies ok", testutil.ToFloat64(m.replies.WithLabelValues("ok")), 1},
		{"replies error", testutil.ToFloat64(m.replies.WithLabelValues("error")), 1},
		{"duplicates", testutil.ToFloat64(m.duplicateReplies), 1},
		{"local packets", testutil.ToFloat64(m.packets.WithLabelValues("local")), 2},
		{"relay packets", testutil.ToFloat64(m.packets.WithLabelValues("smartlink")), 1},
		{"radios", testutil.ToFloat64(m.radiosVisible), 2},
		{"connected", testutil.ToFloat64(m.connected), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v; want %v", c.name, c.got, c.want)
		}
	}
}

func TestInstancesDoNotCollide(t *testing.T) {
	a, b := New(), New()
	a.LineDropped()

	if got := testutil.ToFloat64(b.linesDropped); got != 0 {
		t.Errorf("second instance saw %v dropped lines", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.StreamsActive(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "flexlink_streams_active 2") {
		t.Errorf("metrics output missing gauge:\n%s", body)
	}
}
