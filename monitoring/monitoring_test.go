package monitoring

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/slatewire/slatewire/broker"
	"github.com/stretchr/testify/require"
)

// TestMetricsNotify checks that events are counted per listener and kind.
func TestMetricsNotify(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.Notify(broker.Event{Kind: broker.EventListenerOpened, Listener: "r"})
	m.Notify(broker.Event{Kind: broker.EventSlateReceived, Listener: "r"})
	m.Notify(broker.Event{Kind: broker.EventSlateReceived, Listener: "r"})
	m.Notify(broker.Event{
		Kind: broker.EventFinalized, Listener: "r", Amount: 1500,
	})

	require.Equal(t, 2.0, testutil.ToFloat64(
		m.events.WithLabelValues("r", "slate_received"),
	))
	require.Equal(t, 1500.0, testutil.ToFloat64(
		m.amounts.WithLabelValues("r"),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.listenerState.WithLabelValues("r"),
	))

	m.Notify(broker.Event{Kind: broker.EventListenerDropped, Listener: "r"})
	require.Equal(t, 0.0, testutil.ToFloat64(
		m.listenerState.WithLabelValues("r"),
	))
}

// TestExporter checks that the exporter serves the registry.
func TestExporter(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.Notify(broker.Event{Kind: broker.EventSlateSent, Listener: "peer"})

	e := NewExporter(m)
	require.Nil(t, e.Addr())
	require.NoError(t, e.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		require.NoError(t, e.Stop())
	})

	resp, err := http.Get("http://" + e.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body),
		`slatewire_events_total{kind="slate_sent",listener="peer"} 1`)
}
