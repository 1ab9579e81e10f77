package pool

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/thaliproject/thali-go/metrics"
	"github.com/thaliproject/thali-go/transport"
)

func TestPoolReportsMetricsAtSubmitAndCompletion(t *testing.T) {
	m := metrics.New()
	p := New(1, 4, NewBackoffPolicy())
	p.Metrics = m
	p.Start()
	t.Cleanup(p.Stop)

	done := make(chan struct{})
	p.Submit(Action{
		Key: transport.PeerKey{ConnectionType: transport.TCPNative, PeerID: "peer"},
		Run: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("action never ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && testutil.ToFloat64(m.PoolInFlight) != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, float64(0), testutil.ToFloat64(m.PoolInFlight))
	require.Equal(t, float64(1), testutil.ToFloat64(m.PoolBackoffMean))
}
