package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/thaliproject/thali-go/metrics"
	"github.com/thaliproject/thali-go/transport"
	"github.com/thaliproject/thali-go/transport/native"
)

type statusSink struct {
	mu       sync.Mutex
	statuses []transport.PeerStatus
}

func (s *statusSink) record(status transport.PeerStatus, _ transport.HostInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *statusSink) snapshot() []transport.PeerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.PeerStatus, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func newTestRegistry(t *testing.T, th Thresholds) (*Registry, *statusSink) {
	t.Helper()
	sink := &statusSink{}
	r := New(th, sink.record, nil)
	go r.Run()
	t.Cleanup(r.Stop)
	return r, sink
}

func waitForCount(t *testing.T, sink *statusSink, n int) []transport.PeerStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d statuses, got %d", n, len(sink.snapshot()))
	return nil
}

func TestDuplicateWifiAdvertisementsDebounce(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour})

	ev := transport.RawPeerEvent{
		PeerID: "wifiPeer", ConnectionType: transport.TCPNative,
		Available: true, HostAddress: "127.0.0.1", PortNumber: 54321, Generation: 0,
	}
	r.SubmitRawEvent(ev)
	r.SubmitRawEvent(ev)

	got := waitForCount(t, sink, 1)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sink.snapshot(), 1, "duplicate advertisement must not emit twice")
	require.True(t, got[0].Available)
	require.NotNil(t, got[0].NewAddressPort)
	require.False(t, *got[0].NewAddressPort)
}

func TestWifiAddressChangeEmitsNewAddressPort(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour})

	base := transport.RawPeerEvent{
		PeerID: "wifiPeer", ConnectionType: transport.TCPNative,
		Available: true, HostAddress: "127.0.0.1", PortNumber: 54321, Generation: 0,
	}
	r.SubmitRawEvent(base)
	waitForCount(t, sink, 1)

	changed := base
	changed.PortNumber = 54322
	r.SubmitRawEvent(changed)

	got := waitForCount(t, sink, 2)
	require.True(t, *got[1].NewAddressPort)
}

func TestNativeSilenceTimeout(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{
		TCPPeerUnavailability:    time.Hour,
		NonTCPPeerUnavailability: 30 * time.Millisecond,
	})

	key := transport.PeerKey{ConnectionType: transport.Bluetooth, PeerID: "nativePeer"}
	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "nativePeer", ConnectionType: transport.Bluetooth,
		Available: true, PortNumber: 9999, Generation: 1,
	})
	waitForCount(t, sink, 1)

	got := waitForCount(t, sink, 2)
	last := got[len(got)-1]
	require.False(t, last.Available)
	require.Nil(t, last.NewAddressPort)

	_, err := r.GetPeerHostInfo(key)
	require.Error(t, err)
}

func TestMPCFRadioPolicy(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour})

	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "mpcfPeer", ConnectionType: transport.MultiPeerConnectivity,
		Available: true, Generation: 1,
	})
	waitForCount(t, sink, 1)

	r.SubmitNetworkChanged(transport.NetworkState{Wifi: true, Bluetooth: false}, transport.MultiPeerConnectivity)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sink.snapshot(), 1, "bluetooth off alone must be a no-op for MPCF while wifi is on")

	r.SubmitNetworkChanged(transport.NetworkState{Wifi: false, Bluetooth: false}, transport.MultiPeerConnectivity)
	got := waitForCount(t, sink, 2)
	require.False(t, got[1].Available)
}

func TestExplicitRemovalOfUncachedPeerIsIgnored(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour})

	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "ghost", ConnectionType: transport.Bluetooth, Available: false,
	})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.snapshot())
}

func TestMPCFGenerationMustBeStrictlyIncreasing(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour})

	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "mpcfPeer", ConnectionType: transport.MultiPeerConnectivity, Available: true, Generation: 5,
	})
	waitForCount(t, sink, 1)

	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "mpcfPeer", ConnectionType: transport.MultiPeerConnectivity, Available: true, Generation: 5,
	})
	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "mpcfPeer", ConnectionType: transport.MultiPeerConnectivity, Available: true, Generation: 3,
	})
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sink.snapshot(), 1, "equal or lower generation must be ignored for MPCF")

	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "mpcfPeer", ConnectionType: transport.MultiPeerConnectivity, Available: true, Generation: 6,
	})
	waitForCount(t, sink, 2)
}

func TestListenerRecreatedForcesNewAddressPort(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour})

	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "iosPeer", ConnectionType: transport.MultiPeerConnectivity,
		Available: true, PortNumber: 7000, Generation: 1,
	})
	waitForCount(t, sink, 1)

	r.SubmitListenerRecreated(transport.MultiPeerConnectivity, transport.ListenerRecreated{
		PeerIdentifier: "iosPeer", PortNumber: 7000,
	})

	got := waitForCount(t, sink, 2)
	last := got[len(got)-1]
	require.True(t, last.Available)
	require.NotNil(t, last.NewAddressPort)
	require.True(t, *last.NewAddressPort, "port-identical listener recreation must still force newAddressPort=true")
}

func TestDuplicateWifiAdvertisementsResetTimer(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{
		TCPPeerUnavailability:    80 * time.Millisecond,
		NonTCPPeerUnavailability: time.Hour,
	})

	ev := transport.RawPeerEvent{
		PeerID: "wifiPeer", ConnectionType: transport.TCPNative,
		Available: true, HostAddress: "127.0.0.1", PortNumber: 54321, Generation: 0,
	}
	r.SubmitRawEvent(ev)
	waitForCount(t, sink, 1)

	// Re-send the identical tuple (SSDP's resend cadence) faster than the
	// unavailability threshold, the way a continuously-present peer does.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.SubmitRawEvent(ev)
		time.Sleep(20 * time.Millisecond)
	}

	require.Len(t, sink.snapshot(), 1, "a live re-advertisement must not be declared unavailable")
}

func TestMPCFHostInfoOpensOnDemandConnection(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour})
	bridge := native.NewFakeBridge()
	bridge.SetConnectPort("iosPeer", 6123)
	r.Bridge = bridge

	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "iosPeer", ConnectionType: transport.MultiPeerConnectivity,
		Available: true, Generation: 1,
	})
	waitForCount(t, sink, 1)

	key := transport.PeerKey{ConnectionType: transport.MultiPeerConnectivity, PeerID: "iosPeer"}
	info, err := r.GetPeerHostInfo(key)
	require.NoError(t, err)
	require.Equal(t, 6123, info.PortNumber)
	require.Equal(t, "127.0.0.1", info.HostAddress)
}

func TestMetricsFoldPoints(t *testing.T) {
	r, sink := newTestRegistry(t, Thresholds{
		TCPPeerUnavailability:    30 * time.Millisecond,
		NonTCPPeerUnavailability: time.Hour,
	})
	m := metrics.New()
	r.Metrics = m

	ev := transport.RawPeerEvent{
		PeerID: "wifiPeer", ConnectionType: transport.TCPNative,
		Available: true, HostAddress: "127.0.0.1", PortNumber: 1, Generation: 0,
	}
	r.SubmitRawEvent(ev)
	waitForCount(t, sink, 1)
	require.Equal(t, float64(1), testutil.ToFloat64(m.RawEventsAccepted.WithLabelValues("TCP_NATIVE")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RegistrySize.WithLabelValues("TCP_NATIVE")))

	r.SubmitRawEvent(ev)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(m.RawEventsDebounced.WithLabelValues("TCP_NATIVE")))

	waitForCount(t, sink, 2)
	require.Equal(t, float64(1), testutil.ToFloat64(m.UnavailabilityFire.WithLabelValues("timeout")))
	require.Equal(t, float64(0), testutil.ToFloat64(m.RegistrySize.WithLabelValues("TCP_NATIVE")))
}

func TestStopIsSilent(t *testing.T) {
	sink := &statusSink{}
	r := New(Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour}, sink.record, nil)
	go r.Run()

	r.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "wifiPeer", ConnectionType: transport.TCPNative,
		Available: true, HostAddress: "127.0.0.1", PortNumber: 1, Generation: 0,
	})
	waitForCount(t, sink, 1)

	r.Stop()
	time.Sleep(20 * time.Millisecond)
	require.Len(t, sink.snapshot(), 1, "stop must not emit unavailability for drained entries")
}
