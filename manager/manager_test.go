package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thaliproject/thali-go/registry"
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

func TestNewWiresNativeBridgeIntoRegistry(t *testing.T) {
	reg := registry.New(registry.Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour}, func(transport.PeerStatus, transport.HostInfo) {}, nil)
	bridge := native.NewFakeBridge()

	New(Dependencies{Registry: reg, NativeBridge: bridge, NativeKind: transport.MultiPeerConnectivity})

	require.Same(t, bridge, reg.Bridge)
}

func TestHandleNetworkChangedForwardsWifiSignal(t *testing.T) {
	sink := &statusSink{}
	reg := registry.New(registry.Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour}, sink.record, nil)
	go reg.Run()
	t.Cleanup(reg.Stop)

	reg.SubmitRawEvent(transport.RawPeerEvent{
		PeerID: "wifiPeer", ConnectionType: transport.TCPNative,
		Available: true, HostAddress: "127.0.0.1", PortNumber: 1,
	})
	waitForCount(t, sink, 1)

	m := New(Dependencies{Registry: reg})
	m.HandleNetworkChanged(transport.NetworkState{Wifi: false})

	got := waitForCount(t, sink, 2)
	require.False(t, got[1].Available)
}

func TestHandleDiscoveryAdvertisingStateForwardsToRegistry(t *testing.T) {
	var mu sync.Mutex
	var got []transport.DiscoveryAdvertisingState
	reg := registry.New(registry.Thresholds{TCPPeerUnavailability: time.Hour, NonTCPPeerUnavailability: time.Hour},
		func(transport.PeerStatus, transport.HostInfo) {},
		func(state transport.DiscoveryAdvertisingState) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, state)
		})
	go reg.Run()
	t.Cleanup(reg.Stop)

	m := New(Dependencies{Registry: reg})
	m.HandleDiscoveryAdvertisingState(transport.DiscoveryAdvertisingState{DiscoveryActive: true, AdvertisingActive: true})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.True(t, got[0].DiscoveryActive)
}
