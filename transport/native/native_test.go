package native

import (
	"testing"
	"time"

	"github.com/thaliproject/thali-go/thalierr"
	"github.com/thaliproject/thali-go/transport"
)

func TestStartAdvertisingIsIdempotent(t *testing.T) {
	bridge := NewFakeBridge()
	events := make(chan transport.RawPeerEvent, 8)
	tr := New(bridge, transport.Bluetooth, "peer-a", events)

	if err := tr.StartAdvertising(1); err != nil {
		t.Fatalf("first StartAdvertising: %v", err)
	}
	if err := tr.StartAdvertising(2); err != nil {
		t.Fatalf("second StartAdvertising: %v", err)
	}
	if tr.generation != 1 {
		t.Fatalf("second call must be a no-op; generation = %d, want 1", tr.generation)
	}
}

func TestStartAdvertisingFailsWhenRadioOff(t *testing.T) {
	bridge := NewFakeBridge()
	bridge.TurnRadioOff()
	tr := New(bridge, transport.Bluetooth, "peer-a", make(chan transport.RawPeerEvent, 1))

	err := tr.StartAdvertising(1)
	if err == nil {
		t.Fatal("expected an error starting advertising with the radio off")
	}
	if err != thalierr.ErrRadioTurnedOff {
		t.Fatalf("got %v, want ErrRadioTurnedOff", err)
	}
}

func TestPeerDiscoveredForwardsToEventChannel(t *testing.T) {
	bridge := NewFakeBridge()
	events := make(chan transport.RawPeerEvent, 8)
	tr := New(bridge, transport.MultiPeerConnectivity, "peer-a", events)

	if err := tr.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	bridge.SetDiscoveryCallback(tr.HandlePeerDiscovered)
	bridge.Discover("peer-b", 3, true, 7000)

	select {
	case ev := <-events:
		if ev.PeerID != "peer-b" || ev.Generation != 3 || !ev.Available || ev.PortNumber != 7000 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.ConnectionType != transport.MultiPeerConnectivity {
			t.Fatalf("got connection type %v, want MultiPeerConnectivity", ev.ConnectionType)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for discovery event")
	}
}

func TestHandleNetworkChangedWifiOffDropsTCPNative(t *testing.T) {
	affected := []transport.RawPeerEvent{{PeerID: "a", ConnectionType: transport.TCPNative, Available: true}}
	out := HandleNetworkChanged(transport.NetworkState{Wifi: false, Bluetooth: true}, transport.TCPNative, affected)
	if len(out) != 1 || out[0].Available {
		t.Fatalf("expected TCP_NATIVE peers to be dropped when wifi is off, got %+v", out)
	}
}

func TestHandleNetworkChangedMPCFRequiresBothRadiosDown(t *testing.T) {
	affected := []transport.RawPeerEvent{{PeerID: "a", ConnectionType: transport.MultiPeerConnectivity, Available: true}}

	out := HandleNetworkChanged(transport.NetworkState{Wifi: true, Bluetooth: false}, transport.MultiPeerConnectivity, affected)
	if out != nil {
		t.Fatalf("expected no-op while wifi is still on, got %+v", out)
	}

	out = HandleNetworkChanged(transport.NetworkState{Wifi: false, Bluetooth: false}, transport.MultiPeerConnectivity, affected)
	if len(out) != 1 || out[0].Available {
		t.Fatalf("expected MPCF peers dropped once both radios are down, got %+v", out)
	}
}
