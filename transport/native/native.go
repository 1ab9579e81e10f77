// Package native implements NativeTransport (C4): the thin driver that
// turns a transport.Bridge (the actual Bluetooth/MultiPeerConnectivity
// radio stack, out of scope for this repository) into RawPeerEvents, and
// reacts to the three native-only signals spec §5 names: network state
// changes, discovery/advertising state updates and listener recreation
// after failure.
package native

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/thaliproject/thali-go/thalierr"
	"github.com/thaliproject/thali-go/transport"
)

// Transport drives a transport.Bridge and republishes discovered peers as
// transport.RawPeerEvent values on the channel it was built with.
// Listener recreation is handed back to the caller by
// HandleListenerRecreated; discovery/advertising state is not handled
// here.
type Transport struct {
	bridge         transport.Bridge
	connectionType transport.ConnectionType
	peerIdentifier string

	events chan transport.RawPeerEvent

	mu           sync.Mutex
	advertising  bool
	listening    bool
	generation   uint32
}

// New builds a Transport for the given Bridge. connectionType must be
// transport.Bluetooth or transport.MultiPeerConnectivity.
func New(bridge transport.Bridge, connectionType transport.ConnectionType, peerIdentifier string, events chan transport.RawPeerEvent) *Transport {
	return &Transport{
		bridge:         bridge,
		connectionType: connectionType,
		peerIdentifier: peerIdentifier,
		events:         events,
	}
}

// StartAdvertising begins broadcasting this peer over the native radio at
// the given generation. Idempotent.
func (t *Transport) StartAdvertising(generation uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advertising {
		return nil
	}
	if err := t.bridge.StartAdvertising(t.peerIdentifier, generation); err != nil {
		return err
	}
	t.generation = generation
	t.advertising = true
	return nil
}

// StopAdvertising is idempotent.
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.advertising {
		return nil
	}
	err := t.bridge.StopAdvertising()
	t.advertising = false
	return err
}

// StartListening begins draining native discovery events via the bridge
// into RawPeerEvents. Idempotent.
func (t *Transport) StartListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listening {
		return nil
	}
	if err := t.bridge.StartListening(); err != nil {
		return err
	}
	t.listening = true
	return nil
}

// StopListening is idempotent.
func (t *Transport) StopListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.listening {
		return nil
	}
	err := t.bridge.StopListening()
	t.listening = false
	return err
}

// HandlePeerDiscovered is called by the Bridge implementation (from its
// own goroutine) whenever it discovers or loses a peer. NativeTransport
// does not poll the bridge; the bridge pushes.
func (t *Transport) HandlePeerDiscovered(peerID string, generation uint32, available bool, portNumber int) {
	t.emit(transport.RawPeerEvent{
		PeerID:         peerID,
		Generation:     generation,
		Available:      available,
		ConnectionType: t.connectionType,
		PortNumber:     portNumber,
	})
}

// HandleListenerRecreated reports a local listener that was torn down and
// rebuilt for peerIdentifier, e.g. after an OS-level connection failure.
// Per spec §5 this must be treated as an address change even when the new
// port number happens to match the old one, so the caller (Registry)
// cannot fold it into a no-op debounce the way it would a repeat
// RawPeerEvent; it is surfaced as its own event shape.
func (t *Transport) HandleListenerRecreated(recreated transport.ListenerRecreated) transport.ListenerRecreated {
	log.WithField("peer", recreated.PeerIdentifier).WithField("port", recreated.PortNumber).
		Info("native transport: listener recreated after failure")
	return recreated
}

// HandleNetworkChanged reacts to a radio on/off transition. It returns the
// set of RawPeerEvents the Registry should fold in to force the affected
// peers unavailable; NativeTransport itself holds no peer state, so the
// actual peer list to invalidate is supplied by the caller (Registry,
// which does hold that state) via affectedPeers.
//
// Per spec §5: Wi-Fi off drops all TCP_NATIVE peers; Bluetooth off drops
// all BLUETOOTH peers; MultiPeerConnectivity is only considered
// unavailable when BOTH Wi-Fi and Bluetooth are off (iOS can fall back to
// either radio transparently).
func HandleNetworkChanged(state transport.NetworkState, connectionType transport.ConnectionType, affectedPeers []transport.RawPeerEvent) []transport.RawPeerEvent {
	var radioDown bool
	switch connectionType {
	case transport.TCPNative:
		radioDown = !state.Wifi
	case transport.Bluetooth:
		radioDown = !state.Bluetooth
	case transport.MultiPeerConnectivity:
		radioDown = !state.Wifi && !state.Bluetooth
	}
	if !radioDown {
		return nil
	}
	out := make([]transport.RawPeerEvent, 0, len(affectedPeers))
	for _, ev := range affectedPeers {
		ev.Available = false
		out = append(out, ev)
	}
	return out
}

func (t *Transport) emit(ev transport.RawPeerEvent) {
	select {
	case t.events <- ev:
	default:
		log.WithField("peer", ev.PeerID).Warn("native transport: event channel full, dropping event")
	}
}

// ErrBridgeUnavailable wraps thalierr.ErrRadioTurnedOff for bridges that
// cannot currently service a request (radio off, permission denied, etc).
func ErrBridgeUnavailable(detail string) error {
	return thalierr.Wrap(thalierr.ErrRadioTurnedOff, detail)
}
