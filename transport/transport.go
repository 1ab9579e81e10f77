// Package transport holds the types shared by every link-layer transport
// (Wi-Fi SSDP and the native non-TCP radio) and the single event shape the
// PeerRegistry consumes from both of them.
package transport

import "fmt"

// ConnectionType identifies which link layer a peer was discovered on.
// Exactly one non-TCP type is active per platform: Bluetooth and
// MultiPeerConnectivity never coexist in a single process.
type ConnectionType int

const (
	// TCPNative is the Wi-Fi (SSDP) transport.
	TCPNative ConnectionType = iota
	// Bluetooth is the Android non-TCP native transport.
	Bluetooth
	// MultiPeerConnectivity is the iOS non-TCP native transport.
	MultiPeerConnectivity
)

func (c ConnectionType) String() string {
	switch c {
	case TCPNative:
		return "TCP_NATIVE"
	case Bluetooth:
		return "BLUETOOTH"
	case MultiPeerConnectivity:
		return "MULTI_PEER_CONNECTIVITY"
	default:
		return fmt.Sprintf("ConnectionType(%d)", int(c))
	}
}

// RawPeerEvent is the unified shape emitted by both WifiTransport and
// NativeTransport before the Registry debounces and folds it into state.
//
// Wi-Fi peers always carry HostAddress+PortNumber when Available. Native
// peers carry PortNumber only (HostAddress is loopback) on Android, and
// neither on iOS, where the connection is opened on demand.
type RawPeerEvent struct {
	PeerID         string
	Generation     uint32
	Available      bool
	ConnectionType ConnectionType
	HostAddress    string
	PortNumber     int
}

// HasAddressPort reports whether both HostAddress and PortNumber are set.
func (e RawPeerEvent) HasAddressPort() bool {
	return e.HostAddress != "" && e.PortNumber != 0
}

// PeerKey identifies a PeerRegistry entry.
type PeerKey struct {
	ConnectionType ConnectionType
	PeerID         string
}

func (k PeerKey) String() string {
	return fmt.Sprintf("%s/%s", k.ConnectionType, k.PeerID)
}

// PeerStatus is the deduplicated, emitted availability transition.
type PeerStatus struct {
	PeerID         string
	ConnectionType ConnectionType
	Generation     uint32
	Available      bool
	// NewAddressPort is nil on unavailability events, false on first
	// discovery, true when host or port changed versus the prior cached
	// entry, false otherwise.
	NewAddressPort *bool
}

// Key returns the PeerKey this status refers to.
func (s PeerStatus) Key() PeerKey {
	return PeerKey{ConnectionType: s.ConnectionType, PeerID: s.PeerID}
}

// BoolPtr is a small convenience constructor used throughout the registry
// to populate PeerStatus.NewAddressPort.
func BoolPtr(b bool) *bool {
	return &b
}

// NetworkState carries a networkChangedNonTCP radio-state transition.
type NetworkState struct {
	Wifi              bool
	Bluetooth         bool
	BluetoothLowEnergy bool
	Cellular          bool
	BSSIDName         string
}

// DiscoveryAdvertisingState mirrors discoveryAdvertisingStateUpdateNonTCPEvent.
type DiscoveryAdvertisingState struct {
	DiscoveryActive   bool
	AdvertisingActive bool
}

// ListenerRecreated mirrors listenerRecreatedAfterFailure: a local listener
// port bound to a native peer was recreated and must be treated as an
// address change even if the port is bit-identical to the prior one.
type ListenerRecreated struct {
	PeerIdentifier string
	PortNumber     int
}

// Bridge is the native mobile radio control surface (Bluetooth/Multipeer
// Connectivity) that NativeTransport drives. The radio stacks themselves
// are out of scope for this layer (spec §1); Bridge is the only interface
// this repository consumes from them.
type Bridge interface {
	// StartAdvertising begins broadcasting peerIdentifier:generation over
	// the native radio. Returns ErrRadioTurnedOff if the radio is off.
	StartAdvertising(peerIdentifier string, generation uint32) error
	// StopAdvertising is idempotent.
	StopAdvertising() error
	// StartListening begins emitting RawPeerEvents for discovered peers.
	// Returns ErrRadioTurnedOff if the radio is off.
	StartListening() error
	// StopListening is idempotent.
	StopListening() error
	// OpenConnection opens an on-demand connection to peerIdentifier (the
	// iOS MultiPeerConnectivity case) and returns the local forwarder port
	// a caller should dial instead of peerIdentifier directly.
	OpenConnection(peerIdentifier string) (port int, err error)
}

// HostInfo is returned by Registry.GetPeerHostInfo.
type HostInfo struct {
	HostAddress         string
	PortNumber          int
	SuggestedTCPTimeout int
}
