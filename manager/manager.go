// Package manager implements Manager (C8): the lifecycle orchestrator
// that wires C3 through C7 together, mounts the HTTP router with its
// two-stage PSK-role admission middleware, and enforces the fixed
// start/stop ordering and explicit state machine from spec §4.8 and
// Design Note 9 ("Promise-chained start sequence" replaced with
// Stopped → Starting → Running → Stopping → Stopped).
package manager

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/thaliproject/thali-go/beacon"
	"github.com/thaliproject/thali-go/docstore"
	"github.com/thaliproject/thali-go/metrics"
	"github.com/thaliproject/thali-go/notify"
	"github.com/thaliproject/thali-go/pool"
	"github.com/thaliproject/thali-go/registry"
	"github.com/thaliproject/thali-go/thalierr"
	"github.com/thaliproject/thali-go/transport"
	"github.com/thaliproject/thali-go/transport/native"
	"github.com/thaliproject/thali-go/transport/wifi"
)

// state is Manager's lifecycle state machine.
type state int

const (
	stateStopped state = iota
	stateStarting
	stateRunning
	stateStopping
)

func (s state) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Dependencies bundles everything Manager wires together. All fields are
// required except NativeBridge and Store, which may be nil on platforms
// without a native radio or document store configured, and Metrics.
type Dependencies struct {
	Local          *beacon.ECDHKeyPair
	Codec          *beacon.Codec
	PeerIdentifier string

	Registry      *registry.Registry
	Pool          *pool.Pool
	Sender        *notify.Sender
	NativeBridge  transport.Bridge
	NativeKind    transport.ConnectionType // transport.Bluetooth or transport.MultiPeerConnectivity
	Store         docstore.Store
	LocalSeqPrefix string

	// Metrics, if set, is wired into the NotificationClient constructed
	// by Start. Nil is a valid no-op configuration.
	Metrics *metrics.Metrics

	Replicate func(ctx context.Context, key transport.PeerKey, remotePublicKey beacon.PublicKey) error

	WifiConfig wifi.Config
}

// Manager is the lifecycle orchestrator, C8.
type Manager struct {
	deps Dependencies

	mu    sync.Mutex
	st    state
	wifiT *wifi.Transport
	natT  *native.Transport
	client *notify.Client
	router *mux.Router
	rawEvents chan transport.RawPeerEvent
}

// New constructs a Manager in the Stopped state. If both a Registry and
// a NativeBridge are supplied, the bridge is wired into the Registry so
// MultiPeerConnectivity host-info lookups can open their on-demand
// connection (spec §4.5).
func New(deps Dependencies) *Manager {
	if deps.Registry != nil && deps.NativeBridge != nil {
		deps.Registry.Bridge = deps.NativeBridge
	}
	return &Manager{deps: deps, st: stateStopped}
}

// Start brings the Manager from Stopped to Running, in the fixed order
// from spec §4.8: C7.start(remoteKeys) → mobile.start(router,
// pskIdToSecret) → start listening for advertisements → start
// advertising+listening → C6.start(remoteKeys).
//
// start is not idempotent across differing arguments: a second call
// while already Starting/Running fails with ErrAlreadyStarted.
func (m *Manager) Start(remoteKeys []beacon.PublicKey, beaconExpiration int64) (http.Handler, error) {
	m.mu.Lock()
	if m.st != stateStopped {
		m.mu.Unlock()
		return nil, thalierr.Wrap(thalierr.ErrAlreadyStarted, "manager already "+m.st.String())
	}
	m.st = stateStarting
	m.mu.Unlock()

	m.rawEvents = make(chan transport.RawPeerEvent, 256)

	// C7: NotificationClient, subscribed to the registry via HandlePeerStatus.
	addressBook := func(h beacon.KeyHash) (beacon.PublicKey, bool) {
		for _, pk := range remoteKeys {
			if beacon.KeyHashOf(pk) == h {
				return pk, true
			}
		}
		return nil, false
	}
	m.client = notify.NewClient(m.deps.Local, m.deps.Codec, addressBook, nil, m.deps.Pool, m.deps.Replicate)
	m.client.Metrics = m.deps.Metrics

	// mobile.start(router, pskIdToSecret): build the HTTP router with the
	// admission middleware bound to the Sender's live PSK snapshot.
	m.router = m.buildRouter()

	// Start listening for advertisements before advertising, per the
	// fixed ordering: a peer must be discoverable before it announces
	// itself to avoid missing its own reflection.
	m.wifiT = wifi.New(m.deps.WifiConfig, m.rawEvents)
	if err := m.wifiT.StartListeningForAdvertisements(); err != nil {
		m.rollbackToStopped()
		return nil, err
	}

	if m.deps.NativeBridge != nil {
		m.natT = native.New(m.deps.NativeBridge, m.deps.NativeKind, m.deps.PeerIdentifier, m.rawEvents)
		if err := m.natT.StartListening(); err != nil {
			m.rollbackToStopped()
			return nil, err
		}
	}

	if err := m.wifiT.StartAdvertising(); err != nil {
		m.rollbackToStopped()
		return nil, err
	}
	if m.natT != nil {
		if err := m.natT.StartAdvertising(0); err != nil {
			m.rollbackToStopped()
			return nil, err
		}
	}

	go m.pumpRawEvents()

	// C6.start(remoteKeys): publish the initial beacon stream last, so it
	// is never served before the transports that make this peer
	// reachable are already up.
	if err := m.deps.Sender.SetBeaconKeys(remoteKeys, time.Duration(beaconExpiration)*time.Second); err != nil {
		m.rollbackToStopped()
		return nil, err
	}

	m.mu.Lock()
	m.st = stateRunning
	m.mu.Unlock()

	return m.router, nil
}

func (m *Manager) rollbackToStopped() {
	m.mu.Lock()
	m.st = stateStopped
	m.mu.Unlock()
}

func (m *Manager) pumpRawEvents() {
	for ev := range m.rawEvents {
		m.deps.Registry.SubmitRawEvent(ev)
	}
}

// HandleNetworkChanged forwards a native radio-state transition to the
// Registry for both TCP_NATIVE (Wi-Fi) and the configured native kind.
// Like HandlePeerDiscovered on NativeTransport, this is the surface the
// platform bridge glue calls from its own goroutine whenever the OS
// reports a Wi-Fi/Bluetooth state change. It forwards whenever a Registry
// was supplied, Start or no Start; the native-kind transition is only
// forwarded once Start has created the NativeTransport.
func (m *Manager) HandleNetworkChanged(state transport.NetworkState) {
	m.mu.Lock()
	reg, natT, kind := m.deps.Registry, m.natT, m.deps.NativeKind
	m.mu.Unlock()
	if reg == nil {
		return
	}
	reg.SubmitNetworkChanged(state, transport.TCPNative)
	if natT != nil {
		reg.SubmitNetworkChanged(state, kind)
	}
}

// HandleDiscoveryAdvertisingState forwards a
// discoveryAdvertisingStateUpdateNonTCPEvent to the Registry.
func (m *Manager) HandleDiscoveryAdvertisingState(state transport.DiscoveryAdvertisingState) {
	m.mu.Lock()
	reg := m.deps.Registry
	m.mu.Unlock()
	if reg == nil {
		return
	}
	reg.SubmitDiscoveryAdvertisingState(state)
}

// HandleListenerRecreated forwards a listenerRecreatedAfterFailure
// signal for the configured native connection type to the Registry,
// after routing it through NativeTransport's own bookkeeping.
func (m *Manager) HandleListenerRecreated(recreated transport.ListenerRecreated) {
	m.mu.Lock()
	reg, natT, kind := m.deps.Registry, m.natT, m.deps.NativeKind
	m.mu.Unlock()
	if reg == nil || natT == nil {
		return
	}
	reg.SubmitListenerRecreated(kind, natT.HandleListenerRecreated(recreated))
}

// DispatchPeerStatus is the callback the caller must wire as deps.Registry's
// onStatus handler (registry.New's second argument) before passing the
// Registry into Dependencies. It forwards every emitted PeerStatus to C7
// once the Manager has one; events observed before Start (nothing should
// be driving the registry yet) or after Stop are dropped.
//
// info is supplied by the Registry itself at emission time rather than
// looked up here: a synchronous GetPeerHostInfo call from inside this
// callback would deadlock, since the Registry invokes onStatus from its
// own single-owner run loop goroutine.
func (m *Manager) DispatchPeerStatus(status transport.PeerStatus, info transport.HostInfo) {
	m.mu.Lock()
	client := m.client
	running := m.st == stateRunning || m.st == stateStarting
	m.mu.Unlock()
	if client == nil || !running {
		return
	}
	client.HandlePeerStatus(status, info)
}

// Stop brings the Manager from Running to Stopped, mirroring Start's
// order in reverse. Calling Stop while already Stopped is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.st == stateStopped {
		m.mu.Unlock()
		return nil
	}
	m.st = stateStopping
	m.mu.Unlock()

	m.deps.Sender.Stop()

	if m.natT != nil {
		_ = m.natT.StopAdvertising()
	}
	_ = m.wifiT.StopAdvertising()

	if m.natT != nil {
		_ = m.natT.StopListening()
	}
	_ = m.wifiT.StopListeningForAdvertisements()

	if m.rawEvents != nil {
		close(m.rawEvents)
	}

	m.mu.Lock()
	m.st = stateStopped
	m.mu.Unlock()
	return nil
}
