// Package registry implements PeerRegistry (C5), the hardest subcomponent:
// it merges the Wi-Fi and native raw event streams into one deduplicated
// peerAvailabilityChanged stream, tracks per-transport generation
// semantics and unavailability timers, and answers host-info lookups for
// the replication layer.
//
// All state lives on a single goroutine (the run loop), modeled on
// ptp4u/server.Server's single dispatcher pattern: every external signal
// arrives as a message on a channel and is folded into state in program
// order, so there is never a lock to reason about across transitions.
package registry

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thaliproject/thali-go/metrics"
	"github.com/thaliproject/thali-go/transport"
	"github.com/thaliproject/thali-go/transport/native"
)

// Thresholds configures the unavailability timers and the Bluetooth
// generation-rollover quiescence window (spec §6).
type Thresholds struct {
	TCPPeerUnavailability    time.Duration
	NonTCPPeerUnavailability time.Duration
	UpdateWindowsForeground  time.Duration
}

type entry struct {
	key         transport.PeerKey
	generation  uint32
	hostAddress string
	portNumber  int
	lastSeen    time.Time
	timer       *time.Timer
}

func (e *entry) hostPort() (string, int) {
	return e.hostAddress, e.portNumber
}

// Registry is PeerRegistry (C5).
type Registry struct {
	thresholds Thresholds

	raw     chan rawSignal
	lookups chan lookupRequest
	dump    chan dumpRequest
	stop    chan chan struct{}

	onStatus            func(transport.PeerStatus, transport.HostInfo)
	onDiscoveryAdvState func(transport.DiscoveryAdvertisingState)

	// Bridge is consulted for MultiPeerConnectivity host-info lookups,
	// whose cached address/port are always empty (spec §4.5: iOS peers
	// "carry neither", the connection is opened on demand). Nil on
	// platforms with no native bridge; MPCF lookups then fail outright.
	Bridge transport.Bridge

	// Metrics, if set before Run is called, receives per-event counters
	// at every fold point. Nil is a valid no-op configuration.
	Metrics *metrics.Metrics

	entries map[transport.PeerKey]*entry
	lastDiscoveryAdvState *transport.DiscoveryAdvertisingState
}

type rawSignal struct {
	event             *transport.RawPeerEvent
	networkChanged    *networkChangedSignal
	discoveryAdvState *transport.DiscoveryAdvertisingState
	listenerRecreated *listenerRecreatedSignal
	timerExpired      *transport.PeerKey
}

type networkChangedSignal struct {
	state          transport.NetworkState
	connectionType transport.ConnectionType
}

type listenerRecreatedSignal struct {
	connectionType transport.ConnectionType
	recreated      transport.ListenerRecreated
}

type lookupRequest struct {
	key    transport.PeerKey
	result chan lookupResult
}

type lookupResult struct {
	info transport.HostInfo
	err  error
}

type dumpRequest struct {
	result chan []transport.PeerStatus
}

// New constructs a Registry. onStatus and onDiscoveryAdvState are called
// synchronously from the run loop goroutine for every emitted event;
// callers that need to fan out further must not block in them. Set
// Bridge and Metrics on the returned Registry before calling Run, if
// needed.
func New(thresholds Thresholds, onStatus func(transport.PeerStatus, transport.HostInfo), onDiscoveryAdvState func(transport.DiscoveryAdvertisingState)) *Registry {
	return &Registry{
		thresholds:          thresholds,
		raw:                 make(chan rawSignal, 256),
		lookups:             make(chan lookupRequest),
		dump:                make(chan dumpRequest),
		stop:                make(chan chan struct{}),
		onStatus:            onStatus,
		onDiscoveryAdvState: onDiscoveryAdvState,
		entries:             make(map[transport.PeerKey]*entry),
	}
}

// Run is the single-owner event loop. Call it in its own goroutine; Stop
// terminates it.
func (r *Registry) Run() {
	for {
		select {
		case sig := <-r.raw:
			r.handle(sig)
		case req := <-r.lookups:
			req.result <- r.lookup(req.key)
		case req := <-r.dump:
			req.result <- r.snapshot()
		case done := <-r.stop:
			r.drainSilently()
			close(done)
			return
		}
	}
}

// Stop cancels all timers and drains every entry without emitting
// unavailability events (spec §5: "stop is silent").
func (r *Registry) Stop() {
	done := make(chan struct{})
	r.stop <- done
	<-done
}

func (r *Registry) drainSilently() {
	for _, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	r.entries = make(map[transport.PeerKey]*entry)
}

// SubmitRawEvent feeds a transport.RawPeerEvent into the registry.
func (r *Registry) SubmitRawEvent(ev transport.RawPeerEvent) {
	r.raw <- rawSignal{event: &ev}
}

// SubmitNetworkChanged feeds a networkChangedNonTCP radio-state
// transition for the given native connection type.
func (r *Registry) SubmitNetworkChanged(state transport.NetworkState, connectionType transport.ConnectionType) {
	r.raw <- rawSignal{networkChanged: &networkChangedSignal{state: state, connectionType: connectionType}}
}

// SubmitDiscoveryAdvertisingState feeds a
// discoveryAdvertisingStateUpdateNonTCPEvent.
func (r *Registry) SubmitDiscoveryAdvertisingState(state transport.DiscoveryAdvertisingState) {
	r.raw <- rawSignal{discoveryAdvState: &state}
}

// SubmitListenerRecreated feeds a listenerRecreatedAfterFailure signal.
func (r *Registry) SubmitListenerRecreated(connectionType transport.ConnectionType, recreated transport.ListenerRecreated) {
	r.raw <- rawSignal{listenerRecreated: &listenerRecreatedSignal{connectionType: connectionType, recreated: recreated}}
}

// GetPeerHostInfo implements getPeerHostInfo.
func (r *Registry) GetPeerHostInfo(key transport.PeerKey) (transport.HostInfo, error) {
	result := make(chan lookupResult, 1)
	r.lookups <- lookupRequest{key: key, result: result}
	res := <-result
	return res.info, res.err
}

// Snapshot returns the currently cached entries as PeerStatus values, for
// debugging/admin surfaces.
func (r *Registry) Snapshot() []transport.PeerStatus {
	result := make(chan []transport.PeerStatus, 1)
	r.dump <- dumpRequest{result: result}
	return <-result
}

func (r *Registry) lookup(key transport.PeerKey) lookupResult {
	e, ok := r.entries[key]
	if !ok {
		return lookupResult{err: errPeerNotAvailable}
	}
	if key.ConnectionType == transport.MultiPeerConnectivity && r.Bridge == nil {
		return lookupResult{err: errPeerNotAvailable}
	}
	return lookupResult{info: r.hostInfo(e)}
}

func (r *Registry) snapshot() []transport.PeerStatus {
	out := make([]transport.PeerStatus, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, transport.PeerStatus{
			PeerID:         e.key.PeerID,
			ConnectionType: e.key.ConnectionType,
			Generation:     e.generation,
			Available:      true,
			NewAddressPort: transport.BoolPtr(false),
		})
	}
	return out
}

func suggestedTCPTimeout(ct transport.ConnectionType) int {
	if ct == transport.TCPNative {
		return 10
	}
	return 30
}

func (r *Registry) handle(sig rawSignal) {
	switch {
	case sig.event != nil:
		r.handleRawEvent(*sig.event)
	case sig.networkChanged != nil:
		r.handleNetworkChanged(*sig.networkChanged)
	case sig.discoveryAdvState != nil:
		r.handleDiscoveryAdvState(*sig.discoveryAdvState)
	case sig.listenerRecreated != nil:
		r.handleListenerRecreated(*sig.listenerRecreated)
	case sig.timerExpired != nil:
		r.handleTimerExpired(*sig.timerExpired)
	}
}

func (r *Registry) handleRawEvent(ev transport.RawPeerEvent) {
	key := transport.PeerKey{ConnectionType: ev.ConnectionType, PeerID: ev.PeerID}

	if !ev.Available {
		r.handleExplicitUnavailable(key)
		return
	}

	existing, cached := r.entries[key]

	if cached && !acceptGeneration(ev.ConnectionType, existing, ev, r.thresholds) {
		return
	}

	if cached &&
		existing.hostAddress == ev.HostAddress &&
		existing.portNumber == ev.PortNumber &&
		existing.generation == ev.Generation {
		// Identical tuple: no PeerStatus is emitted, but spec §4.5 still
		// counts this as an accepted observation, so the liveness timer
		// resets. SSDP resends ALIVE with an unchanged USN every cadence;
		// without this a continuously-present peer would be declared
		// unavailable out from under a still-advertising radio.
		r.resetTimer(existing)
		r.reportDebounced(ev.ConnectionType)
		return
	}

	var newAddressPort bool
	if cached {
		newAddressPort = existing.hostAddress != ev.HostAddress || existing.portNumber != ev.PortNumber
	}

	e := r.upsertEntry(key, ev.Generation, ev.HostAddress, ev.PortNumber)
	r.emitStatus(transport.PeerStatus{
		PeerID:         ev.PeerID,
		ConnectionType: ev.ConnectionType,
		Generation:     ev.Generation,
		Available:      true,
		NewAddressPort: transport.BoolPtr(newAddressPort),
	}, r.hostInfo(e))
	r.resetTimer(e)
	r.reportAccepted(ev.ConnectionType)
	r.reportSize()
}

func acceptGeneration(ct transport.ConnectionType, existing *entry, ev transport.RawPeerEvent, th Thresholds) bool {
	switch ct {
	case transport.MultiPeerConnectivity:
		return generationGreater(ev.Generation, existing.generation)
	case transport.Bluetooth:
		if ev.Generation != existing.generation {
			return true
		}
		return time.Since(existing.lastSeen) >= th.UpdateWindowsForeground
	default: // TCPNative
		return true
	}
}

// generationGreater compares two values of an unsigned counter assuming
// no wraparound (MPCF generations are strictly monotonic, per spec §4.5).
func generationGreater(candidate, current uint32) bool {
	return candidate > current
}

func (r *Registry) handleExplicitUnavailable(key transport.PeerKey) {
	e, cached := r.entries[key]
	if !cached {
		// Spec §4.5: "if not cached it is ignored (no spurious
		// unavailability emission)."
		return
	}
	r.removeEntry(key, e)
	r.emitStatus(transport.PeerStatus{
		PeerID:         key.PeerID,
		ConnectionType: key.ConnectionType,
		Generation:     e.generation,
		Available:      false,
		NewAddressPort: nil,
	}, transport.HostInfo{})
	r.reportUnavailability("explicit")
	r.reportSize()
}

func (r *Registry) handleTimerExpired(key transport.PeerKey) {
	e, cached := r.entries[key]
	if !cached {
		return
	}
	r.removeEntry(key, e)
	r.emitStatus(transport.PeerStatus{
		PeerID:         key.PeerID,
		ConnectionType: key.ConnectionType,
		Generation:     e.generation,
		Available:      false,
		NewAddressPort: nil,
	}, transport.HostInfo{})
	r.reportUnavailability("timeout")
	r.reportSize()
}

func (r *Registry) handleListenerRecreated(sig listenerRecreatedSignal) {
	key := transport.PeerKey{ConnectionType: sig.connectionType, PeerID: sig.recreated.PeerIdentifier}
	e, cached := r.entries[key]
	if !cached {
		return
	}
	e.hostAddress, e.portNumber = "", sig.recreated.PortNumber
	e.lastSeen = time.Now()
	r.resetTimer(e)
	r.emitStatus(transport.PeerStatus{
		PeerID:         key.PeerID,
		ConnectionType: key.ConnectionType,
		Generation:     e.generation,
		Available:      true,
		// listenerRecreatedAfterFailure is always an address change even
		// when the port is bit-identical to the cached one.
		NewAddressPort: transport.BoolPtr(true),
	}, r.hostInfo(e))
}

// handleNetworkChanged delegates the radio-down decision to
// native.HandleNetworkChanged, which holds the Wi-Fi/Bluetooth/MPCF
// fallback rules; the Registry only supplies the affected peer list,
// since unlike NativeTransport it is the one thing that holds it.
func (r *Registry) handleNetworkChanged(sig networkChangedSignal) {
	affected := make([]transport.RawPeerEvent, 0, len(r.entries))
	for key, e := range r.entries {
		if key.ConnectionType != sig.connectionType {
			continue
		}
		affected = append(affected, transport.RawPeerEvent{
			PeerID:         key.PeerID,
			ConnectionType: key.ConnectionType,
			Generation:     e.generation,
			Available:      true,
		})
	}

	for _, ev := range native.HandleNetworkChanged(sig.state, sig.connectionType, affected) {
		key := transport.PeerKey{ConnectionType: ev.ConnectionType, PeerID: ev.PeerID}
		e, cached := r.entries[key]
		if !cached {
			continue
		}
		r.removeEntry(key, e)
		r.emitStatus(transport.PeerStatus{
			PeerID:         key.PeerID,
			ConnectionType: key.ConnectionType,
			Generation:     e.generation,
			Available:      false,
			NewAddressPort: nil,
		}, transport.HostInfo{})
		r.reportUnavailability("network_changed")
	}
	r.reportSize()
}

func (r *Registry) handleDiscoveryAdvState(state transport.DiscoveryAdvertisingState) {
	if r.lastDiscoveryAdvState != nil && *r.lastDiscoveryAdvState == state {
		return
	}
	cp := state
	r.lastDiscoveryAdvState = &cp
	if r.onDiscoveryAdvState != nil {
		r.onDiscoveryAdvState(state)
	}
}

func (r *Registry) upsertEntry(key transport.PeerKey, generation uint32, host string, port int) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{key: key}
		r.entries[key] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}
	e.generation = generation
	e.hostAddress = host
	e.portNumber = port
	e.lastSeen = time.Now()
	return e
}

func (r *Registry) removeEntry(key transport.PeerKey, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.entries, key)
}

func (r *Registry) resetTimer(e *entry) {
	threshold := r.thresholds.NonTCPPeerUnavailability
	if e.key.ConnectionType == transport.TCPNative {
		threshold = r.thresholds.TCPPeerUnavailability
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	key := e.key
	e.timer = time.AfterFunc(threshold, func() {
		r.raw <- rawSignal{timerExpired: &key}
	})
}

// hostInfo builds the HostInfo for an available entry, read directly off
// the owning goroutine's state. Handing this to onStatus alongside the
// PeerStatus lets callers avoid a synchronous GetPeerHostInfo round trip
// back into the Registry from inside its own callback, which would
// deadlock against the run loop.
//
// MultiPeerConnectivity entries never carry a cached address/port (spec
// §4.5: iOS peers "carry neither"); for those, a connection is opened
// on demand via Bridge and the newly bound local forwarder's port is
// substituted in. This runs on the run loop goroutine, so it briefly
// stalls processing of other signals for the duration of the dial — an
// accepted tradeoff since on-demand MPCF connections are per-peer and
// far less frequent than the raw event stream.
func (r *Registry) hostInfo(e *entry) transport.HostInfo {
	host, port := e.hostAddress, e.portNumber
	if e.key.ConnectionType == transport.MultiPeerConnectivity && r.Bridge != nil {
		opened, err := r.Bridge.OpenConnection(e.key.PeerID)
		if err != nil {
			log.WithError(err).WithField("peer", e.key.PeerID).
				Debug("registry: mpcf on-demand connection failed")
		} else {
			host, port = "127.0.0.1", opened
		}
	}
	return transport.HostInfo{
		HostAddress:         host,
		PortNumber:          port,
		SuggestedTCPTimeout: suggestedTCPTimeout(e.key.ConnectionType),
	}
}

func (r *Registry) reportAccepted(ct transport.ConnectionType) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.RawEventsAccepted.WithLabelValues(ct.String()).Inc()
}

func (r *Registry) reportDebounced(ct transport.ConnectionType) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.RawEventsDebounced.WithLabelValues(ct.String()).Inc()
}

func (r *Registry) reportUnavailability(cause string) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.UnavailabilityFire.WithLabelValues(cause).Inc()
}

// reportSize recomputes the live entry count per connection type and
// sets the registry size gauge, including zero for types with no
// entries so a drained type doesn't leave a stale nonzero reading.
func (r *Registry) reportSize() {
	if r.Metrics == nil {
		return
	}
	counts := map[transport.ConnectionType]int{
		transport.TCPNative:             0,
		transport.Bluetooth:             0,
		transport.MultiPeerConnectivity: 0,
	}
	for key := range r.entries {
		counts[key.ConnectionType]++
	}
	for ct, n := range counts {
		r.Metrics.RegistrySize.WithLabelValues(ct.String()).Set(float64(n))
	}
}

func (r *Registry) emitStatus(status transport.PeerStatus, info transport.HostInfo) {
	log.WithField("peer", status.PeerID).
		WithField("connection_type", status.ConnectionType.String()).
		WithField("available", status.Available).
		Debug("registry: emitting peerAvailabilityChanged")
	if r.onStatus != nil {
		r.onStatus(status, info)
	}
}
