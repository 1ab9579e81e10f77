// Package wifi implements WifiTransport (C3): an SSDP advertiser
// broadcasting a USN of the form "peerIdentifier:generation", and an SSDP
// listener that turns received advertisements into
// transport.RawPeerEvent{ConnectionType: transport.TCPNative}. Built on
// github.com/koron/go-ssdp, a domain dependency grounded on
// prysmaticlabs-prysm's NAT/UPnP dependency chain.
package wifi

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/koron/go-ssdp"
	log "github.com/sirupsen/logrus"

	"github.com/thaliproject/thali-go/thalierr"
	"github.com/thaliproject/thali-go/transport"
)

// SearchTarget is the SSDP ST/NT this layer advertises and listens for.
// Peers on other search targets are ignored by the listener.
const SearchTarget = "urn:thali-org:service:replication:1"

// Config configures a Transport.
type Config struct {
	PeerIdentifier string
	// Generation is read at advertise time, so callers can bump it
	// in place (e.g. atomic.Uint32) across restarts of the advertiser.
	Generation func() uint32
	// AdvertisementInterval is the SSDP max-age, in whole seconds,
	// passed straight to go-ssdp's maxAge. It does not set a resend
	// cadence: StartAdvertising sends a single ALIVE and does not repeat
	// it.
	AdvertisementInterval int
	Location               string
	Server                 string
}

// Transport is WifiTransport (C3).
type Transport struct {
	cfg Config

	mu         sync.Mutex
	advertiser *ssdp.Advertiser
	monitor    *ssdp.Monitor
	listening  bool
	advertising bool

	events chan transport.RawPeerEvent
}

// New creates a Transport. Events must be drained by the caller (normally
// the Registry's fan-in goroutine); New does not start any goroutines.
func New(cfg Config, events chan transport.RawPeerEvent) *Transport {
	return &Transport{cfg: cfg, events: events}
}

// StartAdvertising announces this peer's USN with one SSDP ALIVE; no
// periodic re-announcement follows. Idempotent: calling it again while
// already advertising is a no-op.
func (t *Transport) StartAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advertising {
		return nil
	}

	usn := usnFor(t.cfg.PeerIdentifier, t.cfg.Generation())
	adv, err := ssdp.NewAdvertiser(SearchTarget, usn, t.cfg.Location, t.cfg.Server, t.cfg.AdvertisementInterval)
	if err != nil {
		return thalierr.Wrap(thalierr.ErrRadioTurnedOff, err.Error())
	}
	if err := adv.Alive(); err != nil {
		_ = adv.Close()
		return thalierr.Wrap(thalierr.ErrRadioTurnedOff, err.Error())
	}

	t.advertiser = adv
	t.advertising = true
	return nil
}

// StopAdvertising sends a bye-bye and tears down the advertiser.
// Idempotent.
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.advertising {
		return nil
	}
	var err error
	if t.advertiser != nil {
		if byeErr := t.advertiser.Bye(); byeErr != nil {
			log.WithError(byeErr).Warn("wifi transport: bye-bye failed")
		}
		err = t.advertiser.Close()
		t.advertiser = nil
	}
	t.advertising = false
	return err
}

// StartListeningForAdvertisements begins translating received SSDP alive
// and bye-bye messages for SearchTarget into RawPeerEvents. Idempotent:
// calling it N>=1 times yields the same listening state as one call.
func (t *Transport) StartListeningForAdvertisements() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listening {
		return nil
	}

	mon := &ssdp.Monitor{
		Alive: func(m *ssdp.AliveMessage) {
			t.handleAlive(m)
		},
		Bye: func(m *ssdp.ByeMessage) {
			t.handleBye(m)
		},
	}
	if err := mon.Start(); err != nil {
		return thalierr.Wrap(thalierr.ErrRadioTurnedOff, err.Error())
	}

	t.monitor = mon
	t.listening = true
	return nil
}

// StopListeningForAdvertisements tears down the SSDP monitor. Idempotent.
func (t *Transport) StopListeningForAdvertisements() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.listening {
		return nil
	}
	if t.monitor != nil {
		t.monitor.Close()
		t.monitor = nil
	}
	t.listening = false
	return nil
}

// Stop tears down both the advertiser and the listener, silently (no
// RawPeerEvents are emitted as a result, per the stop()-is-silent
// cancellation semantics of spec §5).
func (t *Transport) Stop() {
	_ = t.StopAdvertising()
	_ = t.StopListeningForAdvertisements()
}

func (t *Transport) handleAlive(m *ssdp.AliveMessage) {
	if m.Type != SearchTarget {
		return
	}
	peerID, generation, ok := parseUSN(m.USN)
	if !ok {
		return
	}
	host, port, ok := splitLocation(m.Location)
	if !ok {
		return
	}
	t.emit(transport.RawPeerEvent{
		PeerID:         peerID,
		Generation:     generation,
		Available:      true,
		ConnectionType: transport.TCPNative,
		HostAddress:    host,
		PortNumber:     port,
	})
}

func (t *Transport) handleBye(m *ssdp.ByeMessage) {
	if m.Type != SearchTarget {
		return
	}
	peerID, generation, ok := parseUSN(m.USN)
	if !ok {
		return
	}
	t.emit(transport.RawPeerEvent{
		PeerID:         peerID,
		Generation:     generation,
		Available:      false,
		ConnectionType: transport.TCPNative,
	})
}

func (t *Transport) emit(ev transport.RawPeerEvent) {
	select {
	case t.events <- ev:
	default:
		log.WithField("peer", ev.PeerID).Warn("wifi transport: event channel full, dropping event")
	}
}

func usnFor(peerIdentifier string, generation uint32) string {
	return fmt.Sprintf("%s:%d", peerIdentifier, generation)
}

func parseUSN(usn string) (peerID string, generation uint32, ok bool) {
	idx := strings.LastIndex(usn, ":")
	if idx < 0 {
		return "", 0, false
	}
	peerID = usn[:idx]
	n, err := strconv.ParseUint(usn[idx+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return peerID, uint32(n), true
}

func splitLocation(location string) (host string, port int, ok bool) {
	u := location
	if strings.Contains(u, "://") {
		u = strings.SplitN(u, "://", 2)[1]
	}
	u = strings.TrimSuffix(u, "/")
	host, portStr, err := net.SplitHostPort(u)
	if err != nil {
		return "", 0, false
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, p, true
}
