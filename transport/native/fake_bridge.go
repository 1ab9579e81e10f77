package native

import (
	"sync"

	"github.com/thaliproject/thali-go/thalierr"
)

// FakeBridge is a deterministic in-memory transport.Bridge double for
// tests, grounded on responder/announce.NoopAnnounce's pattern of a
// trivial stand-in for an external radio/network collaborator.
type FakeBridge struct {
	mu sync.Mutex

	RadioOn      bool
	advertising  bool
	listening    bool
	connectPorts map[string]int

	onDiscovered func(peerID string, generation uint32, available bool, port int)
}

// NewFakeBridge returns a FakeBridge with the radio on.
func NewFakeBridge() *FakeBridge {
	return &FakeBridge{RadioOn: true, connectPorts: make(map[string]int)}
}

// SetDiscoveryCallback wires the Transport that will receive discovery
// notifications from this fake's Discover method.
func (f *FakeBridge) SetDiscoveryCallback(cb func(peerID string, generation uint32, available bool, port int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDiscovered = cb
}

func (f *FakeBridge) StartAdvertising(peerIdentifier string, generation uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.RadioOn {
		return thalierr.ErrRadioTurnedOff
	}
	f.advertising = true
	return nil
}

func (f *FakeBridge) StopAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = false
	return nil
}

func (f *FakeBridge) StartListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.RadioOn {
		return thalierr.ErrRadioTurnedOff
	}
	f.listening = true
	return nil
}

func (f *FakeBridge) StopListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
	return nil
}

func (f *FakeBridge) OpenConnection(peerIdentifier string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.RadioOn {
		return 0, thalierr.ErrRadioTurnedOff
	}
	port, ok := f.connectPorts[peerIdentifier]
	if !ok {
		return 0, thalierr.ErrPeerNotAvailable
	}
	return port, nil
}

// SetConnectPort configures what OpenConnection returns for peerIdentifier.
func (f *FakeBridge) SetConnectPort(peerIdentifier string, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectPorts[peerIdentifier] = port
}

// Discover simulates the radio pushing a discovery event up to whatever
// Transport registered a callback via SetDiscoveryCallback.
func (f *FakeBridge) Discover(peerID string, generation uint32, available bool, port int) {
	f.mu.Lock()
	cb := f.onDiscovered
	f.mu.Unlock()
	if cb != nil {
		cb(peerID, generation, available, port)
	}
}

// TurnRadioOff simulates the user disabling the underlying radio.
func (f *FakeBridge) TurnRadioOff() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RadioOn = false
	f.advertising = false
	f.listening = false
}
