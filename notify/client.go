package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thaliproject/thali-go/beacon"
	"github.com/thaliproject/thali-go/metrics"
	"github.com/thaliproject/thali-go/pool"
	"github.com/thaliproject/thali-go/transport"
)

// NotificationBeaconsPath is the fixed HTTP path the beacon stream is
// published and fetched at.
const NotificationBeaconsPath = "/NotificationBeacons"

// AddressBook resolves a beacon's key hash back to the full public key of
// a peer we are authorized to notice, mirroring beacon.AddressBook but
// named at the Client's API boundary.
type AddressBook func(beacon.KeyHash) (beacon.PublicKey, bool)

// HTTPDoer is the minimal *http.Client surface Client needs, so tests can
// substitute a fake transport without a real listener.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is NotificationClient (C7): on every newly-available peer, fetch
// its beacon stream over HTTP using the beacon PSK identity, parse it,
// and on a match enqueue pull replication with the pool.
type Client struct {
	local       *beacon.ECDHKeyPair
	codec       *beacon.Codec
	addressBook AddressBook
	httpClient  HTTPDoer
	pool        *pool.Pool
	replicate   func(ctx context.Context, key transport.PeerKey, remotePublicKey beacon.PublicKey) error

	mu        sync.Mutex
	cancelers map[transport.PeerKey]context.CancelFunc

	// Metrics, if set, records beacon parse hit/miss outcomes. Nil is a
	// valid no-op configuration. Kept here rather than on beacon.Codec
	// so the wire-format package stays free of an instrumentation
	// dependency.
	Metrics *metrics.Metrics
}

// NewClient constructs a Client. replicate performs the actual pull
// replication for a matched peer and is supplied by Manager; Client only
// decides whether and when to call it.
func NewClient(
	local *beacon.ECDHKeyPair,
	codec *beacon.Codec,
	addressBook AddressBook,
	httpClient HTTPDoer,
	workerPool *pool.Pool,
	replicate func(ctx context.Context, key transport.PeerKey, remotePublicKey beacon.PublicKey) error,
) *Client {
	if codec == nil {
		codec = beacon.NewCodec()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		local:       local,
		codec:       codec,
		addressBook: addressBook,
		httpClient:  httpClient,
		pool:        workerPool,
		replicate:   replicate,
		cancelers:   make(map[transport.PeerKey]context.CancelFunc),
	}
}

// HandlePeerStatus is the registry subscription callback: on newly
// available peers it fetches and parses their beacon stream and, on a
// match, submits a pull-replication pool.Action. On unavailability it
// cancels any in-flight fetch/replication for that peer.
func (c *Client) HandlePeerStatus(status transport.PeerStatus, info transport.HostInfo) {
	key := status.Key()

	if !status.Available {
		c.cancel(key)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if prev, ok := c.cancelers[key]; ok {
		prev()
	}
	c.cancelers[key] = cancel
	c.mu.Unlock()

	go c.fetchAndMatch(ctx, key, info)
}

func (c *Client) cancel(key transport.PeerKey) {
	c.mu.Lock()
	cancel, ok := c.cancelers[key]
	delete(c.cancelers, key)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	if c.pool != nil {
		c.pool.Cancel(key)
	}
}

func (c *Client) fetchAndMatch(ctx context.Context, key transport.PeerKey, info transport.HostInfo) {
	stream, err := c.fetchBeaconStream(ctx, info)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).WithField("peer", key.String()).Debug("notify: beacon fetch failed")
		}
		return
	}

	keyHash, matched, err := c.codec.Parse(stream, c.local, beacon.AddressBook(c.addressBook))
	if err != nil {
		log.WithError(err).WithField("peer", key.String()).Warn("notify: malformed beacon stream")
		return
	}
	if !matched {
		if c.Metrics != nil {
			c.Metrics.BeaconParseMiss.Inc()
		}
		return
	}
	if c.Metrics != nil {
		c.Metrics.BeaconParseHit.Inc()
	}

	remotePublicKey, ok := c.addressBook(keyHash)
	if !ok {
		return
	}

	if c.pool == nil || c.replicate == nil {
		return
	}
	c.pool.Submit(pool.Action{
		Key: key,
		Run: func(ctx context.Context) error {
			return c.replicate(ctx, key, remotePublicKey)
		},
	})
}

func (c *Client) fetchBeaconStream(ctx context.Context, info transport.HostInfo) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d%s", info.HostAddress, info.PortNumber, NotificationBeaconsPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(BeaconPSKIdentity, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("notify: unexpected status %d fetching beacon stream", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
