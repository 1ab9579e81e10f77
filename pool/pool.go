// Package pool implements PeerPool (C2): a bounded worker pool that runs
// outbound replication attempts, keyed idempotently by
// (connectionType, peerId) so a second submission for an in-flight key is
// a no-op. It deliberately separates the queue/worker mechanics from the
// scheduling Policy, which decides whether and when a submitted action
// actually executes.
package pool

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/thaliproject/thali-go/metrics"
	"github.com/thaliproject/thali-go/transport"
)

// Action is a unit of replication work submitted to the pool.
type Action struct {
	Key transport.PeerKey
	// Run performs the replication attempt. It must honor ctx
	// cancellation: Pool.Stop cancels every in-flight Run.
	Run func(ctx context.Context) error
}

// Policy decides when a submitted Action actually executes. The default
// ImmediatePolicy is deliberately coarse and unsuitable for production
// fleets; see its docstring.
type Policy interface {
	// Schedule is called once per accepted Action. It calls run(ctx) at
	// least once; a retrying policy such as BackoffPolicy may call it
	// again after a failure and stops once ctx is canceled. Schedule
	// runs on a pool worker goroutine and must not block indefinitely
	// without observing ctx.
	Schedule(ctx context.Context, key transport.PeerKey, run func(ctx context.Context) error)
}

// Pool is a bounded worker pool of N goroutines draining a shared job
// queue, modeled on ptp4u/server.Server's sendWorker fleet: fixed worker
// count, bounded channel, idempotent submission tracked in a
// mutex-guarded map.
type Pool struct {
	policy  Policy
	workers int
	queue   chan Action

	mu       sync.Mutex
	inFlight map[transport.PeerKey]context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// Metrics, if set before Start, is updated with the current
	// in-flight count (and, for a *BackoffPolicy, its running mean
	// attempts) at every submission and completion. Nil is a valid
	// no-op configuration.
	Metrics *metrics.Metrics
}

// New creates a Pool with workers goroutines and the given queue depth.
// A nil policy defaults to ImmediatePolicy{}.
func New(workers, queueSize int, policy Policy) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if policy == nil {
		policy = ImmediatePolicy{}
	}
	p := &Pool{
		policy:   policy,
		workers:  workers,
		queue:    make(chan Action, queueSize),
		inFlight: make(map[transport.PeerKey]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case action, ok := <-p.queue:
			if !ok {
				return
			}
			p.execute(action)
		}
	}
}

func (p *Pool) execute(action Action) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.inFlight[action.Key] = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inFlight, action.Key)
		p.mu.Unlock()
		cancel()
		p.reportMetrics()
	}()

	select {
	case <-p.stopCh:
		// Cancellation semantics: on Stop, in-flight work is canceled
		// and we return without running the action at all if it
		// hasn't started.
		return
	default:
	}

	p.policy.Schedule(ctx, action.Key, action.Run)
}

// Submit enqueues action. If action.Key is already in flight (or already
// queued), Submit is a no-op and returns false.
func (p *Pool) Submit(action Action) bool {
	p.mu.Lock()
	if _, busy := p.inFlight[action.Key]; busy {
		p.mu.Unlock()
		return false
	}
	// Reserve the slot eagerly so two concurrent Submits for the same
	// key can't both enqueue before either starts executing.
	p.inFlight[action.Key] = func() {}
	p.mu.Unlock()

	select {
	case p.queue <- action:
		p.reportMetrics()
		return true
	case <-p.stopCh:
		p.mu.Lock()
		delete(p.inFlight, action.Key)
		p.mu.Unlock()
		return false
	default:
		log.WithField("key", action.Key.String()).Warn("pool queue full, dropping replication action")
		p.mu.Lock()
		delete(p.inFlight, action.Key)
		p.mu.Unlock()
		return false
	}
}

// reportMetrics samples the current in-flight depth and, when running
// under a *BackoffPolicy, its running mean attempts-per-action.
func (p *Pool) reportMetrics() {
	if p.Metrics == nil {
		return
	}
	p.Metrics.PoolInFlight.Set(float64(p.InFlight()))
	if bp, ok := p.policy.(*BackoffPolicy); ok {
		p.Metrics.PoolBackoffMean.Set(bp.MeanAttempts())
	}
}

// Cancel cancels the context of the executing action for key, if any. An
// action that is still waiting in the queue is not affected: it runs when
// a worker picks it up.
func (p *Pool) Cancel(key transport.PeerKey) {
	p.mu.Lock()
	cancel, ok := p.inFlight[key]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels all in-flight actions and waits for every worker to exit.
// Actions still in the queue are never run.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		for _, cancel := range p.inFlight {
			cancel()
		}
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// InFlight returns the number of actions currently queued or executing.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}
