package pool

import (
	"context"
	"math/rand"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/thaliproject/thali-go/transport"
)

// ImmediatePolicy runs every submitted action immediately with no
// backoff.
//
// WARNING: this policy exists for local testing and as the simplest
// possible default. A production deployment that retries against flaky
// radios or congested peers MUST replace it with something that backs
// off — e.g. BackoffPolicy — or a single bad peer can burn every pool
// worker in a tight retry loop.
type ImmediatePolicy struct{}

func (ImmediatePolicy) Schedule(ctx context.Context, _ transport.PeerKey, run func(ctx context.Context) error) {
	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Debug("replication action failed")
	}
}

// welfordStats is the subset of eclesh/welford's running-statistics type
// BackoffPolicy needs; spelled as an interface so we don't have to name
// the concrete type welford.New() returns.
type welfordStats interface {
	Add(float64)
	Mean() float64
}

// BackoffPolicy retries a failing action with exponential backoff and
// jitter, capped at Max. It tracks the running mean of observed attempt
// counts via eclesh/welford (grounded on facebook/time's use of the same
// library for streaming statistics); the tracker is per-policy instance,
// so a single BackoffPolicy should back one Pool's worth of traffic.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Tries  int

	attempts welfordStats
}

// NewBackoffPolicy returns a BackoffPolicy with sane defaults: 200ms base,
// 30s cap, factor 2, 5 tries.
func NewBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		Base:     200 * time.Millisecond,
		Max:      30 * time.Second,
		Factor:   2,
		Tries:    5,
		attempts: welford.New(),
	}
}

func (b *BackoffPolicy) Schedule(ctx context.Context, _ transport.PeerKey, run func(ctx context.Context) error) {
	if b.attempts == nil {
		b.attempts = welford.New()
	}

	delay := b.Base
	tries := b.Tries
	if tries <= 0 {
		tries = 1
	}

	made := 0
	defer func() { b.attempts.Add(float64(made)) }()

	for attempt := 1; attempt <= tries; attempt++ {
		err := run(ctx)
		made = attempt
		if err == nil || ctx.Err() != nil {
			return
		}

		log.WithError(err).WithField("attempt", attempt).Debug("replication attempt failed, backing off")

		if attempt == tries {
			return
		}

		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		wait := delay + jitter
		if wait > b.Max {
			wait = b.Max
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * b.Factor)
		if delay > b.Max {
			delay = b.Max
		}
	}
}

// MeanAttempts reports the running mean number of attempts per action,
// for callers wiring BackoffPolicy into metrics.
func (b *BackoffPolicy) MeanAttempts() float64 {
	if b.attempts == nil {
		return 0
	}
	return b.attempts.Mean()
}
