package controlplane

import (
	"context"

	"github.com/hookgate/receiver/internal/kv"
	"github.com/hookgate/receiver/internal/metrics"
)

// Breaker is the KV-resident circuit breaker guarding every control-plane
// call. All state lives in the shared store so that multiple gateway
// processes agree on open/closed; this type only carries the handle.
//
// States: closed (all calls pass), open (all refused for the cooldown),
// half-open (exactly one probe per lease window). Five failures inside
// the five-minute window open the circuit; a probe success closes it, a
// probe failure re-opens it.
type Breaker struct {
	store *kv.Store
}

// NewBreaker builds a breaker over the shared store.
func NewBreaker(store *kv.Store) *Breaker {
	return &Breaker{store: store}
}

// Allow reports whether a call may proceed, performing the open →
// half-open transition when the cooldown has lapsed. Best-effort: KV
// errors fail open.
func (b *Breaker) Allow(ctx context.Context) bool {
	return b.store.CircuitAllow(ctx)
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.store.CircuitRecordSuccess(ctx)
}

// RecordFailure counts a failure, opening the circuit at the threshold.
func (b *Breaker) RecordFailure(ctx context.Context) int64 {
	count := b.store.CircuitRecordFailure(ctx)
	if count == kv.CircuitThreshold {
		metrics.CircuitOpens.Inc()
	}
	return count
}

// State returns the current breaker state.
func (b *Breaker) State(ctx context.Context) kv.CircuitState {
	return b.store.CircuitCurrentState(ctx)
}

// IsDegraded reports whether the circuit is anything but closed.
func (b *Breaker) IsDegraded(ctx context.Context) bool {
	return b.State(ctx) != kv.CircuitClosed
}
