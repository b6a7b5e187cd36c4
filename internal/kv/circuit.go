package kv

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Circuit-breaker keys are global: every gateway process sharing the KV
// converges on one view of the control plane's health.
const (
	circuitStateKey    = "cb:state"
	circuitFailuresKey = "cb:failures"
	circuitProbeKey    = "cb:probe"

	// CircuitThreshold is the failure count that opens the circuit.
	CircuitThreshold      = 5
	circuitCooldownSecs   = 30
	circuitHalfOpenSecs   = 60
	circuitFailureTTLSecs = 300
)

// CircuitState is the breaker state as stored in the KV.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// Closed -> allow. Open -> allow one transition to half-open once the
// cooldown TTL lapses. Half-open -> a single probe via the NX lease.
var circuitAllowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if state == false or state == 'closed' then
    return 1
end

if state == 'open' then
    local ttl = redis.call('TTL', KEYS[1])
    if ttl <= 0 then
        redis.call('SET', KEYS[1], 'half-open', 'EX', tonumber(ARGV[1]))
        redis.call('SET', KEYS[2], '1', 'EX', 30, 'NX')
        return 1
    end
    return 0
end

if state == 'half-open' then
    local probe = redis.call('SET', KEYS[2], '1', 'EX', 30, 'NX')
    if probe then
        return 1
    end
    return 0
end

return 1
`)

// Increment the failure counter, clear the probe lease, and open the
// circuit at the threshold or on any half-open failure.
var circuitFailureScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[3]))
redis.call('DEL', KEYS[3])

if count >= tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'open', 'EX', tonumber(ARGV[2]))
    return count
end

local state = redis.call('GET', KEYS[1])
if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open', 'EX', tonumber(ARGV[2]))
end

return count
`)

// CircuitAllow reports whether a control-plane request may proceed. On
// KV errors it fails open: the breaker must never become the
// availability bottleneck for the KV itself.
func (s *Store) CircuitAllow(ctx context.Context) bool {
	n, err := circuitAllowScript.Run(ctx, s.rdb,
		[]string{circuitStateKey, circuitProbeKey},
		circuitHalfOpenSecs,
	).Int64()
	if err != nil {
		slog.Warn("circuit breaker check failed, failing open", "error", err)
		return true
	}
	return n != 0
}

// CircuitRecordSuccess closes the circuit and clears all breaker keys.
func (s *Store) CircuitRecordSuccess(ctx context.Context) {
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, circuitStateKey, string(CircuitClosed), 0)
		pipe.Del(ctx, circuitFailuresKey)
		pipe.Del(ctx, circuitProbeKey)
		return nil
	})
	if err != nil {
		slog.Warn("circuit breaker success record failed", "error", err)
	}
}

// CircuitRecordFailure bumps the failure counter and returns the new
// count. The circuit opens at the threshold, or immediately when a
// half-open probe fails.
func (s *Store) CircuitRecordFailure(ctx context.Context) int64 {
	count, err := circuitFailureScript.Run(ctx, s.rdb,
		[]string{circuitStateKey, circuitFailuresKey, circuitProbeKey},
		CircuitThreshold, circuitCooldownSecs, circuitFailureTTLSecs,
	).Int64()
	if err != nil {
		slog.Warn("circuit breaker failure record failed", "error", err)
		return 0
	}
	if count >= CircuitThreshold {
		slog.Warn("circuit breaker opened", "failures", count)
	}
	return count
}

// CircuitCurrentState reads the breaker state, defaulting to closed.
func (s *Store) CircuitCurrentState(ctx context.Context) CircuitState {
	state, err := s.rdb.Get(ctx, circuitStateKey).Result()
	if err != nil {
		return CircuitClosed
	}
	switch CircuitState(state) {
	case CircuitOpen:
		return CircuitOpen
	case CircuitHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}
