package bbm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	iredis "github.com/tigrisdata/bbm/migrator/internal/redis"
)

// ScheduleState is the scheduling state of a migration, kept between ticks.
type ScheduleState struct {
	Migration           string        `msgpack:"migration"`
	NextRunAt           time.Time     `msgpack:"next_run_at"`
	InFlight            int           `msgpack:"in_flight"`
	Interval            time.Duration `msgpack:"interval"`
	ConsecutiveFailures int           `msgpack:"consecutive_failures"`
}

// Due reports whether the migration should be ticked at now.
func (s *ScheduleState) Due(now time.Time) bool {
	return s == nil || !now.Before(s.NextRunAt)
}

// ScheduleStateStore persists ScheduleState by migration name.
type ScheduleStateStore interface {
	// Get returns the state of a migration, nil if there is none.
	Get(ctx context.Context, migration string) (*ScheduleState, error)
	// Put stores the state of a migration. The in flight count is not written, see AddInFlight.
	Put(ctx context.Context, state *ScheduleState) error
	// Delete removes the state of a migration.
	Delete(ctx context.Context, migration string) error
	// AddInFlight adds delta to the in flight count of a migration, never going below zero, and returns the new count.
	AddInFlight(ctx context.Context, migration string, delta int) (int, error)
}

// memoryScheduleStore is a process local ScheduleStateStore.
type memoryScheduleStore struct {
	mu     sync.Mutex
	states map[string]ScheduleState
	counts map[string]int
}

// NewMemoryScheduleStore creates a ScheduleStateStore holding state in memory.
func NewMemoryScheduleStore() ScheduleStateStore {
	return &memoryScheduleStore{
		states: make(map[string]ScheduleState),
		counts: make(map[string]int),
	}
}

func (m *memoryScheduleStore) Get(_ context.Context, migration string) (*ScheduleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[migration]
	if !ok {
		return nil, nil
	}
	s.InFlight = m.counts[migration]
	return &s, nil
}

func (m *memoryScheduleStore) Put(_ context.Context, state *ScheduleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *state
	s.InFlight = 0
	m.states[state.Migration] = s
	return nil
}

func (m *memoryScheduleStore) Delete(_ context.Context, migration string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, migration)
	delete(m.counts, migration)
	return nil
}

func (m *memoryScheduleStore) AddInFlight(_ context.Context, migration string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := max(m.counts[migration]+delta, 0)
	m.counts[migration] = n
	return n, nil
}

const (
	// scheduleStateTTL expires the state of migrations nobody ticks anymore.
	scheduleStateTTL = 24 * time.Hour
	// inFlightTTL bounds the lifetime of an in flight counter left behind by a crashed process.
	inFlightTTL = time.Hour
)

// addInFlightScript adds ARGV[1] to the counter at KEYS[1], floors it at zero and refreshes its TTL (ARGV[2], in
// seconds).
var addInFlightScript = redis.NewScript(`
local n = redis.call("INCRBY", KEYS[1], ARGV[1])
if n < 0 then
	n = 0
	redis.call("SET", KEYS[1], 0)
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return n
`)

// redisScheduleStore is a ScheduleStateStore shared by all processes through Redis.
type redisScheduleStore struct {
	cache *iredis.Cache
}

// NewRedisScheduleStore creates a ScheduleStateStore backed by cache.
func NewRedisScheduleStore(cache *iredis.Cache) ScheduleStateStore {
	return &redisScheduleStore{cache: cache}
}

// stateKey generates the Redis key for the state of a migration. The hash tag keeps the state and the in flight
// counter of a migration on the same cluster slot.
func stateKey(migration string) string {
	return fmt.Sprintf("bbm:scheduler:{state:%s}", migration)
}

func inFlightKey(migration string) string {
	return stateKey(migration) + ":in_flight"
}

func (r *redisScheduleStore) Get(ctx context.Context, migration string) (*ScheduleState, error) {
	var s ScheduleState
	if err := r.cache.UnmarshalGet(ctx, stateKey(migration), &s); err != nil {
		if errors.Is(err, iredis.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading schedule state: %w", err)
	}

	n, err := r.cache.Client().Get(ctx, inFlightKey(migration)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading in flight count: %w", err)
	}
	s.InFlight = n

	return &s, nil
}

func (r *redisScheduleStore) Put(ctx context.Context, state *ScheduleState) error {
	s := *state
	s.InFlight = 0
	if err := r.cache.MarshalSet(ctx, stateKey(s.Migration), &s, iredis.WithTTL(scheduleStateTTL)); err != nil {
		return fmt.Errorf("writing schedule state: %w", err)
	}
	return nil
}

func (r *redisScheduleStore) Delete(ctx context.Context, migration string) error {
	if err := r.cache.Delete(ctx, stateKey(migration)); err != nil && !errors.Is(err, iredis.ErrNotFound) {
		return fmt.Errorf("deleting schedule state: %w", err)
	}
	if err := r.cache.Client().Del(ctx, inFlightKey(migration)).Err(); err != nil {
		return fmt.Errorf("deleting in flight count: %w", err)
	}
	return nil
}

func (r *redisScheduleStore) AddInFlight(ctx context.Context, migration string, delta int) (int, error) {
	res, err := r.cache.RunScript(ctx, addInFlightScript, []string{inFlightKey(migration)}, delta, int(inFlightTTL.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("updating in flight count: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected in flight count type %T", res)
	}
	return int(n), nil
}
