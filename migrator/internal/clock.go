// Package internal holds helpers shared by the migrator packages.
package internal

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the subset of clock.Clock used by time driven code. Tests inject a *clock.Mock.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	Ticker(d time.Duration) *clock.Ticker
}

var (
	_ Clock = clock.New()
	_ Clock = clock.NewMock()
)

// SleepContext pauses for d on c, returning early with the context error when ctx is done first.
func SleepContext(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
