package besteffort

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Do(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name      string
		failures  int
		wantOK    bool
		wantCalls int32
	}{
		{name: "first try", failures: 0, wantOK: true, wantCalls: 1},
		{name: "retry succeeds", failures: 1, wantOK: true, wantCalls: 2},
		{name: "gives up after one retry", failures: 5, wantOK: false, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			p := Policy{Attempts: 2, Delay: time.Millisecond}
			ok := p.Do(context.Background(), "save thing", func(context.Context) error {
				n := atomic.AddInt32(&calls, 1)
				if int(n) <= tt.failures {
					return errBoom
				}
				return nil
			})
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestPolicy_DoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	p := Policy{Attempts: 3, Delay: time.Hour}

	ok := p.Do(ctx, "save thing", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		cancel()
		return errors.New("boom")
	})

	assert.False(t, ok)
	assert.Equal(t, int32(1), calls)
}

func TestPolicy_GoDoesNotBlock(t *testing.T) {
	done := make(chan struct{})
	release := make(chan struct{})
	p := Policy{Attempts: 1}

	p.Go(context.Background(), "slow write", func(context.Context) error {
		<-release
		close(done)
		return nil
	})

	close(release)
	assert.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
