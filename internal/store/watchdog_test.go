package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdog_FatalAfterGrace(t *testing.T) {
	s := NewMemoryStore()
	s.SetPingError(errors.New("connection refused"))

	w := NewWatchdog(s, 20*time.Millisecond, 2*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, ErrStoreLost)
}

func TestWatchdog_RecoveryResetsOutage(t *testing.T) {
	s := NewMemoryStore()
	w := NewWatchdog(s, 50*time.Millisecond, 2*time.Millisecond)

	ups := 0
	w.OnStatus = func(up bool) {
		if up {
			ups++
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	s.SetPingError(errors.New("blip"))
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.SetPingError(nil)
	}()

	assert.NoError(t, w.Run(ctx))
	assert.Positive(t, ups)
}
