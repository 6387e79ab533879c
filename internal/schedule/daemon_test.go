package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sector-refresh/internal/model"
)

type countingRunner struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool
	hold     time.Duration
	triggers chan model.Trigger
}

func (r *countingRunner) Run(_ context.Context, trigger model.Trigger) (*model.Run, error) {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)
	r.calls.Add(1)
	if r.triggers != nil {
		select {
		case r.triggers <- trigger:
		default:
		}
	}
	time.Sleep(r.hold)
	return &model.Run{ID: "run"}, nil
}

func TestDaemon_FiresScheduledTriggers(t *testing.T) {
	s, err := Parse("@every 1s", "UTC")
	require.NoError(t, err)
	r := &countingRunner{triggers: make(chan model.Trigger, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDaemon(s, r, nil).Run(ctx) }()

	select {
	case trig := <-r.triggers:
		assert.Equal(t, model.TriggerScheduled, trig.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon never fired")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestDaemon_SkipsWhileRunning(t *testing.T) {
	s, err := Parse("@every 1s", "UTC")
	require.NoError(t, err)
	r := &countingRunner{hold: 2500 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	require.NoError(t, NewDaemon(s, r, nil).Run(ctx))

	assert.False(t, r.overlap.Load(), "runs never overlap")
	assert.GreaterOrEqual(t, r.calls.Load(), int32(1))
}

func TestDaemon_CatchUp(t *testing.T) {
	s, err := Parse(DefaultCron, "UTC")
	require.NoError(t, err)

	t.Run("missed fire runs immediately", func(t *testing.T) {
		r := &countingRunner{}
		old := time.Now().Add(-30 * 24 * time.Hour)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		d := NewDaemon(s, r, func(context.Context) (*time.Time, error) { return &old, nil })
		require.NoError(t, d.Run(ctx))
		assert.Equal(t, int32(1), r.calls.Load())
	})

	t.Run("recent success waits", func(t *testing.T) {
		r := &countingRunner{}
		recent := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		d := NewDaemon(s, r, func(context.Context) (*time.Time, error) { return &recent, nil })
		require.NoError(t, d.Run(ctx))
		assert.Zero(t, r.calls.Load())
	})

	t.Run("lookup error is tolerated", func(t *testing.T) {
		r := &countingRunner{}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		d := NewDaemon(s, r, func(context.Context) (*time.Time, error) { return nil, errors.New("db down") })
		require.NoError(t, d.Run(ctx))
		assert.Zero(t, r.calls.Load())
	})
}
