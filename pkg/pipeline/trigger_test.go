package pipeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pipeq/pkg/pipeline"
	"github.com/dmitrymomot/pipeq/pkg/schedule"
)

func TestTrigger(t *testing.T) {
	t.Parallel()

	t.Run("fire starts a fresh invocation", func(t *testing.T) {
		t.Parallel()

		boxes := make(map[string]struct{})
		trigger := pipeline.NewTrigger("tick")
		trigger.Connect(pipeline.New("sink", pipeline.WithFilter(func(box *pipeline.Box, payload any) (any, error) {
			boxes[box.Correlation.BoxID] = struct{}{}
			_, ok := payload.(time.Time)
			assert.True(t, ok)
			return payload, nil
		})))

		trigger.Fire()
		trigger.Fire()

		assert.Len(t, boxes, 2, "each firing must get its own box")
	})

	t.Run("interval timer fires until stopped", func(t *testing.T) {
		t.Parallel()

		fired := make(chan time.Time, 16)
		trigger := pipeline.NewTrigger("tick")
		trigger.Connect(pipeline.New("sink", pipeline.WithFilter(func(_ *pipeline.Box, payload any) (any, error) {
			fired <- payload.(time.Time)
			return payload, nil
		})))

		require.NoError(t, trigger.SetEvery(10*time.Millisecond))
		defer trigger.Stop()

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("trigger did not fire")
		}

		trigger.Stop()
		// Drain anything already in flight, then expect silence.
		time.Sleep(50 * time.Millisecond)
		for len(fired) > 0 {
			<-fired
		}
		select {
		case <-fired:
			t.Fatal("trigger fired after Stop")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("rejects non-positive interval", func(t *testing.T) {
		t.Parallel()

		trigger := pipeline.NewTrigger("tick")
		assert.ErrorIs(t, trigger.SetEvery(0), schedule.ErrInvalidInterval)
		assert.ErrorIs(t, trigger.SetEvery(-time.Second), schedule.ErrInvalidInterval)
	})

	t.Run("rejects malformed cron expression", func(t *testing.T) {
		t.Parallel()

		trigger := pipeline.NewTrigger("tick")
		assert.Error(t, trigger.SetCron("not a cron"))
	})

	t.Run("windowed schedule stops firing past its end", func(t *testing.T) {
		t.Parallel()

		end := time.Now().Add(-time.Minute)
		inner, err := schedule.Every(time.Millisecond)
		require.NoError(t, err)

		fired := make(chan struct{}, 1)
		trigger := pipeline.NewTrigger("tick")
		trigger.Connect(pipeline.New("sink", pipeline.WithFilter(func(_ *pipeline.Box, payload any) (any, error) {
			select {
			case fired <- struct{}{}:
			default:
			}
			return payload, nil
		})))

		trigger.SetSchedule(schedule.Window(inner, nil, &end))
		defer trigger.Stop()

		select {
		case <-fired:
			t.Fatal("trigger fired past the schedule window")
		case <-time.After(100 * time.Millisecond):
		}
	})
}
