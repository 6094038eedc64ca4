package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entanglehq/entangle/pkg/models"
)

func intermediate(runID string, processed int64) models.ProgressEvent {
	return models.ProgressEvent{
		RunID:     runID,
		Stage:     models.StageExtracting,
		Processed: processed,
		State:     models.RunRunning,
	}
}

func TestHubDeliversAndClosesOnTerminal(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("r1")
	defer cancel()

	h.Publish(intermediate("r1", 1))
	h.Publish(models.ProgressEvent{RunID: "r1", State: models.RunCompleted, Stage: models.StageDone})

	ev := <-ch
	assert.Equal(t, int64(1), ev.Processed)

	ev = <-ch
	assert.True(t, ev.Terminal())
	assert.Equal(t, models.RunCompleted, ev.State)

	_, open := <-ch
	assert.False(t, open, "channel closes after the terminal event")
}

func TestHubIgnoresOtherRuns(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("r1")
	defer cancel()

	h.Publish(intermediate("r2", 1))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for run %s", ev.RunID)
	default:
	}
}

func TestHubStickyTerminal(t *testing.T) {
	h := NewHub()
	h.Publish(models.ProgressEvent{
		RunID: "r1", State: models.RunFailed, ErrorCode: models.ErrVCSReadFailed,
	})

	// A late subscriber still learns the outcome.
	ch, cancel := h.Subscribe("r1")
	defer cancel()

	ev, open := <-ch
	require.True(t, open)
	assert.Equal(t, models.RunFailed, ev.State)
	assert.Equal(t, models.ErrVCSReadFailed, ev.ErrorCode)

	_, open = <-ch
	assert.False(t, open)
}

func TestHubTerminalLandsOnFullBuffer(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("r1")
	defer cancel()

	// Nobody reads; the buffer fills and later events drop.
	for i := 0; i < subBuffer+10; i++ {
		h.Publish(intermediate("r1", int64(i)))
	}
	h.Publish(models.ProgressEvent{RunID: "r1", State: models.RunCancelled})

	var events []models.ProgressEvent
	for ev := range ch {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Terminal(), "the terminal event is never dropped")
	assert.Equal(t, models.RunCancelled, last.State)
	assert.LessOrEqual(t, len(events), subBuffer)
}

func TestHubCancelStopsDelivery(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("r1")
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancellation must not panic on the closed channel.
	h.Publish(intermediate("r1", 1))
	h.Publish(models.ProgressEvent{RunID: "r1", State: models.RunCompleted})
}
