package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen/internal/model"
)

func TestHub_PublishReachesSubscriber(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch)

	h.Publish("job-1", model.ProgressEvent{Type: model.EventTypeProgress, Processed: 3, Total: 20})

	ev := <-ch
	assert.Equal(t, model.EventTypeProgress, ev.Type)
	assert.Equal(t, 3, ev.Processed)
}

func TestHub_PublishIsolatedBySearchID(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch)

	h.Publish("job-2", model.ProgressEvent{Type: model.EventTypeProgress})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestHub_MultipleSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("job-1")
	b := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", a)
	defer h.Unsubscribe("job-1", b)

	require.Equal(t, 2, h.SubscriberCount("job-1"))

	h.Publish("job-1", model.ProgressEvent{Type: model.EventTypeComplete})

	assert.Equal(t, model.EventTypeComplete, (<-a).Type)
	assert.Equal(t, model.EventTypeComplete, (<-b).Type)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("job-1")
	h.Unsubscribe("job-1", ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.SubscriberCount("job-1"))
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("job-1")
	defer h.Unsubscribe("job-1", ch)

	// Overfill the buffer; Publish must not block.
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish("job-1", model.ProgressEvent{Type: model.EventTypeProgress, Processed: i})
	}

	assert.Len(t, ch, subscriberBuffer)
}
