package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	failed, unsubFailed := b.Subscribe(4, "task.failed")
	defer unsubFailed()

	b.Publish(Event{Type: "task.scheduled", Data: 1})
	b.Publish(Event{Type: "task.failed", Data: 2})

	require.Len(t, all, 2)
	require.Len(t, failed, 1)
	e := <-failed
	assert.Equal(t, 2, e.Data)
	assert.False(t, e.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "x"})
	assert.Equal(t, uint64(1), b.Dropped())
	assert.Len(t, ch, 1)

	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
	_, ok := <-ch
	assert.True(t, ok)
	_, ok = <-ch
	assert.False(t, ok)
}
