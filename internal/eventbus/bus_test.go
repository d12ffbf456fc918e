package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeFilter(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	aborts, unsubAborts := b.Subscribe(4, EpisodeAborted)
	defer unsubAborts()

	b.Publish(Event{Type: EpisodeFailed})
	b.Publish(Event{Type: EpisodeAborted, Data: "x"})

	require.Len(t, all, 2)
	require.Len(t, aborts, 1)
	ev := <-aborts
	require.Equal(t, "x", ev.Data)
	require.False(t, ev.Time.IsZero())
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: DriverShutdown})
	b.Publish(Event{Type: DriverShutdown})
	require.Len(t, ch, 1)
	require.Equal(t, uint64(1), b.Dropped())

	unsub()
	unsub()
	b.Publish(Event{Type: DriverShutdown})
	_, open := <-ch
	require.True(t, open, "buffered event still readable")
	_, open = <-ch
	require.False(t, open)
}
