package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Publish(b, JobFailed, JobEvent{JobID: "j1", JobType: "WeatherIndex", Error: "boom"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, JobFailed, e.Type)
			assert.False(t, e.Time.IsZero())
			ev, ok := e.Data.(JobEvent)
			require.True(t, ok)
			assert.Equal(t, "boom", ev.Error)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	unsub()
	unsub()

	var got []string
	for e := range ch {
		got = append(got, e.Type)
	}
	assert.Equal(t, []string{"a"}, got)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "c"})
	Publish(nil, "ignored", nil)
}
