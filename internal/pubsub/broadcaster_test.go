package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroadcaster_DeliversInRegistrationOrder(t *testing.T) {
	var b Broadcaster[int]
	var got []string
	b.Subscribe(func(v int) { got = append(got, "a") })
	b.Subscribe(func(v int) { got = append(got, "b") })
	b.Subscribe(func(v int) { got = append(got, "c") })

	b.Publish(1)
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	var b Broadcaster[string]
	var got []string
	unsubA := b.Subscribe(func(v string) { got = append(got, "a:"+v) })
	b.Subscribe(func(v string) { got = append(got, "b:"+v) })

	b.Publish("1")
	unsubA()
	unsubA()
	b.Publish("2")

	require.Equal(t, []string{"a:1", "b:1", "b:2"}, got)
	require.Equal(t, 1, b.Len())
}

func TestBroadcaster_CloseIsSafe(t *testing.T) {
	var b Broadcaster[bool]
	calls := 0
	unsub := b.Subscribe(func(bool) { calls++ })
	b.Close()

	require.NotPanics(t, unsub)
	b.Publish(true)
	require.Zero(t, calls)

	late := b.Subscribe(func(bool) { calls++ })
	require.NotPanics(t, late)
	b.Publish(true)
	require.Zero(t, calls)
}
