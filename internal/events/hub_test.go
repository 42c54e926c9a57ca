package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"eventcache/internal/model"
)

func TestHubDeliversToRoom(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	var got []string
	hub.Subscribe("rates", func(_ context.Context, s Signal) error {
		got = append(got, Name(s))
		return nil
	})
	hub.Subscribe("other", func(_ context.Context, s Signal) error {
		t.Fatalf("signal leaked into another room: %s", Name(s))
		return nil
	})

	hub.Publish(ctx, NewEvent{Room: "rates", Event: model.RawLogEvent{Event: "Transfer"}})
	hub.Publish(ctx, InitFinished{Room: "rates"})

	require.Equal(t, []string{"newEvent", "initFinished"}, got)
}

func TestHubConsumerFailuresDoNotStopDelivery(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	delivered := 0
	hub.Subscribe("rns", func(context.Context, Signal) error { panic("boom") })
	hub.Subscribe("rns", func(context.Context, Signal) error { return errors.New("handler error") })
	hub.Subscribe("rns", func(context.Context, Signal) error {
		delivered++
		return nil
	})

	hub.Publish(ctx, InvalidConfirmation{Room: "rns", TransactionHash: "0x01"})
	hub.Publish(ctx, InvalidConfirmation{Room: "rns", TransactionHash: "0x02"})

	require.Equal(t, 2, delivered)
}

func TestHubRoomLifecycle(t *testing.T) {
	hub := NewHub(nil)

	a := hub.Subscribe("offers", func(context.Context, Signal) error { return nil })
	b := hub.Subscribe("offers", func(context.Context, Signal) error { return nil })
	require.Equal(t, 1, hub.Rooms())

	require.True(t, hub.Unsubscribe("offers", a))
	require.Equal(t, 1, hub.Rooms())
	require.False(t, hub.Unsubscribe("offers", a))

	require.True(t, hub.Unsubscribe("offers", b))
	require.Equal(t, 0, hub.Rooms())

	hub.Subscribe("x", func(context.Context, Signal) error { return nil })
	hub.Subscribe("y", func(context.Context, Signal) error { return nil })
	hub.StopAll()
	require.Equal(t, 0, hub.Rooms())
}

func TestSignalNames(t *testing.T) {
	cases := map[string]Signal{
		"newEvent":            NewEvent{},
		"newConfirmation":     NewConfirmation{},
		"invalidConfirmation": InvalidConfirmation{},
		"initFinished":        InitFinished{},
		"error":               Error{},
	}
	for want, s := range cases {
		if got := Name(s); got != want {
			t.Fatalf("name mismatch: got %s want %s", got, want)
		}
	}
}
