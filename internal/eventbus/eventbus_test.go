package eventbus

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDispatchesInRegistrationOrder(t *testing.T) {
	bus := New(hclog.NewNullLogger())
	var order []int
	bus.Subscribe(Begin, func(interface{}) { order = append(order, 1) })
	bus.Subscribe(Begin, func(interface{}) { order = append(order, 2) })
	bus.Subscribe(Begin, func(interface{}) { order = append(order, 3) })

	bus.Publish(Begin, BeginPayload{Artifacts: []string{"a"}})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPublishOnlyReachesMatchingTopic(t *testing.T) {
	bus := New(hclog.NewNullLogger())
	called := false
	bus.Subscribe(Begin, func(interface{}) { called = true })

	bus.Publish(End, EndPayload{})

	assert.False(t, called)
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	bus := New(hclog.NewNullLogger())
	count := 0
	unsub := bus.Subscribe(Changed, func(interface{}) { count++ })

	bus.Publish(Changed, ChangedPayload{Path: "a"})
	unsub()
	bus.Publish(Changed, ChangedPayload{Path: "b"})

	assert.Equal(t, 1, count)
}

func TestPanickingSubscriberDoesNotStopOthersOrCrash(t *testing.T) {
	bus := New(hclog.NewNullLogger())
	secondCalled := false
	bus.Subscribe(Error, func(interface{}) { panic("boom") })
	bus.Subscribe(Error, func(interface{}) { secondCalled = true })

	assert.NotPanics(t, func() {
		bus.Publish(Error, ErrorPayload{Message: "x"})
	})
	assert.True(t, secondCalled)
}

func TestPayloadDeliveredToSubscriber(t *testing.T) {
	bus := New(hclog.NewNullLogger())
	var got ChangedPayload
	bus.Subscribe(Changed, func(p interface{}) {
		got = p.(ChangedPayload)
	})

	bus.Publish(Changed, ChangedPayload{Path: "src/a.go", Kind: ChangeModify})

	require.Equal(t, "src/a.go", got.Path)
	assert.Equal(t, ChangeModify, got.Kind)
}
