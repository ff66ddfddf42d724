package bus

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestBus() *EventBus {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewEventBus(log)
}

func TestSubscribeAllReceivesEveryEventType(t *testing.T) {
	eb := newTestBus()
	defer eb.Stop()

	received := make(chan Event, len(allEventTypes))
	eb.SubscribeAll(func(e Event) { received <- e })

	for _, et := range allEventTypes {
		eb.Publish(Event{Type: et, Payload: map[string]interface{}{"x": 1}})
	}

	seen := map[EventType]bool{}
	for range allEventTypes {
		select {
		case e := <-received:
			seen[e.Type] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Len(t, seen, len(allEventTypes))
}

func TestSubscribeOnlyReceivesItsOwnEventType(t *testing.T) {
	eb := newTestBus()
	defer eb.Stop()

	received := make(chan Event, 1)
	eb.Subscribe(EventTaskCreated, func(e Event) { received <- e })

	eb.Publish(Event{Type: EventPeerConnected})
	eb.Publish(Event{Type: EventTaskCreated})

	select {
	case e := <-received:
		assert.Equal(t, EventTaskCreated, e.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
