package autochannel

import (
	"context"
	"fmt"
)

// EventKind discriminates Event.
type EventKind int

const (
	// EventUpdate reports a client arriving in a channel.
	EventUpdate EventKind = iota
	// EventDeleteMapping asks for every mapping of the invoker to be dropped.
	EventDeleteMapping
	// EventTerminate stops the engine.
	EventTerminate
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventDeleteMapping:
		return "delete-mapping"
	case EventTerminate:
		return "terminate"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one inbound engine message.
type Event struct {
	Kind      EventKind
	ClientID  int64
	ChannelID int64
	// InvokerUID is the unique identifier of the client requesting a reset.
	InvokerUID string
}

// Instance is the sending half of an engine's event queue. The zero value
// is a disabled instance whose sends are dropped.
type Instance struct {
	channels []int64
	events   chan<- Event
}

// NewInstance returns an Instance that forwards to events for the given
// monitored channels.
func NewInstance(channels []int64, events chan<- Event) Instance {
	return Instance{channels: append([]int64(nil), channels...), events: events}
}

// Valid reports whether an engine is listening.
func (i Instance) Valid() bool {
	return i.events != nil && len(i.channels) > 0
}

func (i Instance) monitored(cid int64) bool {
	for _, id := range i.channels {
		if id == cid {
			return true
		}
	}
	return false
}

func (i Instance) send(ctx context.Context, ev Event) error {
	select {
	case i.events <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("autochannel: send %s: %w", ev.Kind, ctx.Err())
	}
}

// Send forwards an update when channelID is monitored. It blocks while the
// queue is full and reports whether the event was queued.
func (i Instance) Send(ctx context.Context, clientID, channelID int64) (bool, error) {
	if !i.Valid() || !i.monitored(channelID) {
		return false, nil
	}
	if err := i.send(ctx, Event{Kind: EventUpdate, ClientID: clientID, ChannelID: channelID}); err != nil {
		return false, err
	}
	return true, nil
}

// SendDelete asks the engine to drop every mapping of the invoker.
func (i Instance) SendDelete(ctx context.Context, invokerID int64, invokerUID string) (bool, error) {
	if !i.Valid() {
		return false, nil
	}
	if err := i.send(ctx, Event{Kind: EventDeleteMapping, ClientID: invokerID, InvokerUID: invokerUID}); err != nil {
		return false, err
	}
	return true, nil
}

// SendTerminate stops the engine.
func (i Instance) SendTerminate(ctx context.Context) error {
	if !i.Valid() {
		return nil
	}
	return i.send(ctx, Event{Kind: EventTerminate})
}
