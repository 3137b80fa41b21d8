package stream

import "fmt"

// EventKind identifies a stream event.
type EventKind int

const (
	// EventConnected fires once the encrypted channel can carry data.
	EventConnected EventKind = iota + 1
	// EventData carries bytes received in order.
	EventData
	// EventDrain fires when the unsent buffer falls below half its cap.
	EventDrain
	// EventEnd fires when the peer's stop flag has been received after all
	// of its data.
	EventEnd
	// EventFinish fires when this side's stop flag has been acknowledged.
	EventFinish
	// EventError carries a fatal error. EventClosed follows.
	EventError
	// EventClosed is the last event of a stream.
	EventClosed
)

var eventNames = map[EventKind]string{
	EventConnected: "connected",
	EventData:      "data",
	EventDrain:     "drain",
	EventEnd:       "end",
	EventFinish:    "finish",
	EventError:     "error",
	EventClosed:    "closed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one notification from a MessageStream.
type Event struct {
	Kind EventKind
	// Data is set for EventData. The slice is owned by the receiver.
	Data []byte
	// Err is set for EventError, and for EventEnd when the peer aborted.
	Err error
}
