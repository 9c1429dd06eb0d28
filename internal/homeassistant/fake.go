package homeassistant

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	// States contains all state snapshots that were published.
	States []State

	// StatePayloads contains the JSON payloads for state snapshots.
	StatePayloads [][]byte

	// Events contains all jam events that were published.
	Events []JamEvent

	// EventPayloads contains the JSON payloads for jam events.
	EventPayloads [][]byte

	// PublishError, if set, will be returned by PublishState.
	PublishError error

	// PublishEventError, if set, will be returned by PublishJamEvent.
	PublishEventError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishState records the state snapshot.
func (f *FakePublisher) PublishState(state State) error {
	if f.PublishError != nil {
		return f.PublishError
	}

	f.States = append(f.States, state)

	payload, err := FormatState(state)
	if err != nil {
		return err
	}
	f.StatePayloads = append(f.StatePayloads, payload)

	return nil
}

// PublishJamEvent records the jam event.
func (f *FakePublisher) PublishJamEvent(event JamEvent) error {
	if f.PublishEventError != nil {
		return f.PublishEventError
	}

	f.Events = append(f.Events, event)

	payload, err := FormatJamEvent(event)
	if err != nil {
		return err
	}
	f.EventPayloads = append(f.EventPayloads, payload)

	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	return f.Connected
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.States = nil
	f.StatePayloads = nil
	f.Events = nil
	f.EventPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishEventError = nil
	f.Connected = false
}
