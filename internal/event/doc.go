/*
Package event provides the event source side of the synchronization engine.

# Sources and listeners

A Source registers *Listener values per EventType. Registration and removal
are by pointer identity:

	l := event.NewListener(func(e event.Event) { ... })
	bus.On(event.MessageAdded, l)
	defer bus.Off(event.MessageAdded, l)

Removing one owner's listener never touches another owner's listener for
the same event type, even when both wrap identical functions.

# Bus

Bus is the in-process Source. Emit is synchronous and serialized:

	bus := event.NewBus()
	bus.Emit(event.Event{
		Type: event.MessageAdded,
		Data: event.MessageAddedData{SessionID: "s1", Message: msg},
	})

Listeners must not emit on the bus that is delivering to them.

# Wire form

Events cross process boundaries as envelopes:

	{"type": "message.streaming", "properties": {"sessionID": "s1", "id": "m2", "delta": "Hel"}}

Decode turns an envelope into a typed Event; unknown type names are
rejected with a suggestion. The spellings session-identity-changed,
message-added and friends are accepted as aliases.

# Watermill

Bridge reads envelopes from any watermill message.Subscriber (gochannel
in-process, or a broker) and emits them on a Bus in arrival order.
Publish is the matching producer helper.
*/
package event
