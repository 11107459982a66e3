package subscription

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/logging"
)

// countingSource records every On and Off call.
type countingSource struct {
	*event.Bus
	ons  map[event.EventType]int
	offs map[event.EventType]int
}

func newCountingSource() *countingSource {
	return &countingSource{
		Bus:  event.NewBus(),
		ons:  map[event.EventType]int{},
		offs: map[event.EventType]int{},
	}
}

func (c *countingSource) On(name event.EventType, l *event.Listener) {
	c.ons[name]++
	c.Bus.On(name, l)
}

func (c *countingSource) Off(name event.EventType, l *event.Listener) error {
	c.offs[name]++
	return c.Bus.Off(name, l)
}

// faultySource fails or panics on Off for selected event types.
type faultySource struct {
	*event.Bus
	failOn  event.EventType
	panicOn event.EventType
}

func (f *faultySource) Off(name event.EventType, l *event.Listener) error {
	switch name {
	case f.failOn:
		return errors.New("transport gone")
	case f.panicOn:
		panic("off exploded")
	}
	return f.Bus.Off(name, l)
}

func table(hits map[event.EventType]int) Table {
	t := Table{}
	for _, name := range []event.EventType{event.SessionChanged, event.MessageAdded, event.MessageStreaming} {
		name := name
		t[name] = func(event.Event) { hits[name]++ }
	}
	return t
}

func TestAttach_RegistersExactlyOncePerEntry(t *testing.T) {
	src := newCountingSource()
	hits := map[event.EventType]int{}

	set := Attach(src, table(hits), WithLogger(logging.Nop()))

	assert.Equal(t, 3, set.Len())
	assert.True(t, set.Live())
	assert.NotEmpty(t, set.ID())
	for _, name := range table(hits).Names() {
		assert.Equal(t, 1, src.ons[name], name)
		assert.Equal(t, 1, src.ListenerCount(name), name)
		assert.True(t, src.Has(name, set.Listener(name)))
	}

	src.Emit(event.Event{Type: event.MessageAdded})
	assert.Equal(t, 1, hits[event.MessageAdded])
}

func TestDetach_RemovesByIdentityAndIsIdempotent(t *testing.T) {
	src := newCountingSource()
	set := Attach(src, table(map[event.EventType]int{}), WithLogger(logging.Nop()))
	listener := set.Listener(event.MessageAdded)

	set.Detach()
	set.Detach()

	assert.False(t, set.Live())
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, 0, src.TotalListeners())
	assert.False(t, src.Has(event.MessageAdded, listener))
	for name, n := range src.offs {
		assert.Equal(t, 1, n, "off called more than once for %s", name)
	}
	assert.True(t, listener.Disabled())
}

func TestSets_AreIndependent(t *testing.T) {
	src := newCountingSource()
	hitsA := map[event.EventType]int{}
	hitsB := map[event.EventType]int{}

	a := Attach(src, table(hitsA), WithLogger(logging.Nop()))
	b := Attach(src, table(hitsB), WithLogger(logging.Nop()))
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, src.ListenerCount(event.MessageAdded))

	src.Emit(event.Event{Type: event.MessageAdded})
	assert.Equal(t, 1, hitsA[event.MessageAdded])
	assert.Equal(t, 1, hitsB[event.MessageAdded])

	a.Detach()
	assert.Equal(t, 1, src.ListenerCount(event.MessageAdded))
	assert.True(t, src.Has(event.MessageAdded, b.Listener(event.MessageAdded)))

	src.Emit(event.Event{Type: event.MessageAdded})
	assert.Equal(t, 1, hitsA[event.MessageAdded])
	assert.Equal(t, 2, hitsB[event.MessageAdded])
}

func TestAttachDetachCycles_ReturnToZero(t *testing.T) {
	src := newCountingSource()
	for i := 0; i < 25; i++ {
		set := Attach(src, table(map[event.EventType]int{}), WithLogger(logging.Nop()))
		require.Equal(t, 1, src.ListenerCount(event.SessionChanged))
		set.Detach()
	}
	assert.Equal(t, 0, src.TotalListeners())
}

func TestDetach_BestEffortOnFailingSource(t *testing.T) {
	src := &faultySource{
		Bus:     event.NewBus(),
		failOn:  event.MessageAdded,
		panicOn: event.MessageStreaming,
	}
	set := Attach(src, table(map[event.EventType]int{}), WithLogger(logging.Nop()))

	assert.NotPanics(t, set.Detach)

	// The healthy registration was removed despite its neighbours failing.
	assert.Equal(t, 0, src.ListenerCount(event.SessionChanged))
	// The failed ones remain on the source but can no longer deliver.
	src.Emit(event.Event{Type: event.MessageAdded})
	assert.False(t, set.Live())
}

func TestAttach_NilSourceIsInert(t *testing.T) {
	set := Attach(nil, table(map[event.EventType]int{}), WithLogger(logging.Nop()))
	assert.Equal(t, 0, set.Len())
	assert.NotPanics(t, set.Detach)
	assert.NotPanics(t, set.Detach)
}

func TestAttach_TypedNilSourceIsInert(t *testing.T) {
	var bus *event.Bus
	var set *Set
	require.NotPanics(t, func() {
		set = Attach(bus, table(map[event.EventType]int{}), WithLogger(logging.Nop()))
	})
	assert.Equal(t, 0, set.Len())
	assert.NotPanics(t, set.Detach)
	assert.NotPanics(t, set.Detach)
}

func TestDetach_AfterSourceClosed(t *testing.T) {
	bus := event.NewBus()
	set := Attach(bus, table(map[event.EventType]int{}), WithLogger(logging.Nop()))
	require.NoError(t, bus.Close())

	assert.NotPanics(t, set.Detach)
	assert.Equal(t, 0, set.Len())
}

func TestAttach_SkipsNilHandlers(t *testing.T) {
	src := newCountingSource()
	set := Attach(src, Table{event.MessageAdded: nil, event.SessionChanged: func(event.Event) {}}, WithLogger(logging.Nop()))
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, 0, src.ons[event.MessageAdded])
}

func TestWithID(t *testing.T) {
	set := Attach(nil, Table{}, WithID("fixed"), WithLogger(logging.Nop()))
	assert.Equal(t, "fixed", set.ID())
}
