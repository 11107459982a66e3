package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/chatsync/internal/chat"
	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/logging"
	"github.com/opencode-ai/chatsync/pkg/types"
)

var testNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T, bus *event.Bus, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Nop()),
		WithClock(func() time.Time { return testNow }),
	}, opts...)
	e := New(bus, opts...)
	t.Cleanup(e.Dispose)
	return e
}

func userMsg(id, session, text string) *types.Message {
	return &types.Message{ID: id, SessionID: session, Role: types.RoleUser, Content: types.TextContent(text), Status: types.StatusComplete}
}

func switchTo(bus *event.Bus, from, to string) {
	bus.Emit(event.Event{Type: event.SessionChanged, Data: event.SessionChangedData{FromSessionID: from, ToSessionID: to}})
}

func loaded(bus *event.Bus, session string, items ...types.ChatItem) {
	bus.Emit(event.Event{Type: event.MessagesLoaded, Data: event.MessagesLoadedData{SessionID: session, Messages: items}})
}

func added(bus *event.Bus, m *types.Message) {
	bus.Emit(event.Event{Type: event.MessageAdded, Data: event.MessageAddedData{SessionID: m.SessionID, Message: m}})
}

func itemIDs(items types.Items) []string {
	out := []string{}
	for _, item := range items {
		out = append(out, item.ItemID())
	}
	return out
}

// recordingRequester records history requests.
type recordingRequester struct {
	mu       sync.Mutex
	requests []string
}

func (r *recordingRequester) Request(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, sessionID)
}

func TestEngine_SwitchScenario(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	added(bus, userMsg("m1", "s1", "Hi"))
	added(bus, userMsg("m2", "s1", "Anyone there?"))
	require.Len(t, e.Items(), 2)

	switchTo(bus, "s1", "s2")
	assert.Empty(t, e.Items())
	assert.Equal(t, State{Phase: PhaseSwitching, SessionID: "s2", From: "s1"}, e.State())

	loaded(bus, "s2", userMsg("m3", "s2", "New topic"))
	assert.Equal(t, []string{"m3"}, itemIDs(e.Items()))
	assert.Equal(t, State{Phase: PhaseStable, SessionID: "s2"}, e.State())

	added(bus, userMsg("m4", "s1", "late"))
	assert.Equal(t, []string{"m3"}, itemIDs(e.Items()))
}

func TestEngine_NoLeakageProperty(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("a"))

	sessions := []string{"a", "b", "c"}
	for i := 0; i < 90; i++ {
		target := sessions[i%3]
		added(bus, userMsg(target+"-m", target, "x"))
		if i%7 == 0 {
			switchTo(bus, e.SessionID(), sessions[(i/7)%3])
		}
		for _, item := range e.Items() {
			require.Equal(t, e.SessionID(), item.ItemSessionID())
		}
	}
}

func TestEngine_RevisitDoesNotAccumulate(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus)

	history := []types.ChatItem{userMsg("m1", "s1", "a"), userMsg("m2", "s1", "b")}
	for i := 0; i < 5; i++ {
		switchTo(bus, "", "s1")
		loaded(bus, "s1", history...)
		require.Len(t, e.Items(), 2)

		switchTo(bus, "s1", "s2")
		require.Empty(t, e.Items())
	}
}

func TestEngine_NewSwitchWhileSwitchingRestarts(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	switchTo(bus, "s1", "s2")
	added(bus, userMsg("m1", "s2", "early"))
	require.Len(t, e.Items(), 1)

	switchTo(bus, "s2", "s3")
	assert.Empty(t, e.Items())
	assert.Equal(t, State{Phase: PhaseSwitching, SessionID: "s3", From: "s2"}, e.State())

	loaded(bus, "s2", userMsg("m2", "s2", "too late"))
	assert.Empty(t, e.Items())
	assert.Equal(t, PhaseSwitching, e.State().Phase)
}

func TestEngine_ItemsDuringSwitchingSurviveHistory(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	switchTo(bus, "s1", "s2")
	added(bus, userMsg("live", "s2", "arrived before history"))
	added(bus, userMsg("h2", "s2", "also in history"))

	loaded(bus, "s2", userMsg("h1", "s2", "old"), userMsg("h2", "s2", "also in history"))
	assert.Equal(t, []string{"h1", "h2", "live"}, itemIDs(e.Items()))
}

func TestEngine_InvalidBatchIsEmpty(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	switchTo(bus, "s1", "s2")
	added(bus, userMsg("live", "s2", "x"))

	ev, err := event.Decode([]byte(`{"type":"session.messages.loaded","properties":{"sessionID":"s2","messages":[42]}}`))
	require.NoError(t, err)
	bus.Emit(ev)

	assert.Equal(t, []string{"live"}, itemIDs(e.Items()))
	assert.Equal(t, PhaseStable, e.State().Phase)
}

func TestEngine_HistoryBatchWithForeignItemIsEmpty(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	switchTo(bus, "s1", "s2")
	added(bus, userMsg("live", "s2", "arrived before history"))
	loaded(bus, "s2", userMsg("ok", "s2", "x"), userMsg("leak", "s1", "y"))

	assert.Equal(t, []string{"live"}, itemIDs(e.Items()))
	assert.Equal(t, PhaseStable, e.State().Phase)
}

func TestEngine_HistoryBatchWithInvalidItemIsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		batch string
	}{
		{"unknown role", `[{"kind":"message","id":"good","sessionID":"s2","role":"user","content":"hi"},{"kind":"message","id":"bad","sessionID":"s2","role":"robot"}]`},
		{"missing id", `[{"kind":"message","id":"good","sessionID":"s2","role":"user","content":"hi"},{"kind":"message","sessionID":"s2","role":"user"}]`},
		{"missing session", `[{"kind":"message","id":"good","sessionID":"s2","role":"user","content":"hi"},{"kind":"media","id":"f1"}]`},
		{"bad divider", `[{"kind":"message","id":"good","sessionID":"s2","role":"user","content":"hi"},{"kind":"divider","sessionID":"s2","dividerType":"middle"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := event.NewBus()
			e := newTestEngine(t, bus, WithInitialSession("s1"))

			switchTo(bus, "s1", "s2")
			ev, err := event.Decode([]byte(`{"type":"session.messages.loaded","properties":{"sessionID":"s2","messages":` + tt.batch + `}}`))
			require.NoError(t, err)
			require.NoError(t, ev.Data.(event.MessagesLoadedData).Err)
			bus.Emit(ev)

			assert.Empty(t, e.Items())
			assert.Equal(t, State{Phase: PhaseStable, SessionID: "s2"}, e.State())
		})
	}
}

func TestEngine_ReloadWhileStableReplacesItems(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	added(bus, userMsg("gone", "s1", "removed upstream"))
	loaded(bus, "s1", userMsg("h1", "s1", "a"), userMsg("h2", "s1", "b"))

	assert.Equal(t, []string{"h1", "h2"}, itemIDs(e.Items()))
	assert.Equal(t, PhaseStable, e.State().Phase)
}

func TestEngine_StreamingAndCompletion(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	for _, d := range []string{"The ", "answer ", "is 42"} {
		bus.Emit(event.Event{Type: event.MessageStreaming, Data: event.MessageStreamingData{
			SessionID: "s1", ID: "a1", Delta: types.TextContent(d),
		}})
	}
	require.Len(t, e.Items(), 1)
	m := e.Items()[0].(*types.Message)
	assert.Equal(t, types.StatusStreaming, m.Status)
	assert.Equal(t, "The answer is 42", m.Content.PlainText())

	bus.Emit(event.Event{Type: event.MessageComplete, Data: &event.MessageCompleteData{SessionID: "s1", ID: "a1"}})
	m = e.Items()[0].(*types.Message)
	assert.Equal(t, types.StatusComplete, m.Status)
	assert.Equal(t, "The answer is 42", m.Content.PlainText())

	// A stale delta for the same id from another session changes nothing.
	bus.Emit(event.Event{Type: event.MessageStreaming, Data: event.MessageStreamingData{
		SessionID: "s0", ID: "a1", Delta: types.TextContent("!!"),
	}})
	assert.Equal(t, "The answer is 42", e.Items()[0].(*types.Message).Content.PlainText())
}

func TestEngine_CompletionWithError(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	bus.Emit(event.Event{Type: event.MessageComplete, Data: event.MessageCompleteData{SessionID: "s1", ID: "a1", Error: "rate limited"}})
	m := e.Items()[0].(*types.Message)
	assert.Equal(t, types.StatusError, m.Status)
	assert.Equal(t, "rate limited", m.Metadata[chat.MetaError])
}

func TestEngine_MediaAndProjections(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	for _, media := range []*types.MediaItem{
		{ID: "f1", SessionID: "s1", ContentType: "image/png", Status: types.StatusPending},
		{ID: "f2", SessionID: "s1", ContentType: "image/png"},
		{ID: "f3", SessionID: "s9", ContentType: "image/png"},
	} {
		bus.Emit(event.Event{Type: event.MediaAdded, Data: event.MediaAddedData{SessionID: media.SessionID, Media: media}})
	}
	assert.Equal(t, []string{"f2"}, e.UploadedMediaIDs())

	bus.Emit(event.Event{Type: event.MediaUpdated, Data: event.MediaUpdatedData{SessionID: "s1", MediaID: "f1", Status: types.StatusComplete}})
	assert.Equal(t, []string{"f1", "f2"}, e.UploadedMediaIDs())

	added(bus, userMsg("m1", "s1", "Please REVIEW the chart"))
	assert.Len(t, e.Search("review"), 1)
	assert.Len(t, e.ByRole(types.RoleUser), 1)
	assert.Empty(t, e.ByRole(types.RoleAssistant))
}

func TestEngine_SubsessionDividers(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	bus.Emit(event.Event{Type: event.SubsessionStarted, Data: event.SubsessionData{SubSessionType: "assist", PrimeAgentKey: "prime", SubAgentKey: "helper"}})
	bus.Emit(event.Event{Type: event.SubsessionEnded, Data: event.SubsessionData{SessionID: "s1", SubSessionType: "assist"}})
	bus.Emit(event.Event{Type: event.SubsessionEnded, Data: event.SubsessionData{SessionID: "other"}})

	items := e.Items()
	require.Len(t, items, 2)
	start := items[0].(*types.Divider)
	end := items[1].(*types.Divider)
	assert.Equal(t, types.DividerStart, start.DividerType)
	assert.Equal(t, "helper", start.SubAgentKey)
	assert.Equal(t, testNow.UnixMilli(), start.Timestamp)
	assert.Equal(t, types.DividerEnd, end.DividerType)
	assert.NotEqual(t, start.ID, end.ID)
}

func TestEngine_RemoveAndEdit(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))
	added(bus, userMsg("m1", "s1", "first"))
	added(bus, userMsg("m2", "s1", "second"))

	bus.Emit(event.Event{Type: event.MessageEdited, Data: event.MessageEditedData{SessionID: "s1", MessageID: "m2", Content: types.TextContent("second, revised")}})
	m := e.Items()[1].(*types.Message)
	assert.Equal(t, "second, revised", m.Content.PlainText())
	assert.Equal(t, true, m.Metadata[chat.MetaEdited])
	assert.Equal(t, testNow.UnixMilli(), m.Metadata[chat.MetaEditedAt])

	bus.Emit(event.Event{Type: event.MessageRemoved, Data: event.MessageRemovedData{SessionID: "s1", MessageID: "m1"}})
	assert.Equal(t, []string{"m2"}, itemIDs(e.Items()))
}

func TestEngine_MalformedPayloadDropped(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	assert.NotPanics(t, func() {
		bus.Emit(event.Event{Type: event.MessageAdded, Data: "not a payload"})
		bus.Emit(event.Event{Type: event.MessageAdded, Data: event.MessageAddedData{SessionID: "s1"}})
		bus.Emit(event.Event{Type: event.SessionChanged, Data: nil})
	})
	assert.Empty(t, e.Items())
	assert.Equal(t, "s1", e.SessionID())
}

func TestEngine_EnvelopeSessionFallsBackToItem(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	bus.Emit(event.Event{Type: event.MessageAdded, Data: event.MessageAddedData{Message: userMsg("m1", "s1", "x")}})
	bus.Emit(event.Event{Type: event.MessageAdded, Data: event.MessageAddedData{Message: userMsg("m2", "s9", "x")}})
	bus.Emit(event.Event{Type: event.MediaAdded, Data: event.MediaAddedData{Media: &types.MediaItem{ID: "f1", SessionID: "s1", ContentType: "image/png"}}})
	bus.Emit(event.Event{Type: event.MediaAdded, Data: event.MediaAddedData{Media: &types.MediaItem{ID: "f2", SessionID: "s9", ContentType: "image/png"}}})

	assert.Equal(t, []string{"m1", "f1"}, itemIDs(e.Items()))
}

func TestEngine_UnscopedPayloadIsStale(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	assert.False(t, e.stale(event.Event{Type: event.MessageAdded, Data: event.MessageAddedData{SessionID: "s1"}}))
	assert.True(t, e.stale(event.Event{Type: event.MessageAdded, Data: event.MessageAddedData{SessionID: "s2"}}))
	assert.True(t, e.stale(event.Event{Type: event.SessionChanged, Data: event.SessionChangedData{ToSessionID: "s1"}}))
}

func TestEngine_NoSessionDropsEvents(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus)

	added(bus, userMsg("m1", "s1", "x"))
	assert.Empty(t, e.Items())

	_, err := e.AddMessage(userMsg("m2", "", "x"))
	assert.ErrorIs(t, err, ErrSessionMismatch)
}

func TestEngine_LeavingSession(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))
	added(bus, userMsg("m1", "s1", "x"))

	switchTo(bus, "s1", "")
	assert.Empty(t, e.Items())
	assert.Equal(t, State{Phase: PhaseStable}, e.State())
}

func TestEngine_HistoryRequestedOnSwitch(t *testing.T) {
	bus := event.NewBus()
	req := &recordingRequester{}
	e := newTestEngine(t, bus, WithInitialSession("s1"), WithHistory(req))

	switchTo(bus, "s1", "s2")
	switchTo(bus, "s2", "s2")
	switchTo(bus, "s2", "s3")

	assert.Equal(t, []string{"s2", "s3"}, req.requests)
	assert.Equal(t, "s3", e.SessionID())
}

func TestEngine_AddMessage(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	m, err := e.AddMessage(&types.Message{Role: types.RoleUser, Content: types.TextContent("local")})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "s1", m.SessionID)
	assert.Equal(t, testNow.UnixMilli(), m.Timestamp)
	assert.Equal(t, types.StatusComplete, m.Status)

	// The server echo of the same message is deduplicated.
	echo := m.Clone()
	added(bus, echo)
	assert.Len(t, e.Items(), 1)

	_, err = e.AddMessage(userMsg("x", "s2", "wrong session"))
	assert.ErrorIs(t, err, ErrSessionMismatch)

	_, err = e.AddMessage(nil)
	assert.ErrorIs(t, err, chat.ErrInvalidMutation)

	_, err = e.AddMessage(&types.Message{Role: "robot"})
	assert.ErrorIs(t, err, types.ErrInvalidItem)
}

func TestEngine_OnChange(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	var snaps []chat.Snapshot
	cancel := e.OnChange(func(s chat.Snapshot) { snaps = append(snaps, s) })

	added(bus, userMsg("m1", "s1", "x"))
	added(bus, userMsg("m1", "s1", "x")) // duplicate, no change
	added(bus, userMsg("m9", "s9", "x")) // stale, no change
	require.Len(t, snaps, 1)
	assert.Equal(t, "s1", snaps[0].SessionID)
	assert.Len(t, snaps[0].Items, 1)

	cancel()
	cancel()
	added(bus, userMsg("m2", "s1", "y"))
	assert.Len(t, snaps, 1)
}

func TestEngine_ObserverPanicIsIsolated(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	calls := 0
	e.OnChange(func(chat.Snapshot) { panic("observer bug") })
	e.OnChange(func(chat.Snapshot) { calls++ })

	assert.NotPanics(t, func() { added(bus, userMsg("m1", "s1", "x")) })
	assert.Equal(t, 1, calls)
}

func TestEngine_ObserverMayReadEngine(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	var seen State
	e.OnChange(func(chat.Snapshot) { seen = e.State() })
	switchTo(bus, "s1", "s2")
	assert.Equal(t, "s2", seen.SessionID)
}

func TestEngine_DisposeStopsMutation(t *testing.T) {
	bus := event.NewBus()
	e := New(bus, WithLogger(logging.Nop()), WithInitialSession("s1"))
	added(bus, userMsg("m1", "s1", "x"))

	e.Dispose()
	e.Dispose()

	assert.True(t, e.Disposed())
	assert.Equal(t, 0, bus.TotalListeners())

	added(bus, userMsg("m2", "s1", "y"))
	switchTo(bus, "s1", "s2")
	assert.Equal(t, []string{"m1"}, itemIDs(e.Items()))
	assert.Equal(t, "s1", e.SessionID())

	_, err := e.AddMessage(userMsg("m3", "s1", "z"))
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestEngine_CreateDisposeCyclesReturnToZero(t *testing.T) {
	bus := event.NewBus()
	for i := 0; i < 50; i++ {
		e := New(bus, WithLogger(logging.Nop()))
		require.Equal(t, 1, bus.ListenerCount(event.MessageAdded))
		e.Dispose()
	}
	assert.Equal(t, 0, bus.TotalListeners())
}

func TestEngine_IndependentInstances(t *testing.T) {
	bus := event.NewBus()
	a := newTestEngine(t, bus, WithInitialSession("s1"))
	b := newTestEngine(t, bus, WithInitialSession("s1"))
	assert.NotEqual(t, a.ID(), b.ID())

	added(bus, userMsg("m1", "s1", "x"))
	assert.Len(t, a.Items(), 1)
	assert.Len(t, b.Items(), 1)

	a.Dispose()
	added(bus, userMsg("m2", "s1", "y"))
	assert.Len(t, a.Items(), 1)
	assert.Len(t, b.Items(), 2)
	assert.Equal(t, 1, bus.ListenerCount(event.MessageAdded))
}

func TestEngine_NilSourceIsInert(t *testing.T) {
	e := New(nil, WithLogger(logging.Nop()), WithInitialSession("s1"))
	assert.Empty(t, e.Items())

	_, err := e.AddMessage(userMsg("m1", "s1", "local only"))
	require.NoError(t, err)
	assert.Len(t, e.Items(), 1)

	assert.NotPanics(t, e.Dispose)
}

func TestEngine_TypedNilSourceIsInert(t *testing.T) {
	var bus *event.Bus
	var e *Engine
	require.NotPanics(t, func() {
		e = New(bus, WithLogger(logging.Nop()), WithInitialSession("s1"))
	})
	assert.Empty(t, e.Items())
	assert.NotPanics(t, func() { added(bus, userMsg("m1", "s1", "never delivered")) })
	assert.Empty(t, e.Items())
	assert.NotPanics(t, e.Dispose)
}

func TestEngine_ConcurrentDeliveryIsSerialized(t *testing.T) {
	bus := event.NewBus()
	e := newTestEngine(t, bus, WithInitialSession("s1"))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Emit(event.Event{Type: event.MessageStreaming, Data: event.MessageStreamingData{
					SessionID: "s1", ID: "a1", Delta: types.TextContent("x"),
				}})
			}
		}()
	}
	wg.Wait()

	m := e.Items()[0].(*types.Message)
	assert.Len(t, m.Content.PlainText(), 400)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stable(s1)", stable("s1").String())
	assert.Equal(t, "switching(s1 -> s2)", switching("s1", "s2").String())
}
