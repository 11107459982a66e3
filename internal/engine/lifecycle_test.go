package engine_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/chatsync/internal/chat"
	"github.com/opencode-ai/chatsync/internal/engine"
	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/logging"
	"github.com/opencode-ai/chatsync/pkg/types"
)

func message(id, session string, role types.Role, text string) *types.Message {
	return &types.Message{ID: id, SessionID: session, Role: role, Content: types.TextContent(text)}
}

func ids(items types.Items) []string {
	out := []string{}
	for _, item := range items {
		out = append(out, item.ItemID())
	}
	return out
}

var _ = Describe("Engine", func() {
	var (
		bus *event.Bus
		eng *engine.Engine
	)

	emit := func(t event.EventType, data any) {
		bus.Emit(event.Event{Type: t, Data: data})
	}

	BeforeEach(func() {
		bus = event.NewBus()
		eng = engine.New(bus, engine.WithLogger(logging.Nop()), engine.WithInitialSession("s1"))
	})

	AfterEach(func() {
		eng.Dispose()
	})

	Describe("subscription lifecycle", func() {
		It("registers exactly one listener per handled event", func() {
			for _, name := range []event.EventType{
				event.SessionChanged, event.MessageAdded, event.MessageStreaming,
				event.MessageComplete, event.MessagesLoaded, event.MediaAdded,
				event.SubsessionStarted, event.SubsessionEnded,
			} {
				Expect(bus.ListenerCount(name)).To(Equal(1), string(name))
			}
		})

		It("leaves nothing behind after dispose", func() {
			eng.Dispose()
			Expect(bus.TotalListeners()).To(BeZero())
		})

		It("returns to zero after repeated create and dispose", func() {
			eng.Dispose()
			for i := 0; i < 20; i++ {
				engine.New(bus, engine.WithLogger(logging.Nop())).Dispose()
			}
			Expect(bus.TotalListeners()).To(BeZero())
		})
	})

	Describe("switching sessions", func() {
		BeforeEach(func() {
			emit(event.MessageAdded, event.MessageAddedData{SessionID: "s1", Message: message("m1", "s1", types.RoleUser, "Hi")})
			emit(event.MessageAdded, event.MessageAddedData{SessionID: "s1", Message: message("m2", "s1", types.RoleAssistant, "Hello")})
			Expect(eng.Items()).To(HaveLen(2))
		})

		It("clears the previous session at once", func() {
			emit(event.SessionChanged, event.SessionChangedData{FromSessionID: "s1", ToSessionID: "s2"})
			Expect(eng.Items()).To(BeEmpty())
			Expect(eng.State().Phase).To(Equal(engine.PhaseSwitching))
		})

		It("populates the new session from its history", func() {
			emit(event.SessionChanged, event.SessionChangedData{FromSessionID: "s1", ToSessionID: "s2"})
			emit(event.MessagesLoaded, event.MessagesLoadedData{
				SessionID: "s2",
				Messages:  types.Items{message("m3", "s2", types.RoleUser, "New topic")},
			})
			Expect(ids(eng.Items())).To(Equal([]string{"m3"}))
			Expect(eng.State()).To(Equal(engine.State{Phase: engine.PhaseStable, SessionID: "s2"}))
		})

		It("drops late events from the previous session", func() {
			emit(event.SessionChanged, event.SessionChangedData{FromSessionID: "s1", ToSessionID: "s2"})
			emit(event.MessageAdded, event.MessageAddedData{SessionID: "s1", Message: message("m4", "s1", types.RoleUser, "late")})
			emit(event.MessageStreaming, event.MessageStreamingData{SessionID: "s1", ID: "m2", Delta: types.TextContent("!")})
			Expect(eng.Items()).To(BeEmpty())
		})

		It("ignores a switch to the current session", func() {
			emit(event.SessionChanged, event.SessionChangedData{FromSessionID: "s1", ToSessionID: "s1"})
			Expect(eng.Items()).To(HaveLen(2))
			Expect(eng.State().Phase).To(Equal(engine.PhaseStable))
		})
	})

	Describe("change observers", func() {
		It("receive a snapshot after every effective mutation", func() {
			var versions []uint64
			eng.OnChange(func(s chat.Snapshot) { versions = append(versions, s.Version) })

			emit(event.MessageStreaming, event.MessageStreamingData{SessionID: "s1", ID: "a1", Delta: types.TextContent("par")})
			emit(event.MessageStreaming, event.MessageStreamingData{SessionID: "s1", ID: "a1", Delta: types.TextContent("tial")})
			emit(event.MessageComplete, event.MessageCompleteData{SessionID: "s1", ID: "a1"})

			Expect(versions).To(HaveLen(3))
			Expect(versions[0]).To(BeNumerically("<", versions[2]))
		})

		It("stop after dispose", func() {
			calls := 0
			eng.OnChange(func(chat.Snapshot) { calls++ })
			eng.Dispose()
			emit(event.MessageAdded, event.MessageAddedData{SessionID: "s1", Message: message("m1", "s1", types.RoleUser, "x")})
			Expect(calls).To(BeZero())
		})
	})

	Describe("decoded wire events", func() {
		It("drive the engine the same way as typed events", func() {
			for _, raw := range []string{
				`{"type":"message-streaming","properties":{"sessionID":"s1","id":"a1","delta":"Hel"}}`,
				`{"type":"message-streaming","properties":{"sessionID":"s1","id":"a1","delta":"lo"}}`,
				`{"type":"message-complete","properties":{"sessionID":"s1","id":"a1"}}`,
			} {
				ev, err := event.Decode([]byte(raw))
				Expect(err).NotTo(HaveOccurred())
				bus.Emit(ev)
			}

			msgs := eng.ByRole(types.RoleAssistant)
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Content.PlainText()).To(Equal("Hello"))
			Expect(msgs[0].Status).To(Equal(types.StatusComplete))
		})
	})
})
