package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoke-ai/convoke/codec"
	"github.com/convoke-ai/convoke/conversation"
	"github.com/convoke-ai/convoke/core"
	"github.com/convoke-ai/convoke/delegation"
	"github.com/convoke-ai/convoke/executor"
	"github.com/convoke-ai/convoke/internal/testutil"
	"github.com/convoke-ai/convoke/model"
	"github.com/convoke-ai/convoke/phase"
	"github.com/convoke-ai/convoke/tool"
)

// Interface compliance (compile-time assertions)
var (
	_ tool.Delegator     = (*Dispatcher)(nil)
	_ tool.PhaseSwitcher = (*Dispatcher)(nil)
	_ executor.Appender  = (*Dispatcher)(nil)
)

const waitTimeout = 5 * time.Second

type env struct {
	store     *conversation.InMemoryStore
	registry  *delegation.Registry
	transport *testutil.CaptureTransport
	codec     *codec.JSONCodec
	clock     *testutil.Clock
	d         *Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		store:     conversation.NewInMemoryStore(),
		transport: testutil.NewCaptureTransport(),
		codec:     codec.NewJSONCodec(),
		clock:     testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	e.transport.Loopback = true
	e.registry = delegation.NewRegistry(func(o *delegation.Options) {
		o.Now = e.clock.Now
	})

	e.d = NewDispatcher(e.store, e.registry, phase.NewController(e.store), func(o *Options) {
		o.Coordinator = "coord"
		o.Codec = e.codec
		o.Transport = e.transport
		o.Now = e.clock.Now
		o.Workers = 2
	})

	require.NoError(t, e.d.Start(context.Background()))
	t.Cleanup(e.d.Stop)
	return e
}

func (e *env) waitIdle(t *testing.T, conversationID string) {
	t.Helper()
	require.True(t, e.d.WaitIdle(conversationID, waitTimeout), "conversation did not drain")
}

// history returns the full history of a conversation.
func (e *env) history(t *testing.T, conversationID string) []core.Message {
	t.Helper()
	conv, err := e.store.Get(conversationID)
	require.NoError(t, err)
	return conv.HistorySince(0)
}

// publishedIntents decodes everything the dispatcher published.
func (e *env) publishedIntents(t *testing.T) []core.Intent {
	t.Helper()
	raws := e.transport.Published()
	out := make([]core.Intent, 0, len(raws))
	for _, raw := range raws {
		intent, err := e.codec.Decode(raw)
		require.NoError(t, err)
		out = append(out, intent)
	}
	return out
}

func TestInboundTextRunsCoordinator(t *testing.T) {
	e := newEnv(t)
	m := model.NewMock().QueueText("hello alice")
	e.d.RegisterAgent(executor.NewAgent("coord", "", m))

	require.NoError(t, e.d.SubmitIntent(core.InboundText{
		ID:             core.NewID(),
		ConversationID: "c1",
		Author:         "alice",
		Content:        "hello",
	}))
	e.waitIdle(t, "c1")

	history := e.history(t, "c1")
	require.Len(t, history, 2)
	assert.Equal(t, "alice", history[0].Author)
	assert.Equal(t, "coord", history[1].Author)
	assert.Equal(t, "hello alice", history[1].Content.Text())

	view, err := e.d.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, "coord", view.Metadata[core.MetaCoordinator])
	assert.Equal(t, 2, view.AgentCursors["coord"])

	var notices int
	for _, intent := range e.publishedIntents(t) {
		if n, ok := intent.(core.CompletionNotice); ok {
			notices++
			assert.Equal(t, "coord", n.Agent)
			assert.Equal(t, "hello alice", n.Content)
		}
	}
	assert.Equal(t, 1, notices)
}

func TestDuplicateInboundDeliveryIsDropped(t *testing.T) {
	e := newEnv(t)
	m := model.NewMock().QueueText("reply")
	e.d.RegisterAgent(executor.NewAgent("coord", "", m))

	in := core.InboundText{ID: core.NewID(), ConversationID: "c1", Author: "alice", Content: "hi"}
	require.NoError(t, e.d.SubmitIntent(in))
	e.waitIdle(t, "c1")
	require.NoError(t, e.d.SubmitIntent(in))
	e.waitIdle(t, "c1")

	history := e.history(t, "c1")
	assert.Len(t, history, 2)
	assert.Equal(t, 1, m.Calls())
}

func TestInboundFromCoordinatorDoesNotSelfTrigger(t *testing.T) {
	e := newEnv(t)
	m := model.NewMock()
	e.d.RegisterAgent(executor.NewAgent("coord", "", m))

	require.NoError(t, e.d.SubmitIntent(core.InboundText{
		ID: core.NewID(), ConversationID: "c1", Author: "coord", Content: "note to the log",
	}))
	e.waitIdle(t, "c1")

	assert.Len(t, e.history(t, "c1"), 1)
	assert.Equal(t, 0, m.Calls())
}

func TestDelegationRoundTrip(t *testing.T) {
	e := newEnv(t)

	coord := model.NewMock().
		QueueFunctionCall("fc1", tool.DelegateToolName, `{"recipients":["worker"],"prompt":"summarize the doc"}`).
		QueueText("final: summary delivered")
	worker := model.NewMock().QueueText("worker summary")

	e.d.RegisterAgent(executor.NewAgent("coord", "", coord))
	e.d.RegisterAgent(executor.NewAgent("worker", "", worker))

	require.NoError(t, e.d.SubmitIntent(core.InboundText{
		ID: core.NewID(), ConversationID: "c1", Author: "alice", Content: "please summarize",
	}))
	e.waitIdle(t, "c1")

	history := e.history(t, "c1")
	kinds := make(map[core.MessageKind]int)
	for _, m := range history {
		kinds[m.Kind]++
	}
	assert.Equal(t, 1, kinds[core.MessageAssignment])
	assert.Equal(t, 1, kinds[core.MessageSynthesis])

	last := history[len(history)-1]
	assert.Equal(t, "coord", last.Author)
	assert.Equal(t, "final: summary delivered", last.Content.Text())

	// The reactivated coordinator saw the merged delegation results.
	reqs := coord.Requests()
	require.Len(t, reqs, 2)
	var sawResults bool
	for _, c := range reqs[1].Contents {
		text := c.Text()
		if c.Role == "user" && strings.Contains(text, "Delegation results:") && strings.Contains(text, "worker summary") {
			sawResults = true
		}
	}
	assert.True(t, sawResults, "reactivation context missing synthesized results")

	assert.Empty(t, e.d.ListPendingDelegations("c1"))

	var assignments, responses int
	for _, intent := range e.publishedIntents(t) {
		switch in := intent.(type) {
		case core.TaskAssignment:
			assignments++
			assert.Equal(t, "worker", in.Recipient)
			assert.Equal(t, "summarize the doc", in.Prompt)
		case core.DelegationResponse:
			responses++
			assert.Equal(t, "worker summary", in.Payload)
		}
	}
	assert.Equal(t, 1, assignments)
	assert.Equal(t, 1, responses)
}

func TestMultiRecipientDelegationSynthesizesAll(t *testing.T) {
	e := newEnv(t)

	coord := model.NewMock().
		QueueFunctionCall("fc1", tool.DelegateToolName, `{"recipients":["b","c"],"prompt":"part each"}`).
		QueueText("combined done")
	e.d.RegisterAgent(executor.NewAgent("coord", "", coord))
	e.d.RegisterAgent(executor.NewAgent("b", "", model.NewMock().QueueText("result from b")))
	e.d.RegisterAgent(executor.NewAgent("c", "", model.NewMock().QueueText("result from c")))

	require.NoError(t, e.d.SubmitIntent(core.InboundText{
		ID: core.NewID(), ConversationID: "c1", Author: "alice", Content: "split the work",
	}))
	e.waitIdle(t, "c1")

	var synthesis *core.Message
	for _, m := range e.history(t, "c1") {
		if m.Kind == core.MessageSynthesis {
			m := m
			synthesis = &m
		}
	}
	require.NotNil(t, synthesis)
	assert.Equal(t, "coord", synthesis.Recipient)
	assert.Equal(t, "true", synthesis.Metadata[core.MetaComplete])

	text := synthesis.Content.Text()
	assert.Contains(t, text, "result from b")
	assert.Contains(t, text, "result from c")

	assert.Empty(t, e.d.ListPendingDelegations("c1"))
}

func TestSweepDeadlinesReactivatesWithPartialSynthesis(t *testing.T) {
	e := newEnv(t)

	coord := model.NewMock().
		QueueFunctionCall("fc1", tool.DelegateToolName, `{"recipients":["b","silent"],"prompt":"go","timeout_seconds":60}`).
		QueueText("proceeding with partial results")
	e.d.RegisterAgent(executor.NewAgent("coord", "", coord))
	e.d.RegisterAgent(executor.NewAgent("b", "", model.NewMock().QueueText("b answered")))

	require.NoError(t, e.d.SubmitIntent(core.InboundText{
		ID: core.NewID(), ConversationID: "c1", Author: "alice", Content: "delegate with deadline",
	}))
	e.waitIdle(t, "c1")

	// b responded, silent did not; the batch stays pending.
	require.Len(t, e.d.ListPendingDelegations("c1"), 1)

	assert.Equal(t, 0, e.d.SweepDeadlines())

	e.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, e.d.SweepDeadlines())
	e.waitIdle(t, "c1")

	var synthesis *core.Message
	for _, m := range e.history(t, "c1") {
		if m.Kind == core.MessageSynthesis {
			m := m
			synthesis = &m
		}
	}
	require.NotNil(t, synthesis)
	assert.Equal(t, "false", synthesis.Metadata[core.MetaComplete])
	text := synthesis.Content.Text()
	assert.Contains(t, text, "b answered")
	assert.Contains(t, text, "silent")

	last := e.history(t, "c1")[len(e.history(t, "c1"))-1]
	assert.Equal(t, "proceeding with partial results", last.Content.Text())
	assert.Empty(t, e.d.ListPendingDelegations("c1"))
}

func TestArchiveCancelsBatchesAndBlocksLateResponses(t *testing.T) {
	e := newEnv(t)

	coord := model.NewMock().
		QueueFunctionCall("fc1", tool.DelegateToolName, `{"recipients":["remote"],"prompt":"remote work"}`)
	e.d.RegisterAgent(executor.NewAgent("coord", "", coord))

	require.NoError(t, e.d.SubmitIntent(core.InboundText{
		ID: core.NewID(), ConversationID: "c1", Author: "alice", Content: "delegate remotely",
	}))
	e.waitIdle(t, "c1")

	pending := e.d.ListPendingDelegations("c1")
	require.Len(t, pending, 1)
	batchID := pending[0].BatchID

	require.NoError(t, e.d.Archive("c1"))
	assert.Empty(t, e.d.ListPendingDelegations("c1"))

	view, err := e.d.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, "true", view.Metadata[core.MetaArchived])

	// A late response to the cancelled batch is dropped without reactivation.
	require.NoError(t, e.d.SubmitIntent(core.DelegationResponse{
		ID: core.NewID(), BatchID: batchID, Recipient: "remote", Payload: "too late",
	}))
	e.waitIdle(t, "c1")

	for _, m := range e.history(t, "c1") {
		assert.NotEqual(t, core.MessageSynthesis, m.Kind)
	}
}

func TestPhaseRequestIntent(t *testing.T) {
	e := newEnv(t)
	e.d.RegisterAgent(executor.NewAgent("coord", "", model.NewMock()))

	require.NoError(t, e.d.SubmitIntent(core.InboundText{
		ID: core.NewID(), ConversationID: "c1", Author: "coord", Content: "starting",
	}))
	e.waitIdle(t, "c1")

	require.NoError(t, e.d.SubmitIntent(core.PhaseTransitionRequest{
		ID: core.NewID(), ConversationID: "c1", NewPhase: core.PhasePlan, Reason: "ready", ActingAgent: "coord",
	}))
	e.waitIdle(t, "c1")

	view, err := e.d.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, core.PhasePlan, view.Phase)

	var records int
	for _, intent := range e.publishedIntents(t) {
		if rec, ok := intent.(core.PhaseTransitionRecord); ok {
			records++
			assert.Equal(t, core.PhaseChat, rec.From)
			assert.Equal(t, core.PhasePlan, rec.To)
		}
	}
	assert.Equal(t, 1, records)

	// Unauthorized requests are logged and dropped, never applied.
	require.NoError(t, e.d.SubmitIntent(core.PhaseTransitionRequest{
		ID: core.NewID(), ConversationID: "c1", NewPhase: core.PhaseBuild, ActingAgent: "intruder",
	}))
	e.waitIdle(t, "c1")
	view, err = e.d.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, core.PhasePlan, view.Phase)
}

// blockingModel parks its first Generate call until released, recording
// every request.
type blockingModel struct {
	mu       sync.Mutex
	requests []model.Request
	started  chan struct{}
	release  chan struct{}
}

func newBlockingModel() *blockingModel {
	return &blockingModel{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingModel) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	b.mu.Lock()
	first := len(b.requests) == 0
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if first {
		close(b.started)
		<-b.release
	}
	return model.Response{Content: *core.NewTextContent("assistant", "noted"), FinishReason: "stop"}, nil
}

func (b *blockingModel) Info() model.Info { return model.Info{Name: "blocking", Provider: "test"} }

func (b *blockingModel) recorded() []model.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Request, len(b.requests))
	copy(out, b.requests)
	return out
}

func TestPhaseRequestWaitsForRunningTurn(t *testing.T) {
	e := newEnv(t)
	m := newBlockingModel()
	e.d.RegisterAgent(executor.NewAgent("coord", "", m))

	require.NoError(t, e.d.SubmitIntent(core.InboundText{
		ID: core.NewID(), ConversationID: "c1", Author: "alice", Content: "begin",
	}))
	<-m.started

	// The transition arrives mid-generation: it must queue behind the
	// running turn, not land in history under the turn's cursor advance.
	require.NoError(t, e.d.SubmitIntent(core.PhaseTransitionRequest{
		ID: core.NewID(), ConversationID: "c1", NewPhase: core.PhasePlan, Reason: "ready", ActingAgent: "coord",
	}))
	close(m.release)
	e.waitIdle(t, "c1")

	view, err := e.d.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, core.PhasePlan, view.Phase)

	// The coordinator's next turn still sees the transition it missed.
	require.NoError(t, e.d.SubmitIntent(core.InboundText{
		ID: core.NewID(), ConversationID: "c1", Author: "alice", Content: "and now?",
	}))
	e.waitIdle(t, "c1")

	reqs := m.recorded()
	require.Len(t, reqs, 2)
	var sawTransition bool
	for _, c := range reqs[1].Contents {
		if strings.Contains(c.Text(), "chat -> plan") {
			sawTransition = true
		}
	}
	assert.True(t, sawTransition, "missed transition never reached the agent")
}

func TestSubmitBeforeStart(t *testing.T) {
	store := conversation.NewInMemoryStore()
	d := NewDispatcher(store, delegation.NewRegistry(), phase.NewController(store))

	err := d.SubmitIntent(core.InboundText{
		ID: core.NewID(), ConversationID: "c1", Author: "alice", Content: "too early",
	})
	assert.ErrorIs(t, err, ErrNotStarted)
}

// gaugeModel tracks how many Generate calls run at once.
type gaugeModel struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (g *gaugeModel) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxSeen {
		g.maxSeen = g.active
	}
	g.mu.Unlock()

	time.Sleep(time.Millisecond)

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return model.Response{Content: *core.NewTextContent("assistant", "ack"), FinishReason: "stop"}, nil
}

func (g *gaugeModel) Info() model.Info { return model.Info{Name: "gauge", Provider: "test"} }

func (g *gaugeModel) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

func TestAtMostOneActiveTurnPerConversation(t *testing.T) {
	e := newEnv(t)
	g := &gaugeModel{}
	e.d.RegisterAgent(executor.NewAgent("coord", "", g))

	const senders = 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := e.d.SubmitIntent(core.InboundText{
				ID:             core.NewID(),
				ConversationID: "c1",
				Author:         "alice",
				Content:        fmt.Sprintf("message %d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	e.waitIdle(t, "c1")

	assert.Equal(t, 1, g.max(), "turns in one conversation must never overlap")

	inbound := 0
	for _, m := range e.history(t, "c1") {
		if m.Author == "alice" {
			inbound++
		}
	}
	assert.Equal(t, senders, inbound, "no inbound message may be lost")
}

func TestConversationsRunIndependently(t *testing.T) {
	e := newEnv(t)
	e.d.RegisterAgent(executor.NewAgent("coord", "", model.NewMock()))

	for i := 0; i < 4; i++ {
		conversationID := fmt.Sprintf("conv-%d", i)
		require.NoError(t, e.d.SubmitIntent(core.InboundText{
			ID: core.NewID(), ConversationID: conversationID, Author: "alice", Content: "hi",
		}))
	}
	for i := 0; i < 4; i++ {
		e.waitIdle(t, fmt.Sprintf("conv-%d", i))
	}

	for i := 0; i < 4; i++ {
		history := e.history(t, fmt.Sprintf("conv-%d", i))
		assert.Len(t, history, 2)
	}
}
