package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/goa-ai/defstore"
	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/streamer"
	"goa.design/goa-ai/telemetry"
)

var errActorClosed = errors.New("conversation: actor closed")

// Personas is the subset of defstore.Store the Conversation Runner needs to
// resolve a persona definition into its PersonaConfig.
type Personas interface {
	Get(ctx context.Context, id string, version int) (storekit.Definition, error)
}

var _ Personas = (*defstore.Store)(nil)

// Store is the subset of storekit the Conversation Runner persists through.
// storekit splits conversations and turns into two separate Store
// interfaces (so a backend can shard or scale them independently); this
// module's production and test backends satisfy both from the same
// underlying client, so the Conversation Runner takes them as one value.
type Store interface {
	storekit.ConversationStore
	storekit.TurnStore
}

// combinedStore composes a ConversationStore and a TurnStore into a Store,
// for backends (like storekit/inmem) that implement them as two separate
// types.
type combinedStore struct {
	storekit.ConversationStore
	storekit.TurnStore
}

// NewStore combines a ConversationStore and a TurnStore into the Store this
// package's Actor and Manager expect.
func NewStore(conversations storekit.ConversationStore, turns storekit.TurnStore) Store {
	return combinedStore{ConversationStore: conversations, TurnStore: turns}
}

// Options configures an Actor.
type Options struct {
	ConversationID string
	Store          Store
	Personas       Personas
	LLM            LLMClient
	Dispatcher     *dispatch.Dispatcher
	Emitter        dispatch.Emitter
	Logger         telemetry.Logger
}

// Actor is the per-conversation actor that drives every active turn's
// LLM-tool loop. Grounded on streamer.Actor/coordinator.Actor's
// single-goroutine, command-channel shape: every public method round-trips
// through exec so the conversation's state is mutated by exactly one inbox
// message at a time, giving the message log and turn bookkeeping a total
// order (spec §4.2, §5) without requiring engine.Engine's replay-determinism.
type Actor struct {
	conversationID string
	store          Store
	personas       Personas
	llm            LLMClient
	dispatcher     *dispatch.Dispatcher
	emitter        dispatch.Emitter
	logger         telemetry.Logger

	cmds chan func(st *convState)
	done chan struct{}
}

// New constructs an Actor and starts its loop. The conversation itself is
// created by StartConversation.
func New(ctx context.Context, opts Options) (*Actor, error) {
	if opts.Store == nil || opts.Personas == nil || opts.LLM == nil {
		return nil, orcherr.New(orcherr.KindValidation, "conversation: Store, Personas, and LLM are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	a := &Actor{
		conversationID: opts.ConversationID,
		store:          opts.Store,
		personas:       opts.Personas,
		llm:            opts.LLM,
		dispatcher:     opts.Dispatcher,
		emitter:        opts.Emitter,
		logger:         logger,
		cmds:           make(chan func(st *convState), 64),
		done:           make(chan struct{}),
	}
	st := &convState{turns: map[string]*turnState{}}
	go a.run(ctx, st)
	return a, nil
}

func (a *Actor) run(ctx context.Context, st *convState) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-a.cmds:
			if !ok {
				return
			}
			cmd(st)
		}
	}
}

func (a *Actor) exec(ctx context.Context, fn func(st *convState)) error {
	done := make(chan struct{})
	wrapped := func(st *convState) {
		fn(st)
		close(done)
	}
	select {
	case a.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return errActorClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor's run loop.
func (a *Actor) Close() {
	close(a.cmds)
	<-a.done
}

// StartConversation implements spec §4.2's conversation creation: resolves
// the persona definition, creates the Conversation record, and seeds empty
// turn state.
func (a *Actor) StartConversation(ctx context.Context, in StartConversationInput) (storekit.Conversation, error) {
	def, err := a.personas.Get(ctx, in.PersonaDefID, in.PersonaVersion)
	if err != nil {
		return storekit.Conversation{}, orcherr.Wrap(orcherr.KindNotFound, "persona definition not found", err)
	}
	if def.Kind != storekit.KindPersona {
		return storekit.Conversation{}, orcherr.New(orcherr.KindValidation, "definition is not a persona").WithField("personaDefId")
	}
	var persona PersonaConfig
	if len(def.Content) > 0 {
		if err := json.Unmarshal(def.Content, &persona); err != nil {
			return storekit.Conversation{}, orcherr.Wrap(orcherr.KindValidation, "persona definition content is not valid JSON", err)
		}
	}

	now := time.Now().UTC()
	conv := storekit.Conversation{
		ID:           in.ConversationID,
		Participants: in.Participants,
		Status:       storekit.ConversationActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var result storekit.Conversation
	err = a.exec(ctx, func(st *convState) {
		st.conv = conv
		st.persona = persona
		result = st.conv
	})
	if err != nil {
		return storekit.Conversation{}, err
	}
	if a.store != nil {
		if err := a.store.PutConversation(ctx, result); err != nil {
			return storekit.Conversation{}, orcherr.Wrap(orcherr.KindStorageUnavailable, "failed to persist conversation", err)
		}
	}
	return result, nil
}

// PostUserMessage implements spec §4.2's postUserMessage.
func (a *Actor) PostUserMessage(ctx context.Context, in PostUserMessageInput) (storekit.Turn, error) {
	var (
		turn storekit.Turn
		err  error
	)
	execErr := a.exec(ctx, func(st *convState) {
		tc := &turnTickCtx{now: time.Now().UTC()}
		turn, err = postUserMessage(st, in, tc)
		a.finishTick(ctx, st, tc)
	})
	if execErr != nil {
		return storekit.Turn{}, execErr
	}
	return turn, err
}

// DeliverToolResult implements deliverToolResult: a sync or async tool call
// completed, routed by toolCallId.
func (a *Actor) DeliverToolResult(ctx context.Context, turnID, toolCallID string, outcome ToolOutcome) error {
	return a.deliver(ctx, turnID, toolCallID, outcome, inboxToolResult)
}

// DeliverAgentResponse implements deliverAgentResponse: an agent-targeted
// tool call's delegated/loop_in conversation produced its final agent
// message, routed back to the turn that made the call.
func (a *Actor) DeliverAgentResponse(ctx context.Context, turnID, toolCallID string, outcome ToolOutcome) error {
	return a.deliver(ctx, turnID, toolCallID, outcome, inboxAgentResponse)
}

func (a *Actor) deliver(ctx context.Context, turnID, toolCallID string, outcome ToolOutcome, kind inboxKind) error {
	return a.exec(ctx, func(st *convState) {
		if a.dispatcher != nil {
			a.dispatcher.Resolve(ctx, a.emitter, toolCallID)
		}
		tc := &turnTickCtx{now: time.Now().UTC()}
		if err := applyInbox(st, inboxMessage{kind: kind, turnID: turnID, toolCallID: toolCallID, outcome: outcome}, tc); err != nil {
			a.logger.Warn(ctx, "conversation: failed to apply tool outcome", "turn_id", turnID, "tool_call_id", toolCallID, "error", err)
		}
		a.finishTick(ctx, st, tc)
	})
}

// DeliverContextAssembled feeds a context-assembly workflow's result back
// into the owning turn's loop (spec §4.2 step 1's continuation).
func (a *Actor) DeliverContextAssembled(ctx context.Context, turnID string, llmRequest map[string]any, assembleErr error) error {
	err := a.exec(ctx, func(st *convState) {
		if a.dispatcher != nil {
			a.dispatcher.Resolve(ctx, a.emitter, turnID+":ctx")
		}
		tc := &turnTickCtx{now: time.Now().UTC()}
		if applyErr := applyInbox(st, inboxMessage{kind: inboxContextAssembled, turnID: turnID, llmRequest: llmRequest, assembleErr: assembleErr}, tc); applyErr != nil {
			a.logger.Warn(ctx, "conversation: failed to apply context assembly", "turn_id", turnID, "error", applyErr)
		}
		a.finishTick(ctx, st, tc)
		a.startLLMCalls(ctx, tc.assembleNow)
	})
	return err
}

// startLLMCalls spawns one goroutine per queued LLM call, posting the
// result back into the actor's single inbox once it returns — the same
// self-posting pattern as coordinator.Actor.armTimer, letting many turns'
// model calls run concurrently while every resulting mutation still
// replays through the single command channel.
func (a *Actor) startLLMCalls(ctx context.Context, calls []llmCallRequest) {
	for _, call := range calls {
		call := call
		go func() {
			resp, err := a.llm.Complete(context.Background(), call.Request)
			select {
			case a.cmds <- func(st *convState) {
				tc := &turnTickCtx{now: time.Now().UTC()}
				if applyErr := applyInbox(st, inboxMessage{
					kind: inboxLLMResponse, turnID: call.TurnID, llmSeq: call.IterationSeq,
					llmResp: &resp, llmErr: err,
				}, tc); applyErr != nil {
					a.logger.Warn(ctx, "conversation: failed to apply llm response", "turn_id", call.TurnID, "error", applyErr)
				}
				a.finishTick(ctx, st, tc)
			}:
			case <-a.done:
			}
		}()
	}
}

// DeliverMemoryExtractionResult records the outcome of a turn's
// fire-and-forget memory-extraction dispatch (spec §4.2 step 7).
func (a *Actor) DeliverMemoryExtractionResult(ctx context.Context, turnID string, memErr error) error {
	return a.exec(ctx, func(st *convState) {
		if a.dispatcher != nil {
			a.dispatcher.Resolve(ctx, a.emitter, turnID+":memx")
		}
		tc := &turnTickCtx{now: time.Now().UTC()}
		if err := applyInbox(st, inboxMessage{kind: inboxMemoryExtracted, turnID: turnID, memErr: memErr}, tc); err != nil {
			a.logger.Warn(ctx, "conversation: failed to apply memory extraction result", "turn_id", turnID, "error", err)
		}
		a.finishTick(ctx, st, tc)
	})
}

// CancelTurn implements spec §4.2's cancel(turnId).
func (a *Actor) CancelTurn(ctx context.Context, turnID, reason string) error {
	return a.exec(ctx, func(st *convState) {
		if a.dispatcher != nil {
			for _, o := range a.dispatcher.Outstanding() {
				if o.Decision.ExecutionID != st.conv.ID {
					continue
				}
				owner, _ := o.Decision.Input["_turnId"].(string)
				if owner == "" {
					owner, _ = o.Decision.Input["turnId"].(string)
				}
				if owner == turnID {
					a.dispatcher.Forget(o.Correlator)
				}
			}
		}
		tc := &turnTickCtx{now: time.Now().UTC()}
		if err := applyInbox(st, inboxMessage{kind: inboxCancelTurn, turnID: turnID, reason: reason}, tc); err != nil {
			a.logger.Warn(ctx, "conversation: failed to cancel turn", "turn_id", turnID, "error", err)
		}
		a.finishTick(ctx, st, tc)
	})
}

// GetConversation returns a snapshot of the conversation's current state.
func (a *Actor) GetConversation(ctx context.Context) (storekit.Conversation, error) {
	var result storekit.Conversation
	err := a.exec(ctx, func(st *convState) { result = st.conv })
	return result, err
}

// GetTurn returns a snapshot of one turn's current state.
func (a *Actor) GetTurn(ctx context.Context, turnID string) (storekit.Turn, error) {
	var (
		result storekit.Turn
		ok     bool
	)
	err := a.exec(ctx, func(st *convState) {
		ts, found := st.turns[turnID]
		if found {
			result, ok = ts.turn, true
		}
	})
	if err != nil {
		return storekit.Turn{}, err
	}
	if !ok {
		return storekit.Turn{}, orcherr.New(orcherr.KindNotFound, "turn not found").WithField("turnId")
	}
	return result, nil
}

// finishTick persists the turns/messages/moves produced by one inbox
// application, queues any resulting dispatches, and emits the tick's
// events, implementing the persistence+dispatch side of spec §4.2's
// per-turn loop. Runs from inside the actor's single goroutine.
func (a *Actor) finishTick(ctx context.Context, st *convState, tc *turnTickCtx) {
	if a.store != nil {
		if err := a.store.PutConversation(ctx, st.conv); err != nil {
			a.logger.Error(ctx, "conversation: failed to persist conversation", "conversation_id", a.conversationID, "error", err)
		}
		for _, turnID := range touchedTurns(tc) {
			ts, ok := st.turns[turnID]
			if !ok {
				continue
			}
			if err := a.store.PutTurn(ctx, ts.turn); err != nil {
				a.logger.Error(ctx, "conversation: failed to persist turn", "turn_id", turnID, "error", err)
			}
		}
		for _, msg := range tc.messages {
			if err := a.store.AppendMessage(ctx, msg); err != nil {
				a.logger.Error(ctx, "conversation: failed to append message", "turn_id", msg.TurnID, "error", err)
			}
		}
		for _, mv := range tc.moves {
			if err := a.store.AppendMove(ctx, mv); err != nil {
				a.logger.Error(ctx, "conversation: failed to append move", "turn_id", mv.TurnID, "error", err)
			}
		}
	}
	for _, d := range tc.dispatches {
		if a.dispatcher == nil {
			continue
		}
		if err := a.dispatcher.Queue(ctx, a.emitter, d); err != nil {
			a.logger.Warn(ctx, "conversation: dispatch failed", "conversation_id", a.conversationID, "correlator", d.Correlator, "error", err)
		}
	}
	if a.emitter == nil {
		return
	}
	for _, e := range tc.events {
		if _, err := a.emitEvent(ctx, e.Type, e.TurnID, e.Metadata); err != nil {
			a.logger.Warn(ctx, "conversation: failed to emit event", "conversation_id", a.conversationID, "type", e.Type, "error", err)
		}
	}
}

// touchedTurns collects the distinct turn IDs a tick's events reference, so
// finishTick only re-persists turns that actually changed this tick.
func touchedTurns(tc *turnTickCtx) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, e := range tc.events {
		add(e.TurnID)
	}
	for _, m := range tc.messages {
		add(m.TurnID)
	}
	for _, mv := range tc.moves {
		add(mv.TurnID)
	}
	return out
}

func (a *Actor) emitEvent(ctx context.Context, typ, turnID string, meta map[string]any) (storekit.Event, error) {
	return a.emitter.EmitEvent(ctx, streamer.EventInput{
		ExecutionID:   a.conversationID,
		ExecutionType: storekit.ExecutionConversation,
		Type:          typ,
		NodeID:        turnID,
		Metadata:      meta,
	})
}
