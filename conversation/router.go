package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/telemetry"
)

// pollInterval is how often Router checks a spawned turn's status while
// waiting for it to reach a terminal state. Grounded on the teacher's
// polling-based test harnesses (runtime/agent/run/inmem) rather than a
// dedicated completion signal, since neither delegate nor loop_in has a
// lower-latency notification path available without adding a second
// channel the actor would need to expose.
const pollInterval = 20 * time.Millisecond

// Router implements dispatch.Executor for TargetAgent decisions: it
// brokers an agent-targeted tool call across conversations, per spec
// §4.2's delegate/loop_in invocation modes.
//
//   - loop_in posts a new turn on the SAME conversation that made the
//     call, with Caller{Kind: CallerAgentTurn, RefID: parentTurnId}, and
//     waits for that turn to finish before reporting its final agent
//     message back as the tool's result.
//   - delegate starts a brand-new, isolated conversation (participants:
//     user + the target persona) and posts the call's arguments as that
//     conversation's first user message, with no history carried over from
//     the caller.
//
// Either way, once the spawned turn completes, Router delivers the result
// back into the ORIGINAL conversation (Decision.ExecutionID) through
// DeliverAgentResponse so the calling turn's loop can resume.
type Router struct {
	Manager *Manager
	Store   Store
	Logger  telemetry.Logger
}

var _ dispatch.Executor = (*Router)(nil)

// Dispatch implements dispatch.Executor.
func (r *Router) Dispatch(ctx context.Context, d dispatch.Decision) error {
	if d.TargetType != dispatch.TargetAgent {
		return orcherr.Newf(orcherr.KindValidation, "router: unsupported target type %q", d.TargetType).WithField("targetType")
	}
	parentTurnID, _ := d.Input["_turnId"].(string)
	if parentTurnID == "" {
		return orcherr.New(orcherr.KindValidation, "router: decision is missing _turnId").WithField("input")
	}
	content, _ := d.Input["content"].(string)

	go func() {
		ctx := context.Background()
		var (
			spawnedConvID string
			turn          storekit.Turn
			err           error
		)
		switch d.Mode {
		case dispatch.ModeLoopIn:
			spawnedConvID = d.ExecutionID
			turn, err = r.loopIn(ctx, spawnedConvID, parentTurnID, content)
		default: // dispatch.ModeDelegate, and the empty-value default
			spawnedConvID = uuid.NewString()
			turn, err = r.delegate(ctx, spawnedConvID, d.TargetID, content)
		}
		if err != nil {
			r.reportFailure(ctx, d, parentTurnID, err)
			return
		}

		finalTurn, err := r.waitForTurn(ctx, spawnedConvID, turn.ID)
		if err != nil {
			r.reportFailure(ctx, d, parentTurnID, err)
			return
		}
		r.reportResult(ctx, d, parentTurnID, spawnedConvID, finalTurn)
	}()
	return nil
}

func (r *Router) loopIn(ctx context.Context, conversationID, parentTurnID, content string) (storekit.Turn, error) {
	a, err := r.Manager.Actor(conversationID)
	if err != nil {
		return storekit.Turn{}, err
	}
	return a.PostUserMessage(ctx, PostUserMessageInput{
		Content: content,
		Caller:  storekit.Caller{Kind: storekit.CallerAgentTurn, RefID: parentTurnID},
	})
}

func (r *Router) delegate(ctx context.Context, conversationID, personaDefID, content string) (storekit.Turn, error) {
	_, a, err := r.Manager.StartConversation(ctx, StartConversationInput{
		ConversationID: conversationID,
		PersonaDefID:   personaDefID,
		Participants: []storekit.Participant{
			{Kind: storekit.ParticipantUser, ID: "router"},
			{Kind: storekit.ParticipantAgent, ID: personaDefID},
		},
	})
	if err != nil {
		return storekit.Turn{}, err
	}
	return a.PostUserMessage(ctx, PostUserMessageInput{
		Content: content,
		Caller:  storekit.Caller{Kind: storekit.CallerUser},
	})
}

// waitForTurn polls the spawned conversation's turn until it leaves
// TurnActive, since neither the loop_in nor the delegate path has a
// lower-latency completion signal available without adding another channel
// to Actor's public surface.
func (r *Router) waitForTurn(ctx context.Context, conversationID, turnID string) (storekit.Turn, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		a, err := r.Manager.Actor(conversationID)
		if err != nil {
			return storekit.Turn{}, err
		}
		turn, err := a.GetTurn(ctx, turnID)
		if err != nil {
			return storekit.Turn{}, err
		}
		if turn.Status != storekit.TurnActive {
			return turn, nil
		}
		select {
		case <-ctx.Done():
			return storekit.Turn{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Router) reportResult(ctx context.Context, d dispatch.Decision, parentTurnID, spawnedConvID string, turn storekit.Turn) {
	origin, err := r.Manager.Actor(d.ExecutionID)
	if err != nil {
		r.logWarn(ctx, "router: original conversation actor not found", d, err)
		return
	}
	outcome := ToolOutcome{Output: map[string]any{"conversationId": spawnedConvID, "turnId": turn.ID}}
	if turn.Status == storekit.TurnFailed {
		outcome = ToolOutcome{Err: &ToolError{Message: "delegated agent turn failed"}}
	} else if content, err := r.lastAgentMessage(ctx, spawnedConvID, turn.ID); err == nil && content != "" {
		outcome.Output["content"] = content
	}
	if err := origin.DeliverAgentResponse(ctx, parentTurnID, d.Correlator, outcome); err != nil {
		r.logWarn(ctx, "router: failed to deliver agent response", d, err)
	}
}

// lastAgentMessage returns the most recent agent message recorded for
// turnID, the text the calling turn's tool result carries back.
func (r *Router) lastAgentMessage(ctx context.Context, conversationID, turnID string) (string, error) {
	if r.Store == nil {
		return "", nil
	}
	msgs, err := r.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].TurnID == turnID && msgs[i].Role == storekit.RoleAgent {
			return msgs[i].Content, nil
		}
	}
	return "", nil
}

func (r *Router) reportFailure(ctx context.Context, d dispatch.Decision, parentTurnID string, err error) {
	origin, aErr := r.Manager.Actor(d.ExecutionID)
	if aErr != nil {
		r.logWarn(ctx, "router: original conversation actor not found while reporting failure", d, aErr)
		return
	}
	outErr := origin.DeliverAgentResponse(ctx, parentTurnID, d.Correlator, ToolOutcome{Err: &ToolError{Message: err.Error()}})
	if outErr != nil {
		r.logWarn(ctx, "router: failed to deliver agent failure", d, outErr)
	}
}

func (r *Router) logWarn(ctx context.Context, msg string, d dispatch.Decision, err error) {
	if r.Logger == nil {
		return
	}
	r.Logger.Warn(ctx, msg, "correlator", d.Correlator, "execution_id", d.ExecutionID, "error", err)
}
