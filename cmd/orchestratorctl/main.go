// Command orchestratorctl is an in-process demo of the Conversation Runner:
// it registers a persona definition in a Definition Store, starts one
// conversation, posts a user message, and drives the turn loop to
// completion against a real anthropic-sdk-go-backed LLMClient. Storage and
// the context-assembly dispatch are both in-process stand-ins (storekit/inmem,
// inlineContextAssembler below); there is no HTTP/RPC shell here.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"goa.design/goa-ai/conversation"
	"goa.design/goa-ai/defstore"
	"goa.design/goa-ai/dispatch"
	"goa.design/goa-ai/features/model/anthropic"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/storekit/inmem"
	"goa.design/goa-ai/streamer"
	"goa.design/goa-ai/telemetry"
)

const (
	personaDefID   = "demo.assistant"
	conversationID = "demo-conversation"
	defaultModel   = "claude-sonnet-4-5"
)

func main() {
	message := flag.String("message", "Say hello in one sentence.", "user message to post to the demo conversation")
	model := flag.String("model", defaultModel, "Anthropic model ID the persona's model profile resolves to")
	flag.Parse()

	if err := run(context.Background(), *message, *model); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratorctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, message, model string) error {
	logger := telemetry.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	client, err := anthropic.NewFromAPIKey(apiKey, model)
	if err != nil {
		return fmt.Errorf("construct anthropic client: %w", err)
	}
	llm := conversation.ModelAdapter{Client: client}

	defs, err := defstore.New(defstore.Options{Backend: inmem.New(), Logger: logger})
	if err != nil {
		return fmt.Errorf("construct definition store: %w", err)
	}
	personaID, err := seedPersona(ctx, defs)
	if err != nil {
		return fmt.Errorf("seed persona definition: %w", err)
	}

	store := conversation.NewStore(inmem.NewConversationStore(), inmem.NewTurnStore())

	events, err := streamer.New(ctx, streamer.Options{
		StreamKey: conversationID,
		Store:     inmem.NewEventStore(),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("construct streamer actor: %w", err)
	}
	defer events.Close()

	assembler := &inlineContextAssembler{}
	dispatcher, err := dispatch.New(dispatch.Options{Executor: assembler, Logger: logger})
	if err != nil {
		return fmt.Errorf("construct dispatcher: %w", err)
	}

	actor, err := conversation.New(ctx, conversation.Options{
		ConversationID: conversationID,
		Store:          store,
		Personas:       defs,
		LLM:            llm,
		Dispatcher:     dispatcher,
		Emitter:        events,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("construct conversation actor: %w", err)
	}
	defer actor.Close()
	assembler.actor = actor

	if _, err := actor.StartConversation(ctx, conversation.StartConversationInput{
		ConversationID: conversationID,
		PersonaDefID:   personaID,
		Participants: []storekit.Participant{
			{Kind: storekit.ParticipantUser, ID: "demo-user"},
		},
	}); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}

	turn, err := actor.PostUserMessage(ctx, conversation.PostUserMessageInput{Content: message})
	if err != nil {
		return fmt.Errorf("post user message: %w", err)
	}

	turn, err = waitForTurn(ctx, actor, turn.ID, 30*time.Second)
	if err != nil {
		return err
	}

	fmt.Println("Turn status:", turn.Status)
	messages, err := store.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	for _, msg := range messages {
		fmt.Printf("%s: %s\n", msg.Role, msg.Content)
	}
	return nil
}

func seedPersona(ctx context.Context, defs *defstore.Store) (string, error) {
	persona := conversation.PersonaConfig{
		// Resolved by inlineContextAssembler below rather than a workflow
		// definition; see its doc comment.
		ContextAssemblyWorkflowID: "demo.context-assembly",
		ModelProfileID:            "demo.model-profile",
		RecentTurns:               5,
	}
	content, err := json.Marshal(persona)
	if err != nil {
		return "", err
	}
	res, err := defs.Put(ctx, defstore.PutInput{
		Kind:      storekit.KindPersona,
		Name:      "demo-assistant",
		Reference: personaDefID,
		ProjectID: "demo-project",
		Content:   content,
	})
	if err != nil {
		return "", err
	}
	return res.Definition.ID, nil
}

func waitForTurn(ctx context.Context, actor *conversation.Actor, turnID string, timeout time.Duration) (storekit.Turn, error) {
	deadline := time.Now().Add(timeout)
	for {
		turn, err := actor.GetTurn(ctx, turnID)
		if err != nil {
			return storekit.Turn{}, err
		}
		if turn.Status != storekit.TurnActive {
			return turn, nil
		}
		if time.Now().After(deadline) {
			return storekit.Turn{}, fmt.Errorf("timed out waiting for turn %s to complete", turnID)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// inlineContextAssembler stands in for a dispatched context-assembly
// workflow (§4.2 step 1): instead of routing the dispatch.TargetWorkflow
// decision to an external workflow run, it builds the llmRequest directly
// from the turn's user message and delivers it back to the Actor
// in-process. A production deployment instead dispatches
// PersonaConfig.ContextAssemblyWorkflowID through the Workflow Coordinator
// via dispatch.EngineExecutor.
type inlineContextAssembler struct {
	actor *conversation.Actor
}

var _ dispatch.Executor = (*inlineContextAssembler)(nil)

func (a *inlineContextAssembler) Dispatch(ctx context.Context, d dispatch.Decision) error {
	switch d.TargetType {
	case dispatch.TargetWorkflow:
		turnID, _ := d.Input["turnId"].(string)
		userMessage, _ := d.Input["userMessage"].(string)
		req := map[string]any{
			"messages": []any{
				map[string]any{"role": "user", "text": userMessage},
			},
		}
		go a.actor.DeliverContextAssembled(ctx, turnID, req, nil)
		return nil
	default:
		turnID, _ := d.Input["_turnId"].(string)
		go a.actor.DeliverToolResult(ctx, turnID, d.Correlator, conversation.ToolOutcome{
			Err: &conversation.ToolError{Message: fmt.Sprintf("no executor wired for target type %q", d.TargetType)},
		})
		return nil
	}
}
