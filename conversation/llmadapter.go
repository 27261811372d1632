package conversation

import (
	"context"
	"encoding/json"

	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/runtime/agent/model"
)

// LLMClient performs one model invocation for a turn-loop iteration. req is
// the llmRequest produced by the persona's context-assembly workflow; the
// turn loop treats it as opaque and passes it through unmodified.
type LLMClient interface {
	Complete(ctx context.Context, req map[string]any) (llmResponse, error)
}

// ModelAdapter adapts a runtime/agent/model.Client (the provider-agnostic
// client contract the rest of the corpus implements against, e.g.
// features/model/anthropic.Client over anthropic-sdk-go) into the
// simplified LLMClient this package's turn loop calls. The adapter only
// translates the envelope the turn loop needs — text and tool calls — since
// this spec's llmRequest never carries images, documents, or citations;
// richer model.Part variants a context-assembly workflow might embed are
// left untranslated rather than rejected.
type ModelAdapter struct {
	Client model.Client
}

// Complete implements LLMClient.
func (a ModelAdapter) Complete(ctx context.Context, req map[string]any) (llmResponse, error) {
	mreq, err := decodeModelRequest(req)
	if err != nil {
		return llmResponse{}, err
	}
	resp, err := a.Client.Complete(ctx, mreq)
	if err != nil {
		return llmResponse{}, err
	}
	return encodeModelResponse(resp), nil
}

func decodeModelRequest(req map[string]any) (*model.Request, error) {
	mreq := &model.Request{}
	if v, ok := req["model"].(string); ok {
		mreq.Model = v
	}
	if v, ok := req["modelClass"].(string); ok {
		mreq.ModelClass = model.ModelClass(v)
	}
	mreq.MaxTokens = intField(req, "maxTokens")

	rawMsgs, _ := req["messages"].([]any)
	for _, m := range rawMsgs {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := mm["role"].(string)
		msg := &model.Message{Role: model.ConversationRole(role)}
		if text, ok := mm["text"].(string); ok && text != "" {
			msg.Parts = append(msg.Parts, model.TextPart{Text: text})
		}
		if tr, ok := mm["toolResult"].(map[string]any); ok {
			toolUseID, _ := tr["toolUseId"].(string)
			isErr, _ := tr["isError"].(bool)
			msg.Parts = append(msg.Parts, model.ToolResultPart{
				ToolUseID: toolUseID, Content: tr["content"], IsError: isErr,
			})
		}
		if len(msg.Parts) == 0 {
			continue
		}
		mreq.Messages = append(mreq.Messages, msg)
	}

	rawTools, _ := req["tools"].([]any)
	for _, t := range rawTools {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tm["name"].(string)
		desc, _ := tm["description"].(string)
		mreq.Tools = append(mreq.Tools, &model.ToolDefinition{
			Name: name, Description: desc, InputSchema: tm["inputSchema"],
		})
	}
	if len(mreq.Messages) == 0 {
		return nil, errUnsupportedRequest
	}
	return mreq, nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func encodeModelResponse(resp *model.Response) llmResponse {
	var out llmResponse
	for _, msg := range resp.Content {
		for _, p := range msg.Parts {
			if tp, ok := p.(model.TextPart); ok {
				out.Text += tp.Text
			}
		}
	}
	for _, tc := range resp.ToolCalls {
		var input map[string]any
		if len(tc.Payload) > 0 {
			_ = json.Unmarshal(tc.Payload, &input)
		}
		out.ToolCalls = append(out.ToolCalls, llmToolCall{ID: tc.ID, Name: string(tc.Name), Input: input})
	}
	return out
}

// errUnsupportedRequest is returned when a persona's context-assembly
// workflow emits an llmRequest this adapter cannot translate at all (no
// messages, whether or not tools are present), which indicates a
// misconfigured persona rather than a transient failure.
var errUnsupportedRequest = orcherr.New(orcherr.KindValidation, "llmRequest has no messages")
