// Package dispatch routes typed extraction tasks to the completion oracle.
// Each task type carries a fixed system prompt and a prompt template;
// supplied fields are interpolated verbatim. Exactly one oracle call is made
// per task and no retry is performed at this layer.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/coverdesk/policy-cli/internal/config"
	"github.com/coverdesk/policy-cli/internal/extract"
	"github.com/coverdesk/policy-cli/internal/store"
	"github.com/coverdesk/policy-cli/pkg/oracle"
)

// TaskType identifies the analysis task.
type TaskType string

const (
	TaskRiskScore           TaskType = "risk_score"
	TaskPolicySummary       TaskType = "policy_summary"
	TaskExtractPolicyNumber TaskType = "extract_policy_number"
	TaskChat                TaskType = "chat"
	TaskProductNormalize    TaskType = "product_normalize"
)

// ValidTaskType reports whether t is a known task type.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskRiskScore, TaskPolicySummary, TaskExtractPolicyNumber, TaskChat, TaskProductNormalize:
		return true
	}
	return false
}

// Task is one dispatchable unit of work.
type Task struct {
	Type TaskType       `json:"type"`
	Data map[string]any `json:"data"`
}

// DispatchError marks a transport-level oracle failure. Malformed oracle
// text is not a dispatch error; it surfaces as an unparsed Result instead.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string { return e.Err.Error() }
func (e *DispatchError) Unwrap() error { return e.Err }

// IsDispatchError reports whether err is (or wraps) a DispatchError.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// Outcome is the result of dispatching one task.
type Outcome struct {
	TaskType       TaskType          `json:"task_type"`
	Content        string            `json:"content,omitempty"` // chat reply text
	ConversationID string            `json:"conversation_id,omitempty"`
	Result         extract.Result    `json:"result"`
	Usage          oracle.TokenUsage `json:"-"`
}

// Dispatcher selects prompts per task type and forwards them to the oracle.
type Dispatcher struct {
	oracle oracle.Client
	store  store.Store
	cfg    config.OracleConfig
}

// New creates a Dispatcher.
func New(client oracle.Client, st store.Store, cfg config.OracleConfig) *Dispatcher {
	return &Dispatcher{oracle: client, store: st, cfg: cfg}
}

// Dispatch runs one task against the oracle. For structured tasks the reply
// is parsed (parse failure is non-fatal, see extract.Parse); for chat tasks
// the user message and reply are persisted to the conversation log before the
// reply is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) (*Outcome, error) {
	if !ValidTaskType(task.Type) {
		return nil, eris.Errorf("dispatch: unknown task type %q", task.Type)
	}

	if task.Type == TaskChat {
		return d.dispatchChat(ctx, task)
	}

	prompt, err := buildPrompt(task)
	if err != nil {
		return nil, err
	}

	temp := taskTemperature(task.Type)
	resp, err := d.oracle.Complete(ctx, oracle.Request{
		Model:       d.cfg.Model,
		MaxTokens:   d.cfg.MaxTokens,
		System:      systemPrompts[task.Type],
		Messages:    []oracle.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, &DispatchError{Err: eris.Wrapf(err, "dispatch: %s", task.Type)}
	}
	resp.Usage.LogCost(d.cfg.Model, string(task.Type))

	result := extract.Parse(resp.Text)
	if !result.ParseSucceeded {
		zap.L().Warn("dispatch: oracle output not structured, returning raw wrap",
			zap.String("task", string(task.Type)),
		)
	}

	return &Outcome{
		TaskType: task.Type,
		Result:   result,
		Usage:    resp.Usage,
	}, nil
}

func (d *Dispatcher) dispatchChat(ctx context.Context, task Task) (*Outcome, error) {
	message := dataString(task.Data, "message")
	if message == "" {
		return nil, eris.New("dispatch: chat message is required")
	}

	conversationID := dataString(task.Data, "conversation_id")
	if conversationID == "" {
		conv, err := d.store.CreateConversation(ctx,
			dataString(task.Data, "policy_id"), dataString(task.Data, "user_id"))
		if err != nil {
			return nil, eris.Wrap(err, "dispatch: create conversation")
		}
		conversationID = conv.ID
	}

	history, err := d.store.ListChatMessages(ctx, conversationID)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: load conversation")
	}

	messages := make([]oracle.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, oracle.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, oracle.Message{Role: "user", Content: message})

	if _, err := d.store.AppendChatMessage(ctx, conversationID, "user", message); err != nil {
		return nil, eris.Wrap(err, "dispatch: persist user message")
	}

	temp := taskTemperature(TaskChat)
	resp, err := d.oracle.Complete(ctx, oracle.Request{
		Model:       d.cfg.ChatModel,
		MaxTokens:   d.cfg.ChatMaxTokens,
		System:      systemPrompts[TaskChat],
		Messages:    messages,
		Temperature: &temp,
	})
	if err != nil {
		return nil, &DispatchError{Err: eris.Wrap(err, "dispatch: chat")}
	}
	resp.Usage.LogCost(d.cfg.ChatModel, string(TaskChat))

	if _, err := d.store.AppendChatMessage(ctx, conversationID, "assistant", resp.Text); err != nil {
		return nil, eris.Wrap(err, "dispatch: persist assistant message")
	}

	return &Outcome{
		TaskType:       TaskChat,
		Content:        resp.Text,
		ConversationID: conversationID,
		Result:         extract.Result{RawText: resp.Text, ParseSucceeded: false},
		Usage:          resp.Usage,
	}, nil
}

// dataString pulls a string value out of a task's data map.
func dataString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// dataAny formats any data value for prompt interpolation.
func dataAny(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
