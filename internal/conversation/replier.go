package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/thebtf/coachnote/internal/persona"
	"github.com/thebtf/coachnote/internal/report"
	"github.com/thebtf/coachnote/internal/topic"
	"github.com/thebtf/coachnote/pkg/models"
)

// DefaultHistoryMessages is how many transcript messages a reply sees.
const DefaultHistoryMessages = 20

var errEmptyReply = errors.New("empty reply")

// ReplyRequest is the input of reply generation.
type ReplyRequest struct {
	Persona   *persona.Persona
	Topic     topic.Topic // topic the reply should address
	Advanced  bool        // Topic was entered on this turn
	UserInput string
	History   []models.Message
	Profile   models.UserProfile
	Report    *models.Report // set in report discussion
}

// Replier produces the coach's next spoken reply.
type Replier interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// LLMReplier generates replies with a chat model.
type LLMReplier struct {
	chat    report.ChatModel
	history int
}

// NewLLMReplier creates a replier on chat. history <= 0 uses DefaultHistoryMessages.
func NewLLMReplier(chat report.ChatModel, history int) *LLMReplier {
	if history <= 0 {
		history = DefaultHistoryMessages
	}
	return &LLMReplier{chat: chat, history: history}
}

func (r *LLMReplier) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	msgs := []*schema.Message{schema.SystemMessage(BuildReplyPrompt(req))}

	history := req.History
	if len(history) > r.history {
		history = history[len(history)-r.history:]
	}
	for _, m := range history {
		if m.Speaker == models.SpeakerAgent {
			msgs = append(msgs, schema.AssistantMessage(m.Text, nil))
		} else {
			msgs = append(msgs, schema.UserMessage(m.Text))
		}
	}

	reply, err := r.chat.Generate(ctx, msgs)
	if err != nil {
		return "", err
	}
	if reply == nil || strings.TrimSpace(reply.Content) == "" {
		return "", errEmptyReply
	}
	return strings.TrimSpace(reply.Content), nil
}

// BuildReplyPrompt builds the system message for one reply.
func BuildReplyPrompt(req ReplyRequest) string {
	p := req.Persona
	if p == nil {
		p = persona.Default()
	}

	var sb strings.Builder
	sb.WriteString(p.SystemPrompt)
	if p.Tone != "" {
		sb.WriteString(fmt.Sprintf("\nTone: %s.", p.Tone))
	}
	sb.WriteString("\n\n")

	if req.Topic.Mode() == topic.ModeReportDiscussion {
		sb.WriteString("The client's report is complete. Answer questions about it and help them act on it.\n")
		if req.Report != nil {
			sb.WriteString(report.SpokenSummary(req.Report))
			sb.WriteString("\n")
			if q := req.Report.Qualitative; q != nil {
				for _, rec := range q.Recommendations {
					sb.WriteString("- " + rec + "\n")
				}
			}
		}
	} else {
		sb.WriteString(fmt.Sprintf("Current topic: %s.\n", req.Topic))
		if req.Advanced {
			sb.WriteString("Briefly acknowledge the client's answer, then ask: ")
		} else {
			sb.WriteString("The client has not fully answered yet. Gently ask again: ")
		}
		sb.WriteString(p.TopicPrompt(req.Topic))
		sb.WriteString("\n")
	}

	if len(req.Profile) > 0 {
		sb.WriteString("\nKnown about the client:\n")
		for _, k := range sortedKeys(req.Profile) {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", k, req.Profile[k]))
		}
	}
	sb.WriteString("\nReply in at most three short sentences suitable for speech.")
	return sb.String()
}

// FallbackReply is the scripted reply used when generation fails.
func FallbackReply(req ReplyRequest) string {
	if req.Topic.Mode() == topic.ModeReportDiscussion {
		return req.Persona.TopicPrompt(topic.Summary)
	}
	if req.Advanced {
		return req.Persona.TopicPrompt(req.Topic)
	}
	return req.Persona.Fallback() + " " + req.Persona.TopicPrompt(req.Topic)
}
