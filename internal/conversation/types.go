// Package conversation runs one coaching turn end to end: session
// resolution, notebook restore, topic progression, report trigger, reply
// generation and persistence.
package conversation

import (
	"maps"
	"strings"

	"github.com/thebtf/coachnote/internal/report"
)

// Variable names exchanged with the voice agent.
const (
	VarSessionID       = "session_id"
	VarTherapistID     = "therapist_id"
	VarCurrentTopic    = "current_topic"
	VarError           = "error"
	VarReportGenerated = report.VarReportGenerated
	VarReportID        = report.VarReportID
)

// Error variable values.
const (
	ErrorNoSession    = "no_session"
	ErrorSessionEnded = "session_ended"
)

// SessionEndedContent is the reply to a turn on a completed or abandoned notebook.
const SessionEndedContent = "This session has already ended. " +
	"Please start a new conversation from the app if you'd like to keep going."

// NoSessionContent is the reply when the session cannot be resolved.
const NoSessionContent = "I'm sorry, I couldn't find your session. " +
	"Please restart the conversation from the app so we can pick up where you left off."

// Chat roles in inbound transcripts.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is one message of the inbound transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is the webhook payload for one turn.
type TurnRequest struct {
	Messages  []ChatMessage          `json:"messages"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// TurnResponse always carries content.
type TurnResponse struct {
	Content   string                 `json:"content"`
	Variables map[string]interface{} `json:"variables"`
}

// LatestUserMessage returns the newest user message content, or "".
func (r TurnRequest) LatestUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(r.Messages[i].Role, RoleUser) {
			return r.Messages[i].Content
		}
	}
	return ""
}

func cloneVars(vars map[string]interface{}) map[string]interface{} {
	if vars == nil {
		return make(map[string]interface{})
	}
	return maps.Clone(vars)
}

func stringVar(vars map[string]interface{}, name string) string {
	s, _ := vars[name].(string)
	return strings.TrimSpace(s)
}
