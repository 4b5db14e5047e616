package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/thebtf/coachnote/pkg/models"
)

// DefaultTranscriptTokens bounds the transcript sent with a report request.
const DefaultTranscriptTokens = 6000

// BuildSystemPrompt builds the system message for report generation.
func BuildSystemPrompt(persona string) string {
	var sb strings.Builder
	if persona != "" {
		sb.WriteString(persona)
		sb.WriteString("\n\n")
	}
	sb.WriteString("You are writing the end-of-session report for a lifestyle budgeting conversation. ")
	sb.WriteString("Base every figure on what the client said. When the client gave no figure for a category, estimate conservatively from their stated preferences and location.\n")
	return sb.String()
}

// BuildReportPrompt builds the user message carrying the profile, the
// transcript and the required JSON shape.
func BuildReportPrompt(req Request, maxTokens int) string {
	var sb strings.Builder

	sb.WriteString("<session>\n")
	if req.ClientName != "" {
		sb.WriteString(fmt.Sprintf("  <client>%s</client>\n", req.ClientName))
	}
	if len(req.Profile) > 0 {
		keys := make([]string, 0, len(req.Profile))
		for k := range req.Profile {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("  <profile>\n")
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    <%s>%s</%s>\n", k, truncate(req.Profile[k], 500), k))
		}
		sb.WriteString("  </profile>\n")
	}
	sb.WriteString("  <transcript>\n")
	sb.WriteString(trimTranscript(req.Messages, maxTokens))
	sb.WriteString("  </transcript>\n")
	sb.WriteString("</session>\n\n")

	sb.WriteString(`Respond with a single JSON object and nothing else:
{
  "qualitative": {
    "summary": "[two or three sentences about the client's lifestyle and priorities]",
    "insights": ["[observation]"],
    "recommendations": ["[concrete suggestion]"],
    "actionItems": ["[first step the client can take this month]"]
  },
  "quantitative": {
    "monthlyIncome": 0,
    "categories": [
      {"name": "housing", "monthly": 0}
    ]
  }
}

Use plain numbers for money. Include one category for each lifestyle area discussed.`)

	return sb.String()
}

// trimTranscript renders the newest messages that fit in maxTokens.
func trimTranscript(messages []models.Message, maxTokens int) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = fmt.Sprintf("    %s: %s\n", m.Speaker, m.Text)
	}
	if maxTokens <= 0 {
		return strings.Join(lines, "")
	}

	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warn().Err(err).Msg("Tokenizer unavailable, sending full transcript")
		return strings.Join(lines, "")
	}

	budget := maxTokens
	start := len(lines)
	for start > 0 {
		ids, _, err := codec.Encode(lines[start-1])
		if err != nil || len(ids) > budget {
			break
		}
		budget -= len(ids)
		start--
	}
	if start > 0 {
		log.Debug().Int("dropped", start).Int("kept", len(lines)-start).Msg("Trimmed transcript to token budget")
	}
	return strings.Join(lines[start:], "")
}

// extractJSON returns the outermost JSON object in a model reply.
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// truncate truncates a string to the specified length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
