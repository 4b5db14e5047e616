// Package report generates the end-of-session report and fires it once.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thebtf/coachnote/pkg/models"
)

// ErrMalformedReport is returned when the model reply cannot be used.
var ErrMalformedReport = errors.New("malformed report")

// Request is the input of report generation.
type Request struct {
	NotebookID  string
	TherapistID string
	ClientName  string
	Persona     string // persona system prompt, optional
	Messages    []models.Message
	Profile     models.UserProfile
}

// Generator produces a structured report or fails.
type Generator interface {
	Generate(ctx context.Context, req Request) (*models.Report, error)
}

// ChatModel is the subset of the eino chat model used here.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// LLMConfig configures the chat model behind LLMGenerator.
type LLMConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	Timeout          time.Duration
	MaxTokens        int
	TranscriptTokens int
}

// LLMGenerator asks a chat model for the report as a JSON object.
type LLMGenerator struct {
	chat             ChatModel
	transcriptTokens int
	now              func() time.Time
}

// NewChatModel creates an OpenAI-compatible chat model from cfg.
func NewChatModel(ctx context.Context, cfg LLMConfig) (ChatModel, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		Timeout:   cfg.Timeout,
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return chatModel, nil
}

// NewLLMGenerator creates a generator on an OpenAI-compatible chat model.
func NewLLMGenerator(ctx context.Context, cfg LLMConfig) (*LLMGenerator, error) {
	chatModel, err := NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewGeneratorWithModel(chatModel, cfg.TranscriptTokens), nil
}

// NewGeneratorWithModel creates a generator on an existing chat model.
func NewGeneratorWithModel(chat ChatModel, transcriptTokens int) *LLMGenerator {
	if transcriptTokens <= 0 {
		transcriptTokens = DefaultTranscriptTokens
	}
	return &LLMGenerator{chat: chat, transcriptTokens: transcriptTokens, now: time.Now}
}

type reportPayload struct {
	Qualitative  models.QualitativeReport `json:"qualitative"`
	Quantitative struct {
		MonthlyIncome decimal.Decimal         `json:"monthlyIncome"`
		Categories    []models.BudgetCategory `json:"categories"`
	} `json:"quantitative"`
}

func (g *LLMGenerator) Generate(ctx context.Context, req Request) (*models.Report, error) {
	reply, err := g.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(BuildSystemPrompt(req.Persona)),
		schema.UserMessage(BuildReportPrompt(req, g.transcriptTokens)),
	})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: empty reply", ErrMalformedReport)
	}
	return g.parse(req, reply.Content)
}

func (g *LLMGenerator) parse(req Request, content string) (*models.Report, error) {
	raw, ok := extractJSON(content)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformedReport)
	}
	var payload reportPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if len(payload.Quantitative.Categories) == 0 {
		return nil, fmt.Errorf("%w: no budget categories", ErrMalformedReport)
	}
	for _, c := range payload.Quantitative.Categories {
		if c.Name == "" || c.Monthly.IsNegative() {
			return nil, fmt.Errorf("%w: invalid category %q", ErrMalformedReport, c.Name)
		}
	}

	quant := &models.QuantitativeReport{
		Categories:    payload.Quantitative.Categories,
		MonthlyIncome: payload.Quantitative.MonthlyIncome,
	}
	quant.Normalize()
	qual := payload.Qualitative

	return &models.Report{
		ID:           uuid.New().String(),
		NotebookID:   req.NotebookID,
		TherapistID:  req.TherapistID,
		GeneratedAt:  g.now().UTC(),
		Qualitative:  &qual,
		Quantitative: quant,
	}, nil
}
