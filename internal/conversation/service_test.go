package conversation

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/coachnote/internal/notebook"
	"github.com/thebtf/coachnote/internal/persona"
	"github.com/thebtf/coachnote/internal/report"
	"github.com/thebtf/coachnote/internal/session"
	"github.com/thebtf/coachnote/internal/sse"
	"github.com/thebtf/coachnote/internal/storage"
	"github.com/thebtf/coachnote/internal/topic"
	"github.com/thebtf/coachnote/pkg/models"
)

const longAnswer = "I would love a small flat near the river with a balcony"

type stubGenerator struct {
	calls atomic.Int32
	err   error
}

func (g *stubGenerator) Generate(_ context.Context, req report.Request) (*models.Report, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	quant := &models.QuantitativeReport{
		MonthlyIncome: decimal.NewFromInt(4000),
		Categories: []models.BudgetCategory{
			{Name: "housing", Monthly: decimal.NewFromInt(1500)},
			{Name: "food", Monthly: decimal.NewFromInt(500)},
		},
	}
	quant.Normalize()
	return &models.Report{
		ID:           "rep-1",
		NotebookID:   req.NotebookID,
		TherapistID:  req.TherapistID,
		GeneratedAt:  time.Now(),
		Qualitative:  &models.QualitativeReport{Summary: "Balanced."},
		Quantitative: quant,
	}, nil
}

type stubReplier struct {
	calls atomic.Int32
	err   error
	last  ReplyRequest
}

func (r *stubReplier) Reply(_ context.Context, req ReplyRequest) (string, error) {
	r.calls.Add(1)
	r.last = req
	if r.err != nil {
		return "", r.err
	}
	return "reply about " + string(req.Topic), nil
}

// conflictOnceStore reports a revision conflict on its first save.
type conflictOnceStore struct {
	notebook.Store
	tripped atomic.Bool
}

func (c *conflictOnceStore) SaveNotebook(ctx context.Context, snap models.NotebookSnapshot, expected int64) error {
	if c.tripped.CompareAndSwap(false, true) {
		return models.ErrRevisionConflict
	}
	return c.Store.SaveNotebook(ctx, snap, expected)
}

// ServiceSuite is a test suite for turn processing.
type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	registry *session.Registry
	durable  *notebook.BackendStore
	gen      *stubGenerator
	replier  *stubReplier
	events   *sse.Broadcaster
	service  *Service
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.registry = session.NewRegistry(storage.NewMemory())
	s.durable = notebook.NewBackendStore(storage.NewMemory())
	s.gen = &stubGenerator{}
	s.replier = &stubReplier{}
	s.events = sse.NewBroadcaster()
	s.service = s.newService(notebook.Tiers{
		Cache:   notebook.NewBackendStore(storage.NewMemory()),
		Durable: s.durable,
	})
}

func (s *ServiceSuite) newService(tiers notebook.Tiers) *Service {
	resolver := session.NewResolver(s.registry)
	resolver.SetSleep(func(context.Context, time.Duration) error { return nil })
	personas, err := persona.NewSource("")
	s.Require().NoError(err)
	return NewService(Deps{
		Resolver: resolver,
		Tiers:    tiers,
		Personas: personas,
		Trigger:  report.NewTrigger(s.gen, time.Second),
		Replier:  s.replier,
		Events:   s.events,
	})
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) register(handle string) {
	_, err := s.registry.Register(s.ctx, handle, "therapist-1")
	s.Require().NoError(err)
}

// seed stores a notebook for handle positioned at t with one long message.
func (s *ServiceSuite) seed(handle string, t topic.Topic) {
	nb := models.NewNotebook(handle, "therapist-1", "Sam")
	nb.AddMessage(models.SpeakerUser, longAnswer)
	nb.UpdateTopic(string(t))
	s.Require().NoError(s.durable.SaveNotebook(s.ctx, nb.Snapshot(), models.AnyRevision))
}

func turn(text string, vars map[string]interface{}) TurnRequest {
	return TurnRequest{
		Messages: []ChatMessage{
			{Role: RoleAssistant, Content: "previous question"},
			{Role: RoleUser, Content: text},
		},
		Variables: vars,
	}
}

func (s *ServiceSuite) stored(id string) *models.Notebook {
	nb, err := s.durable.LoadNotebook(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(nb)
	return nb
}

func (s *ServiceSuite) TestNoSession() {
	resp := s.service.ProcessTurn(s.ctx, turn(longAnswer, nil))

	s.Equal(NoSessionContent, resp.Content)
	s.Equal(ErrorNoSession, resp.Variables[VarError])
	s.Equal(int64(1), s.service.Metrics().Snapshot().ResolutionFailures)
}

func (s *ServiceSuite) TestUnknownHandleIsNotGuessed() {
	s.register("call-a")

	resp := s.service.ProcessTurn(s.ctx, turn(longAnswer, map[string]interface{}{VarSessionID: "call-b"}))

	s.Equal(NoSessionContent, resp.Content)
	s.Equal(ErrorNoSession, resp.Variables[VarError])
}

func (s *ServiceSuite) TestProgression() {
	s.register("call-1")

	tests := []struct {
		name  string
		input string
		want  topic.Topic
	}{
		{name: "long intro answer advances", input: "Hello there, happy to get started", want: topic.Name},
		{name: "short answer stays", input: "Sam", want: topic.Name},
		{name: "long name answer advances", input: "My name is Samantha Jones", want: topic.Age},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.service.ProcessTurn(s.ctx, turn(tt.input, nil))
			s.Equal(string(tt.want), resp.Variables[VarCurrentTopic])
			s.Equal("call-1", resp.Variables[VarSessionID])
			s.Equal("therapist-1", resp.Variables[VarTherapistID])
			s.Equal("reply about "+string(tt.want), resp.Content)
		})
	}

	nb := s.stored("call-1")
	s.Equal(string(topic.Age), nb.CurrentTopic())
	s.Len(nb.Messages(), 6)
	s.Equal("My name is Samantha Jones", nb.Profile()["name"])
	s.Equal("My name is Samantha Jones", nb.ClientName())
	s.Len(nb.Notes(), 2)
}

func (s *ServiceSuite) TestFreshNotebookUsesVariableTopic() {
	s.register("call-1")

	resp := s.service.ProcessTurn(s.ctx, turn(longAnswer, map[string]interface{}{
		VarSessionID:    "call-1",
		VarCurrentTopic: string(topic.HousingLocation),
	}))

	s.Equal(string(topic.HousingPreference), resp.Variables[VarCurrentTopic])
	s.Equal(longAnswer, s.stored("call-1").Profile()["housingLocation"])
}

func (s *ServiceSuite) TestReplyFailureUsesScript() {
	s.register("call-1")
	s.replier.err = errors.New("429 too many requests")

	resp := s.service.ProcessTurn(s.ctx, turn("ok", nil))

	p := persona.Default()
	s.Equal(p.Fallback()+" "+p.TopicPrompt(topic.Intro), resp.Content)
	s.Equal(int64(1), s.service.Metrics().Snapshot().LLMFailures)
}

func (s *ServiceSuite) TestSummaryEdgeGeneratesReport() {
	s.register("call-1")
	s.seed("call-1", topic.TravelPreference)

	resp := s.service.ProcessTurn(s.ctx, turn("Two long trips abroad every single year", nil))

	s.Equal(int32(1), s.gen.calls.Load())
	s.Equal(string(topic.Summary), resp.Variables[VarCurrentTopic])
	s.Equal(true, resp.Variables[VarReportGenerated])
	s.Equal("rep-1", resp.Variables[VarReportID])
	s.Contains(resp.Content, "across 2 categories")

	nb := s.stored("call-1")
	s.True(nb.HasReport())
	s.Equal("rep-1", nb.ReportID())
	s.Equal(string(topic.Summary), nb.CurrentTopic())

	// The next turn discusses the report instead of regenerating it.
	resp = s.service.ProcessTurn(s.ctx, turn("Can we talk about the housing number?", resp.Variables))
	s.Equal(int32(1), s.gen.calls.Load())
	s.Equal("reply about summary", resp.Content)
	s.Require().NotNil(s.replier.last.Report)
	s.Equal("rep-1", s.replier.last.Report.ID)
}

func (s *ServiceSuite) TestReportFailureReturnsToHousing() {
	s.register("call-1")
	s.seed("call-1", topic.TravelPreference)
	s.gen.err = context.DeadlineExceeded

	resp := s.service.ProcessTurn(s.ctx, turn("Two long trips abroad every single year", nil))

	s.Equal(report.FailureContent, resp.Content)
	s.Equal(string(topic.HousingPreference), resp.Variables[VarCurrentTopic])
	s.NotContains(resp.Variables, VarReportGenerated)
	s.False(s.stored("call-1").HasReport())
	s.Equal(int64(1), s.service.Metrics().Snapshot().ReportFailures)
}

func (s *ServiceSuite) TestConflictRetriesTurnOnce() {
	durable := &conflictOnceStore{Store: s.durable}
	s.service = s.newService(notebook.Tiers{Durable: durable})
	s.register("call-1")
	s.seed("call-1", topic.TravelPreference)

	resp := s.service.ProcessTurn(s.ctx, turn("Two long trips abroad every single year", nil))

	s.Equal(string(topic.Summary), resp.Variables[VarCurrentTopic])
	s.Equal(int32(1), s.gen.calls.Load())
	s.Equal(int64(1), s.service.Metrics().Snapshot().SaveConflicts)

	nb := s.stored("call-1")
	s.Len(nb.Messages(), 3)
	s.True(nb.HasReport())
}

// flakyStore fails the next n saves, then delegates.
type flakyStore struct {
	notebook.Store
	failing atomic.Int32
}

func (f *flakyStore) SaveNotebook(ctx context.Context, snap models.NotebookSnapshot, expected int64) error {
	if f.failing.Add(-1) >= 0 {
		return errors.New("tier down")
	}
	f.failing.Store(0)
	return f.Store.SaveNotebook(ctx, snap, expected)
}

// TestTranscriptGrowsAfterTierRecovers tests a single missed write on
// either tier does not stop later turns from being recorded.
func (s *ServiceSuite) TestTranscriptGrowsAfterTierRecovers() {
	for _, flaky := range []string{"durable", "cache"} {
		s.Run(flaky, func() {
			s.durable = notebook.NewBackendStore(storage.NewMemory())
			cache := &flakyStore{Store: notebook.NewBackendStore(storage.NewMemory())}
			durable := &flakyStore{Store: s.durable}
			s.service = s.newService(notebook.Tiers{Cache: cache, Durable: durable})
			s.register("call-" + flaky)
			vars := map[string]interface{}{VarSessionID: "call-" + flaky}

			for i := 1; i <= 5; i++ {
				if i == 2 {
					if flaky == "durable" {
						durable.failing.Store(1)
					} else {
						cache.failing.Store(1)
					}
				}
				resp := s.service.ProcessTurn(s.ctx, turn("ok", vars))
				s.NotContains(resp.Variables, VarError)
			}

			s.Len(s.stored("call-"+flaky).Messages(), 10)
			s.Zero(s.service.Metrics().Snapshot().SaveConflicts)
		})
	}
}

func (s *ServiceSuite) TestFinishedNotebookIsNotMutated() {
	tests := []struct {
		name   string
		finish func(*models.Notebook) error
	}{
		{name: "completed", finish: (*models.Notebook).MarkCompleted},
		{name: "abandoned", finish: (*models.Notebook).MarkAbandoned},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			handle := "call-" + tt.name
			s.register(handle)
			nb := models.NewNotebook(handle, "therapist-1", "Sam")
			nb.AddMessage(models.SpeakerUser, longAnswer)
			nb.UpdateTopic(string(topic.Age))
			s.Require().NoError(tt.finish(nb))
			snap := nb.Snapshot()
			snap.Revision = 1
			s.Require().NoError(s.durable.SaveNotebook(s.ctx, snap, models.AnyRevision))

			resp := s.service.ProcessTurn(s.ctx, turn("I am thirty four years old now", map[string]interface{}{VarSessionID: handle}))

			s.Equal(SessionEndedContent, resp.Content)
			s.Equal(ErrorSessionEnded, resp.Variables[VarError])
			s.Equal(string(topic.Age), resp.Variables[VarCurrentTopic])

			stored := s.stored(handle)
			s.Equal(int64(1), stored.Revision())
			s.Len(stored.Messages(), 1)
			s.Equal(string(topic.Age), stored.CurrentTopic())
			s.Empty(stored.Profile()["age"])
		})
	}
}

func (s *ServiceSuite) TestPrivateContentIsNotRecorded() {
	s.register("call-1")

	s.service.ProcessTurn(s.ctx, turn("<private>my bank pin</private>", nil))

	nb := s.stored("call-1")
	require.Len(s.T(), nb.Messages(), 1)
	s.Equal(models.SpeakerAgent, nb.Messages()[0].Speaker)
}

func TestLatestUserMessage(t *testing.T) {
	req := TurnRequest{Messages: []ChatMessage{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "question"},
		{Role: "USER", Content: "second"},
		{Role: RoleSystem, Content: "note"},
	}}
	assert.Equal(t, "second", req.LatestUserMessage())
	assert.Equal(t, "", TurnRequest{}.LatestUserMessage())
}

type fakeChat struct {
	reply string
	err   error
	input []*schema.Message
}

func (f *fakeChat) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func TestLLMReplier(t *testing.T) {
	chat := &fakeChat{reply: "  Lovely. Where would you like to live?  "}
	r := NewLLMReplier(chat, 2)

	history := []models.Message{
		{Speaker: models.SpeakerAgent, Text: "one"},
		{Speaker: models.SpeakerUser, Text: "two"},
		{Speaker: models.SpeakerAgent, Text: "three"},
	}
	out, err := r.Reply(context.Background(), ReplyRequest{
		Persona:  persona.Default(),
		Topic:    topic.HousingLocation,
		Advanced: true,
		History:  history,
		Profile:  models.UserProfile{"name": "Sam"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Lovely. Where would you like to live?", out)

	require.Len(t, chat.input, 3)
	assert.Equal(t, schema.System, chat.input[0].Role)
	assert.Contains(t, chat.input[0].Content, persona.Default().TopicPrompt(topic.HousingLocation))
	assert.Contains(t, chat.input[0].Content, "- name: Sam")
	assert.Equal(t, schema.User, chat.input[1].Role)
	assert.Equal(t, schema.Assistant, chat.input[2].Role)

	chat.reply = "   "
	_, err = r.Reply(context.Background(), ReplyRequest{Topic: topic.Age})
	assert.Error(t, err)
}

func TestFallbackReply(t *testing.T) {
	p := persona.Default()
	tests := []struct {
		name string
		req  ReplyRequest
		want string
	}{
		{name: "advanced asks next question", req: ReplyRequest{Persona: p, Topic: topic.Age, Advanced: true}, want: p.TopicPrompt(topic.Age)},
		{name: "stayed repeats with apology", req: ReplyRequest{Persona: p, Topic: topic.Age}, want: p.Fallback() + " " + p.TopicPrompt(topic.Age)},
		{name: "summary discusses report", req: ReplyRequest{Persona: p, Topic: topic.Summary}, want: p.TopicPrompt(topic.Summary)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FallbackReply(tt.req))
			assert.False(t, strings.HasPrefix(FallbackReply(tt.req), " "))
		})
	}
}
