package conversation

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/coachnote/internal/notebook"
	"github.com/thebtf/coachnote/internal/persona"
	"github.com/thebtf/coachnote/internal/report"
	"github.com/thebtf/coachnote/internal/session"
	"github.com/thebtf/coachnote/internal/sse"
	"github.com/thebtf/coachnote/internal/textclean"
	"github.com/thebtf/coachnote/internal/topic"
	"github.com/thebtf/coachnote/pkg/models"
)

// Resolution defaults.
const (
	DefaultResolveAttempts = 3
	DefaultResolveDelay    = 100 * time.Millisecond
)

// PersonaSource serves the current persona catalog.
type PersonaSource interface {
	Catalog() *persona.Catalog
}

// Deps are the collaborators of a Service. Replier, Events and Metrics are
// optional.
type Deps struct {
	Resolver        *session.Resolver
	Tiers           notebook.Tiers
	Personas        PersonaSource
	Trigger         *report.Trigger
	Replier         Replier
	Events          *sse.Broadcaster
	Metrics         *Metrics
	ResolveAttempts int
	ResolveDelay    time.Duration
}

// Service processes turns. It holds no per-session state; every turn
// restores its notebook from storage.
type Service struct {
	resolver *session.Resolver
	tiers    notebook.Tiers
	personas PersonaSource
	trigger  *report.Trigger
	replier  Replier
	events   *sse.Broadcaster
	metrics  *Metrics
	attempts int
	delay    time.Duration
}

// NewService creates a turn service.
func NewService(d Deps) *Service {
	s := &Service{
		resolver: d.Resolver,
		tiers:    d.Tiers,
		personas: d.Personas,
		trigger:  d.Trigger,
		replier:  d.Replier,
		events:   d.Events,
		metrics:  d.Metrics,
		attempts: d.ResolveAttempts,
		delay:    d.ResolveDelay,
	}
	if s.attempts <= 0 {
		s.attempts = DefaultResolveAttempts
	}
	if s.delay <= 0 {
		s.delay = DefaultResolveDelay
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Metrics returns the service metrics.
func (s *Service) Metrics() *Metrics { return s.metrics }

// ProcessTurn handles one inbound turn. It always returns content; storage
// and generation failures degrade the reply instead of failing the call.
func (s *Service) ProcessTurn(ctx context.Context, req TurnRequest) TurnResponse {
	start := time.Now()
	defer func() { s.metrics.RecordTurn(ctx, time.Since(start)) }()

	vars := cloneVars(req.Variables)
	rec, ok, err := s.resolve(ctx, vars)
	if !ok {
		s.metrics.RecordResolutionFailure(ctx)
		log.Warn().Err(err).Str("sessionId", stringVar(vars, VarSessionID)).Msg("No session for turn")
		vars[VarError] = ErrorNoSession
		return TurnResponse{Content: NoSessionContent, Variables: vars}
	}
	delete(vars, VarError)
	vars[VarSessionID] = rec.SessionID
	vars[VarTherapistID] = rec.TherapistID

	input := req.LatestUserMessage()

	var (
		resp    TurnResponse
		carried *models.Report
	)
	for attempt := 0; attempt < 2; attempt++ {
		resp, carried, err = s.runTurn(ctx, rec, input, cloneVars(vars), carried)
		if !errors.Is(err, notebook.ErrRevisionConflict) {
			break
		}
		s.metrics.RecordConflict()
		log.Info().Str("sessionId", rec.SessionID).Int("attempt", attempt+1).Msg("Notebook changed during turn, retrying")
	}
	if err != nil {
		log.Warn().Err(err).Str("sessionId", rec.SessionID).Msg("Turn not persisted")
	}
	return resp
}

func (s *Service) resolve(ctx context.Context, vars map[string]interface{}) (session.Record, bool, error) {
	if handle := stringVar(vars, VarSessionID); handle != "" {
		return s.resolver.ResolveHandle(ctx, handle, s.attempts, s.delay)
	}
	return s.resolver.Resolve(ctx, s.attempts, s.delay)
}

// runTurn applies one turn to a freshly restored notebook. carried is a
// report generated by an earlier attempt of the same turn.
func (s *Service) runTurn(ctx context.Context, rec session.Record, input string, vars map[string]interface{}, carried *models.Report) (TurnResponse, *models.Report, error) {
	p := s.personas.Catalog().Lookup(rec.TherapistID)

	mgr := notebook.NewManager(s.tiers)
	nb, restored, err := mgr.Open(ctx, rec.SessionID, rec.TherapistID, "")
	if err != nil {
		return TurnResponse{Content: p.Fallback(), Variables: vars}, carried, err
	}
	if status := nb.Status(); status.IsTerminal() {
		log.Info().Str("sessionId", rec.SessionID).Str("status", string(status)).Msg("Turn on finished notebook ignored")
		vars[VarError] = ErrorSessionEnded
		vars[VarCurrentTopic] = nb.CurrentTopic()
		return TurnResponse{Content: SessionEndedContent, Variables: vars}, carried, nil
	}

	current := topic.Topic(nb.CurrentTopic())
	if !restored {
		if t, err := topic.Parse(stringVar(vars, VarCurrentTopic)); err == nil {
			current = t
		}
	}
	if !current.Valid() {
		current = topic.Intro
	}
	if carried != nil && !nb.HasReport() {
		if err := nb.AttachReport(carried); err != nil {
			log.Warn().Err(err).Str("notebookId", nb.ID()).Msg("Failed to carry report into retry")
		}
	}

	cleaned := textclean.Clean(input)
	if cleaned != "" {
		nb.AddMessage(models.SpeakerUser, cleaned)
		if field, ok := topic.ProfileField(current); ok {
			nb.UpdateProfile(map[string]string{field: cleaned})
			nb.AddNote(string(current), cleaned)
			if current == topic.Name {
				nb.SetClientName(cleaned)
			}
		}
	}

	history := nb.Messages()
	next := topic.Next(current, cleaned, history)

	var content string
	switch {
	case current.Mode() == topic.ModeReportDiscussion:
		content = s.reply(ctx, ReplyRequest{
			Persona: p, Topic: current, UserInput: cleaned,
			History: history, Profile: nb.Profile(), Report: notebookReport(nb),
		})

	case report.ShouldFire(current, next, vars):
		outcome := s.trigger.Fire(ctx, nb, report.Request{
			NotebookID:  nb.ID(),
			TherapistID: rec.TherapistID,
			ClientName:  nb.ClientName(),
			Persona:     p.SystemPrompt,
			Messages:    history,
			Profile:     nb.Profile(),
		}, current, next, vars)
		if outcome.Fired {
			s.metrics.RecordReport(ctx, outcome.Failure)
		}
		if outcome.Report != nil {
			carried = outcome.Report
			s.publish(sse.Event{Type: sse.EventReportGenerated, SessionID: rec.SessionID, NotebookID: nb.ID(), ReportID: outcome.Report.ID})
		} else if outcome.Err != nil {
			s.publish(sse.Event{Type: sse.EventReportFailed, SessionID: rec.SessionID, NotebookID: nb.ID(), Detail: string(outcome.Failure)})
		}
		content = outcome.Content
		next = outcome.NextTopic

	default:
		content = s.reply(ctx, ReplyRequest{
			Persona: p, Topic: next, Advanced: next != current, UserInput: cleaned,
			History: history, Profile: nb.Profile(),
		})
	}

	nb.AddMessage(models.SpeakerAgent, content)
	nb.UpdateTopic(string(next))
	vars[VarCurrentTopic] = string(next)
	resp := TurnResponse{Content: content, Variables: vars}

	if err := mgr.Save(ctx); err != nil {
		return resp, carried, err
	}

	s.publish(sse.Event{Type: sse.EventTurn, SessionID: rec.SessionID, NotebookID: nb.ID(), Topic: string(next)})
	if next != current {
		s.publish(sse.Event{Type: sse.EventTopicChanged, SessionID: rec.SessionID, NotebookID: nb.ID(), Topic: string(next)})
	}
	log.Debug().Str("sessionId", rec.SessionID).Str("from", string(current)).Str("topic", string(next)).Msg("Turn processed")
	return resp, carried, nil
}

func (s *Service) reply(ctx context.Context, req ReplyRequest) string {
	if s.replier == nil {
		return FallbackReply(req)
	}
	text, err := s.replier.Reply(ctx, req)
	if err != nil {
		kind := report.Classify(err)
		s.metrics.RecordLLMFailure(ctx, "reply", kind)
		log.Warn().Err(err).Str("kind", string(kind)).Str("topic", string(req.Topic)).Msg("Reply generation failed, using script")
		return FallbackReply(req)
	}
	return text
}

func (s *Service) publish(ev sse.Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

func notebookReport(nb *models.Notebook) *models.Report {
	if !nb.HasReport() {
		return nil
	}
	return &models.Report{
		ID:           nb.ReportID(),
		NotebookID:   nb.ID(),
		TherapistID:  nb.TherapistID(),
		Qualitative:  nb.QualitativeReport(),
		Quantitative: nb.QuantitativeReport(),
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
