package report

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/coachnote/internal/topic"
	"github.com/thebtf/coachnote/pkg/models"
)

// Session variable names set by the trigger.
const (
	VarReportGenerated = "report_generated"
	VarReportID        = "report_id"
)

// FailureContent is the reply when report generation fails.
const FailureContent = "I'm sorry, I had trouble putting your report together. " +
	"Let's go over a few of your preferences again, starting with your housing. " +
	"What kind of home would you ideally like to live in?"

// Outcome is the result of a trigger evaluation.
type Outcome struct {
	Fired     bool // a generation call was made
	Content   string
	NextTopic topic.Topic
	Report    *models.Report
	Failure   FailureKind
	Err       error
}

// Trigger runs report generation once per session, on the edge into summary.
type Trigger struct {
	gen     Generator
	timeout time.Duration
	group   singleflight.Group
}

// NewTrigger creates a trigger. A zero timeout leaves the context as is.
func NewTrigger(gen Generator, timeout time.Duration) *Trigger {
	return &Trigger{gen: gen, timeout: timeout}
}

// ShouldFire reports whether the transition is the edge into summary for a
// session that has no report yet.
func ShouldFire(current, next topic.Topic, vars map[string]interface{}) bool {
	if current == topic.Summary || next != topic.Summary {
		return false
	}
	generated, _ := vars[VarReportGenerated].(bool)
	return !generated
}

// Fire evaluates the transition and, on the summary edge, generates and
// attaches the report. The caller applies Outcome.NextTopic. Concurrent
// fires for the same notebook in this process share one generation call.
func (t *Trigger) Fire(ctx context.Context, nb *models.Notebook, req Request, current, next topic.Topic, vars map[string]interface{}) Outcome {
	if !ShouldFire(current, next, vars) {
		return Outcome{NextTopic: next}
	}

	// A notebook that already carries a report never regenerates it.
	if nb.HasReport() {
		rep := &models.Report{ID: nb.ReportID(), Qualitative: nb.QualitativeReport(), Quantitative: nb.QuantitativeReport()}
		markGenerated(vars, rep.ID)
		return Outcome{NextTopic: topic.Summary, Content: SpokenSummary(rep), Report: rep}
	}

	v, err, shared := t.group.Do(nb.ID(), func() (interface{}, error) {
		genCtx := ctx
		if t.timeout > 0 {
			var cancel context.CancelFunc
			genCtx, cancel = context.WithTimeout(ctx, t.timeout)
			defer cancel()
		}
		return t.gen.Generate(genCtx, req)
	})
	rep, _ := v.(*models.Report)
	if err == nil && rep == nil {
		err = fmt.Errorf("%w: generator returned no report", ErrMalformedReport)
	}
	if err != nil {
		kind := Classify(err)
		log.Warn().Err(err).Str("notebookId", nb.ID()).Str("kind", string(kind)).Msg("Report generation failed")
		return Outcome{
			Fired:     true,
			Content:   FailureContent,
			NextTopic: topic.HousingPreference,
			Failure:   kind,
			Err:       err,
		}
	}

	if err := nb.AttachReport(rep); err != nil {
		log.Warn().Err(err).Str("notebookId", nb.ID()).Msg("Report already attached")
	}
	markGenerated(vars, rep.ID)
	log.Info().Str("notebookId", nb.ID()).Str("reportId", rep.ID).Bool("shared", shared).Msg("Report generated")

	return Outcome{Fired: true, Content: SpokenSummary(rep), NextTopic: topic.Summary, Report: rep}
}

func markGenerated(vars map[string]interface{}, reportID string) {
	if vars == nil {
		return
	}
	vars[VarReportGenerated] = true
	vars[VarReportID] = reportID
}
