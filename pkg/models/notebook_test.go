package models

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// NotebookSuite is a test suite for the notebook aggregate.
type NotebookSuite struct {
	suite.Suite
	clock time.Time
}

func (s *NotebookSuite) SetupTest() {
	s.clock = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return s.clock }
}

func (s *NotebookSuite) TearDownTest() {
	nowFunc = time.Now
}

func TestNotebookSuite(t *testing.T) {
	suite.Run(t, new(NotebookSuite))
}

func (s *NotebookSuite) advance(d time.Duration) {
	s.clock = s.clock.Add(d)
}

func sampleReport() *Report {
	return &Report{
		ID:          "report-1",
		NotebookID:  "nb-1",
		TherapistID: "maya",
		Qualitative: &QualitativeReport{
			Summary:         "Balanced lifestyle with room to save",
			Insights:        []string{"Cooks at home", "Cycles to work"},
			Recommendations: []string{"Cap streaming subscriptions"},
			ActionItems:     []string{"Open a savings account"},
		},
		Quantitative: &QuantitativeReport{
			Categories: []BudgetCategory{
				{Name: "housing", Monthly: decimal.RequireFromString("1200")},
				{Name: "food", Monthly: decimal.RequireFromString("450.50")},
			},
			MonthlyIncome: decimal.RequireFromString("3000"),
		},
	}
}

// TestNewNotebookDefaults tests the initial state of a notebook.
func (s *NotebookSuite) TestNewNotebookDefaults() {
	nb := NewNotebook("", "maya", "Alex")

	s.NotEmpty(nb.ID())
	s.Equal("maya", nb.TherapistID())
	s.Equal(NotebookStatusActive, nb.Status())
	s.Equal(DefaultTopic, nb.CurrentTopic())
	s.Empty(nb.Messages())
	s.True(nb.HasChanges())
}

// TestMutationsSetDirtyAndUpdatedAt tests change tracking across every mutation.
func (s *NotebookSuite) TestMutationsSetDirtyAndUpdatedAt() {
	mutations := []struct {
		name string
		fn   func(nb *Notebook)
	}{
		{"add message", func(nb *Notebook) { nb.AddMessage(SpeakerUser, "hello there") }},
		{"add note", func(nb *Notebook) { nb.AddNote("intro", "friendly") }},
		{"update topic", func(nb *Notebook) { nb.UpdateTopic("name") }},
		{"update profile", func(nb *Notebook) { nb.UpdateProfile(map[string]string{"name": "Alex"}) }},
		{"mark completed", func(nb *Notebook) { s.Require().NoError(nb.MarkCompleted()) }},
		{"attach qualitative", func(nb *Notebook) {
			s.Require().NoError(nb.AttachQualitativeReport(&QualitativeReport{Summary: "x"}))
		}},
	}

	for _, tt := range mutations {
		s.Run(tt.name, func() {
			nb := NewNotebook("nb-1", "maya", "Alex")
			nb.MarkSaved()
			s.False(nb.HasChanges())

			s.advance(time.Minute)
			tt.fn(nb)

			s.True(nb.HasChanges())
			s.Equal(s.clock, nb.UpdatedAt())
		})
	}
}

// TestAddMessageDuration tests duration derivation from the first message.
func (s *NotebookSuite) TestAddMessageDuration() {
	nb := NewNotebook("nb-1", "maya", "Alex")
	nb.AddMessage(SpeakerAgent, "Welcome")
	s.Equal(0, nb.Duration())

	s.advance(12 * time.Minute)
	nb.AddMessage(SpeakerUser, "Thanks, happy to be here")
	s.Equal(12, nb.Duration())
}

// TestUpdateProfileNeverDeletes tests that profile keys are only overwritten.
func (s *NotebookSuite) TestUpdateProfileNeverDeletes() {
	nb := NewNotebook("nb-1", "maya", "Alex")
	nb.UpdateProfile(map[string]string{"name": "Alex", "age": "29"})
	nb.UpdateProfile(map[string]string{"age": "30", "name": ""})

	profile := nb.Profile()
	s.Equal("Alex", profile["name"])
	s.Equal("30", profile["age"])
}

// TestLifecycleIsMonotonic tests terminal statuses do not revert.
func (s *NotebookSuite) TestLifecycleIsMonotonic() {
	nb := NewNotebook("nb-1", "maya", "Alex")
	s.Require().NoError(nb.MarkCompleted())
	s.NoError(nb.MarkCompleted())
	s.ErrorIs(nb.MarkAbandoned(), ErrInvalidTransition)
	s.Equal(NotebookStatusCompleted, nb.Status())
}

// TestReportAttachedOnce tests report halves cannot be replaced.
func (s *NotebookSuite) TestReportAttachedOnce() {
	nb := NewNotebook("nb-1", "maya", "Alex")
	s.Require().NoError(nb.AttachReport(sampleReport()))
	s.True(nb.HasReport())
	s.Equal("report-1", nb.ReportID())

	s.ErrorIs(nb.AttachReport(sampleReport()), ErrReportAlreadyAttached)
	s.NoError(nb.SetExtractedData(nil))
	s.ErrorIs(nb.SetExtractedData(map[string]string{"a": "b"}), ErrExtractedDataSet)
}

// TestRoundTrip tests lossless serialization and reconstruction.
func (s *NotebookSuite) TestRoundTrip() {
	nb := NewNotebook("nb-1", "maya", "Alex")
	texts := []string{"Hi Alex", "My name is Alex and I'm 29", "I rent a flat downtown"}
	for i, text := range texts {
		speaker := SpeakerUser
		if i%2 == 0 {
			speaker = SpeakerAgent
		}
		nb.AddMessage(speaker, text)
		s.advance(time.Minute)
	}
	nb.AddNote("name", "prefers Alex")
	nb.AddNote("housing_location", "downtown")
	nb.UpdateTopic("housing_location")
	nb.UpdateProfile(map[string]string{"name": "Alex", "age": "29"})
	s.Require().NoError(nb.SetExtractedData(map[string]string{"city": "Lisbon"}))
	s.Require().NoError(nb.AttachReport(sampleReport()))
	nb.SetRevision(4)

	data, err := json.Marshal(nb)
	s.Require().NoError(err)
	s.NotContains(string(data), "dirty")

	restored, err := UnmarshalNotebook(data)
	s.Require().NoError(err)

	s.False(restored.HasChanges())
	s.Equal(nb.Messages(), restored.Messages())
	s.Equal(nb.Notes(), restored.Notes())
	s.Equal(nb.Profile(), restored.Profile())
	s.Equal(nb.ExtractedData(), restored.ExtractedData())
	s.Equal("housing_location", restored.CurrentTopic())
	s.Equal(int64(4), restored.Revision())
	s.Equal(nb.Duration(), restored.Duration())
	s.Equal("report-1", restored.ReportID())
	s.Require().NotNil(restored.QuantitativeReport())
	s.True(decimal.RequireFromString("450.50").Equal(restored.QuantitativeReport().Categories[1].Monthly))
	s.Equal(nb.QualitativeReport().ActionItems, restored.QualitativeReport().ActionItems)
}

// TestAccessorsDoNotAlias tests returned slices are copies.
func (s *NotebookSuite) TestAccessorsDoNotAlias() {
	nb := NewNotebook("nb-1", "maya", "Alex")
	nb.AddMessage(SpeakerUser, "original text here")

	msgs := nb.Messages()
	msgs[0].Text = "tampered"

	s.Equal("original text here", nb.Messages()[0].Text)
}

func TestUnmarshalNotebook_Invalid(t *testing.T) {
	_, err := UnmarshalNotebook([]byte(`{invalid}`))
	assert.Error(t, err)

	_, err = UnmarshalNotebook([]byte(`{"therapistId":"maya"}`))
	assert.Error(t, err)

	nb, err := UnmarshalNotebook([]byte(`{"id":"nb-9"}`))
	require.NoError(t, err)
	assert.Equal(t, NotebookStatusActive, nb.Status())
	assert.Equal(t, DefaultTopic, nb.CurrentTopic())
}

func TestQuantitativeNormalize(t *testing.T) {
	q := sampleReport().Quantitative
	q.Normalize()

	assert.True(t, decimal.RequireFromString("1650.50").Equal(q.MonthlyTotal))
	// (3000 - 1650.50) / 3000 * 100 = 44.98…
	assert.True(t, decimal.RequireFromString("45").Equal(q.SavingsRate))
}
