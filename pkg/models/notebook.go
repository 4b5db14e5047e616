// Package models contains domain models for coachnote.
package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// NotebookStatus represents the lifecycle status of a notebook.
type NotebookStatus string

const (
	NotebookStatusActive    NotebookStatus = "active"
	NotebookStatusCompleted NotebookStatus = "completed"
	NotebookStatusAbandoned NotebookStatus = "abandoned"
)

// IsTerminal reports whether no further lifecycle transition is allowed.
func (s NotebookStatus) IsTerminal() bool {
	return s == NotebookStatusCompleted || s == NotebookStatusAbandoned
}

// DefaultTopic is the topic every fresh notebook starts in.
const DefaultTopic = "intro"

var (
	// ErrInvalidTransition is returned when leaving a terminal lifecycle state.
	ErrInvalidTransition = errors.New("invalid notebook status transition")
	// ErrReportAlreadyAttached is returned when a report half is attached twice.
	ErrReportAlreadyAttached = errors.New("report already attached")
	// ErrExtractedDataSet is returned when extracted data is set twice.
	ErrExtractedDataSet = errors.New("extracted data already set")
	// ErrRevisionConflict is returned by stores when the stored revision moved
	// past the one the writer loaded.
	ErrRevisionConflict = errors.New("notebook revision conflict")
)

// AnyRevision disables the revision check on a store write.
const AnyRevision int64 = -1

// nowFunc is swapped in tests.
var nowFunc = time.Now

// Notebook is the session-of-record aggregate: transcript, notes, profile,
// topic position, reports and lifecycle status. All mutation goes through
// methods so the dirty flag and updatedAt stay accurate.
type Notebook struct {
	mu sync.RWMutex

	id           string
	therapistID  string
	clientName   string
	sessionDate  time.Time
	status       NotebookStatus
	messages     []Message
	notes        []Note
	currentTopic string
	profile      UserProfile
	extracted    map[string]string
	qualitative  *QualitativeReport
	quantitative *QuantitativeReport
	reportID     string
	duration     int
	createdAt    time.Time
	updatedAt    time.Time
	revision     int64

	dirty bool
}

// NewNotebook creates an active notebook. An empty id gets a random UUID.
func NewNotebook(id, therapistID, clientName string) *Notebook {
	if id == "" {
		id = uuid.New().String()
	}
	now := nowFunc()
	return &Notebook{
		id:           id,
		therapistID:  therapistID,
		clientName:   clientName,
		sessionDate:  now,
		status:       NotebookStatusActive,
		messages:     []Message{},
		notes:        []Note{},
		currentTopic: DefaultTopic,
		profile:      UserProfile{},
		createdAt:    now,
		updatedAt:    now,
		dirty:        true,
	}
}

func (n *Notebook) touch() {
	n.updatedAt = nowFunc()
	n.dirty = true
}

// ID returns the notebook id.
func (n *Notebook) ID() string { return n.id }

// TherapistID returns the persona the notebook belongs to.
func (n *Notebook) TherapistID() string { return n.therapistID }

// ClientName returns the client's display name.
func (n *Notebook) ClientName() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.clientName
}

// SessionDate returns when the session started.
func (n *Notebook) SessionDate() time.Time { return n.sessionDate }

// Status returns the lifecycle status.
func (n *Notebook) Status() NotebookStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// CurrentTopic returns the topic the conversation is in.
func (n *Notebook) CurrentTopic() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTopic
}

// Messages returns a copy of the transcript in insertion order.
func (n *Notebook) Messages() []Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Message, len(n.messages))
	copy(out, n.messages)
	return out
}

// Notes returns a copy of the notes in insertion order.
func (n *Notebook) Notes() []Note {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Note, len(n.notes))
	copy(out, n.notes)
	return out
}

// Profile returns a copy of the user profile.
func (n *Notebook) Profile() UserProfile {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.profile.Clone()
}

// ReportID returns the id of the attached report, or "".
func (n *Notebook) ReportID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reportID
}

// HasReport reports whether both report halves are attached.
func (n *Notebook) HasReport() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.qualitative != nil && n.quantitative != nil
}

// QualitativeReport returns the attached qualitative report or nil.
func (n *Notebook) QualitativeReport() *QualitativeReport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.qualitative
}

// QuantitativeReport returns the attached quantitative report or nil.
func (n *Notebook) QuantitativeReport() *QuantitativeReport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.quantitative
}

// Duration returns the minutes between the first message and the last append.
func (n *Notebook) Duration() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.duration
}

// UpdatedAt returns the time of the last mutation.
func (n *Notebook) UpdatedAt() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.updatedAt
}

// Revision returns the persisted revision this instance was loaded at.
func (n *Notebook) Revision() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.revision
}

// SetRevision records the revision a store accepted. It does not dirty the notebook.
func (n *Notebook) SetRevision(rev int64) {
	n.mu.Lock()
	n.revision = rev
	n.mu.Unlock()
}

// AddMessage appends a turn and recomputes the session duration.
func (n *Notebook) AddMessage(speaker Speaker, text string) Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	msg := Message{Timestamp: nowFunc(), Speaker: speaker, Text: text}
	n.messages = append(n.messages, msg)
	n.duration = int(nowFunc().Sub(n.messages[0].Timestamp).Minutes())
	n.touch()
	return msg
}

// AddNote appends a note taken under the given topic.
func (n *Notebook) AddNote(topic, note string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, Note{Time: nowFunc(), Topic: topic, Note: note})
	n.touch()
}

// UpdateTopic moves the notebook to a new topic.
func (n *Notebook) UpdateTopic(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.currentTopic = topic
	n.touch()
}

// SetClientName sets the display name once it is learned.
func (n *Notebook) SetClientName(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clientName = name
	n.touch()
}

// UpdateProfile shallow-merges fields into the profile. Empty values are
// ignored so a key is never cleared.
func (n *Notebook) UpdateProfile(fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := false
	for k, v := range fields {
		if strings.TrimSpace(v) == "" {
			continue
		}
		n.profile[k] = v
		changed = true
	}
	if changed {
		n.touch()
	}
}

// SetExtractedData stores structured data extracted from the transcript.
func (n *Notebook) SetExtractedData(data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.extracted != nil {
		return ErrExtractedDataSet
	}
	n.extracted = make(map[string]string, len(data))
	for k, v := range data {
		n.extracted[k] = v
	}
	n.touch()
	return nil
}

// ExtractedData returns a copy of the extracted data, or nil.
func (n *Notebook) ExtractedData() map[string]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.extracted == nil {
		return nil
	}
	out := make(map[string]string, len(n.extracted))
	for k, v := range n.extracted {
		out[k] = v
	}
	return out
}

// AttachQualitativeReport sets the qualitative report once.
func (n *Notebook) AttachQualitativeReport(r *QualitativeReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.qualitative != nil {
		return ErrReportAlreadyAttached
	}
	n.qualitative = r
	n.touch()
	return nil
}

// AttachQuantitativeReport sets the quantitative report once.
func (n *Notebook) AttachQuantitativeReport(r *QuantitativeReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.quantitative != nil {
		return ErrReportAlreadyAttached
	}
	n.quantitative = r
	n.touch()
	return nil
}

// AttachReport attaches both halves of a generated report and records its id.
func (n *Notebook) AttachReport(r *Report) error {
	if err := n.AttachQualitativeReport(r.Qualitative); err != nil {
		return fmt.Errorf("qualitative: %w", err)
	}
	if err := n.AttachQuantitativeReport(r.Quantitative); err != nil {
		return fmt.Errorf("quantitative: %w", err)
	}
	n.mu.Lock()
	n.reportID = r.ID
	n.mu.Unlock()
	return nil
}

func (n *Notebook) transition(to NotebookStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == to {
		return nil
	}
	if n.status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.status, to)
	}
	n.status = to
	n.touch()
	return nil
}

// MarkCompleted moves an active notebook to completed.
func (n *Notebook) MarkCompleted() error { return n.transition(NotebookStatusCompleted) }

// MarkAbandoned moves an active notebook to abandoned.
func (n *Notebook) MarkAbandoned() error { return n.transition(NotebookStatusAbandoned) }

// MarkSaved clears the dirty flag.
func (n *Notebook) MarkSaved() {
	n.mu.Lock()
	n.dirty = false
	n.mu.Unlock()
}

// HasChanges reports whether the notebook changed since the last save.
func (n *Notebook) HasChanges() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dirty
}

// NotebookSnapshot is the serialized form of a Notebook. The dirty flag is
// never part of it.
type NotebookSnapshot struct {
	ID                 string              `json:"id"`
	TherapistID        string              `json:"therapistId"`
	ClientName         string              `json:"clientName"`
	SessionDate        time.Time           `json:"sessionDate"`
	Status             NotebookStatus      `json:"status"`
	Messages           []Message           `json:"messages"`
	Notes              []Note              `json:"notes"`
	CurrentTopic       string              `json:"currentTopic"`
	UserProfile        UserProfile         `json:"userProfile"`
	ExtractedData      map[string]string   `json:"extractedData,omitempty"`
	QualitativeReport  *QualitativeReport  `json:"qualitativeReport,omitempty"`
	QuantitativeReport *QuantitativeReport `json:"quantitativeReport,omitempty"`
	ReportID           string              `json:"reportId,omitempty"`
	Duration           int                 `json:"duration"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	Revision           int64               `json:"revision"`
}

// Snapshot returns a deep copy of the notebook state.
func (n *Notebook) Snapshot() NotebookSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()

	snap := NotebookSnapshot{
		ID:                 n.id,
		TherapistID:        n.therapistID,
		ClientName:         n.clientName,
		SessionDate:        n.sessionDate,
		Status:             n.status,
		Messages:           make([]Message, len(n.messages)),
		Notes:              make([]Note, len(n.notes)),
		CurrentTopic:       n.currentTopic,
		UserProfile:        n.profile.Clone(),
		QualitativeReport:  n.qualitative,
		QuantitativeReport: n.quantitative,
		ReportID:           n.reportID,
		Duration:           n.duration,
		CreatedAt:          n.createdAt,
		UpdatedAt:          n.updatedAt,
		Revision:           n.revision,
	}
	copy(snap.Messages, n.messages)
	copy(snap.Notes, n.notes)
	if n.extracted != nil {
		snap.ExtractedData = make(map[string]string, len(n.extracted))
		for k, v := range n.extracted {
			snap.ExtractedData[k] = v
		}
	}
	return snap
}

// FromSnapshot reconstructs a live notebook with its dirty flag cleared.
func FromSnapshot(s NotebookSnapshot) *Notebook {
	n := &Notebook{
		id:           s.ID,
		therapistID:  s.TherapistID,
		clientName:   s.ClientName,
		sessionDate:  s.SessionDate,
		status:       s.Status,
		messages:     make([]Message, len(s.Messages)),
		notes:        make([]Note, len(s.Notes)),
		currentTopic: s.CurrentTopic,
		profile:      s.UserProfile.Clone(),
		qualitative:  s.QualitativeReport,
		quantitative: s.QuantitativeReport,
		reportID:     s.ReportID,
		duration:     s.Duration,
		createdAt:    s.CreatedAt,
		updatedAt:    s.UpdatedAt,
		revision:     s.Revision,
	}
	copy(n.messages, s.Messages)
	copy(n.notes, s.Notes)
	if s.ExtractedData != nil {
		n.extracted = make(map[string]string, len(s.ExtractedData))
		for k, v := range s.ExtractedData {
			n.extracted[k] = v
		}
	}
	if n.status == "" {
		n.status = NotebookStatusActive
	}
	if n.currentTopic == "" {
		n.currentTopic = DefaultTopic
	}
	return n
}

// MarshalJSON serializes the notebook snapshot.
func (n *Notebook) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Snapshot())
}

// UnmarshalNotebook reconstructs a notebook from its JSON snapshot.
func UnmarshalNotebook(data []byte) (*Notebook, error) {
	var snap NotebookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode notebook: %w", err)
	}
	if snap.ID == "" {
		return nil, errors.New("decode notebook: missing id")
	}
	return FromSnapshot(snap), nil
}
