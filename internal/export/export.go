// Package export renders a notebook as JSON, CSV or plain text.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/coachnote/pkg/models"
)

// Format is an export format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatText Format = "text"
)

// ParseFormat parses a format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatText:
		return f, nil
	case "txt":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatText:
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

// FileName returns a download name for the notebook in this format.
func (f Format) FileName(nb *models.Notebook) string {
	ext := string(f)
	if f == FormatText {
		ext = "txt"
	}
	return fmt.Sprintf("notebook-%s-%s.%s", nb.ID(), nb.SessionDate().UTC().Format("2006-01-02"), ext)
}

// Write renders nb to w.
func Write(w io.Writer, nb *models.Notebook, f Format) error {
	snap := nb.Snapshot()
	switch f {
	case FormatJSON:
		return writeJSON(w, snap)
	case FormatCSV:
		return writeCSV(w, snap)
	case FormatText:
		return writeText(w, snap)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

func writeJSON(w io.Writer, snap models.NotebookSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode notebook: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// writeCSV writes one table of section,field,value,detail rows.
func writeCSV(w io.Writer, snap models.NotebookSnapshot) error {
	cw := csv.NewWriter(w)
	rows := [][]string{{"section", "field", "value", "detail"}}

	rows = append(rows,
		[]string{"meta", "id", snap.ID, ""},
		[]string{"meta", "therapistId", snap.TherapistID, ""},
		[]string{"meta", "clientName", snap.ClientName, ""},
		[]string{"meta", "sessionDate", snap.SessionDate.UTC().Format(time.RFC3339), ""},
		[]string{"meta", "status", string(snap.Status), ""},
		[]string{"meta", "currentTopic", snap.CurrentTopic, ""},
		[]string{"meta", "durationMinutes", strconv.Itoa(snap.Duration), ""},
	)
	for _, m := range snap.Messages {
		rows = append(rows, []string{"messages", string(m.Speaker), m.Text, m.Timestamp.UTC().Format(time.RFC3339)})
	}
	for _, n := range snap.Notes {
		rows = append(rows, []string{"notes", n.Topic, n.Note, n.Time.UTC().Format(time.RFC3339)})
	}
	for _, k := range sortedKeys(snap.UserProfile) {
		rows = append(rows, []string{"profile", k, snap.UserProfile[k], ""})
	}
	if q := snap.QuantitativeReport; q != nil {
		for _, c := range q.Categories {
			rows = append(rows, []string{"budget", c.Name, c.Monthly.StringFixed(2), "monthly"})
		}
		rows = append(rows,
			[]string{"budget", "total", q.MonthlyTotal.StringFixed(2), "monthly"},
			[]string{"budget", "income", q.MonthlyIncome.StringFixed(2), "monthly"},
			[]string{"budget", "savingsRate", q.SavingsRate.StringFixed(1), "percent"},
		)
	}

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func writeText(w io.Writer, snap models.NotebookSnapshot) error {
	var sb strings.Builder

	name := snap.ClientName
	if name == "" {
		name = "(unnamed client)"
	}
	fmt.Fprintf(&sb, "Coaching notebook: %s\n", name)
	fmt.Fprintf(&sb, "Session %s on %s, %s, %d min\n", snap.ID, snap.SessionDate.UTC().Format("2006-01-02"), snap.Status, snap.Duration)
	fmt.Fprintf(&sb, "Therapist: %s\nTopic: %s\n", snap.TherapistID, snap.CurrentTopic)

	if len(snap.UserProfile) > 0 {
		sb.WriteString("\nProfile\n")
		for _, k := range sortedKeys(snap.UserProfile) {
			fmt.Fprintf(&sb, "  %s: %s\n", k, snap.UserProfile[k])
		}
	}

	if q := snap.QualitativeReport; q != nil {
		sb.WriteString("\nSummary\n  " + q.Summary + "\n")
		writeList(&sb, "Insights", q.Insights)
		writeList(&sb, "Recommendations", q.Recommendations)
		writeList(&sb, "Action items", q.ActionItems)
	}
	if q := snap.QuantitativeReport; q != nil {
		sb.WriteString("\nMonthly budget\n")
		for _, c := range q.Categories {
			fmt.Fprintf(&sb, "  %-16s %10s\n", c.Name, c.Monthly.StringFixed(2))
		}
		fmt.Fprintf(&sb, "  %-16s %10s\n", "total", q.MonthlyTotal.StringFixed(2))
		if q.MonthlyIncome.IsPositive() {
			fmt.Fprintf(&sb, "  %-16s %10s\n", "income", q.MonthlyIncome.StringFixed(2))
			fmt.Fprintf(&sb, "  %-16s %9s%%\n", "savings rate", q.SavingsRate.StringFixed(1))
		}
	}

	if len(snap.Notes) > 0 {
		sb.WriteString("\nNotes\n")
		for _, n := range snap.Notes {
			fmt.Fprintf(&sb, "  [%s] %s\n", n.Topic, n.Note)
		}
	}

	if len(snap.Messages) > 0 {
		sb.WriteString("\nTranscript\n")
		for _, m := range snap.Messages {
			fmt.Fprintf(&sb, "  %s %s: %s\n", m.Timestamp.UTC().Format("15:04:05"), m.Speaker, m.Text)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(title + "\n")
	for _, it := range items {
		sb.WriteString("  - " + it + "\n")
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
