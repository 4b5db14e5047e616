// Package models contains domain models for coachnote.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// QualitativeReport is the narrative half of a session report.
type QualitativeReport struct {
	Summary         string   `json:"summary"`
	Insights        []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
	ActionItems     []string `json:"actionItems"`
}

// BudgetCategory is one line of the monthly budget.
type BudgetCategory struct {
	Name    string          `json:"name"`
	Monthly decimal.Decimal `json:"monthly"`
}

// QuantitativeReport is the categorized monthly budget half of a session report.
type QuantitativeReport struct {
	Categories    []BudgetCategory `json:"categories"`
	MonthlyIncome decimal.Decimal  `json:"monthlyIncome"`
	MonthlyTotal  decimal.Decimal  `json:"monthlyTotal"`
	// SavingsRate is a percentage of MonthlyIncome, e.g. 12.5.
	SavingsRate decimal.Decimal `json:"savingsRate"`
}

// CategoryTotal sums the monthly amounts of all categories.
func (q *QuantitativeReport) CategoryTotal() decimal.Decimal {
	total := decimal.Zero
	for _, c := range q.Categories {
		total = total.Add(c.Monthly)
	}
	return total
}

// Normalize fills MonthlyTotal from the categories when missing and derives the
// savings rate from income when the generator left it empty.
func (q *QuantitativeReport) Normalize() {
	if q.MonthlyTotal.IsZero() {
		q.MonthlyTotal = q.CategoryTotal()
	}
	if q.SavingsRate.IsZero() && q.MonthlyIncome.IsPositive() {
		saved := q.MonthlyIncome.Sub(q.MonthlyTotal)
		q.SavingsRate = saved.Div(q.MonthlyIncome).Mul(decimal.NewFromInt(100)).Round(1)
	}
}

// Report is generated once per completed notebook and never regenerated.
type Report struct {
	ID           string              `json:"id"`
	NotebookID   string              `json:"notebookId"`
	TherapistID  string              `json:"therapistId"`
	GeneratedAt  time.Time           `json:"generatedAt"`
	Qualitative  *QualitativeReport  `json:"qualitative"`
	Quantitative *QuantitativeReport `json:"quantitative"`
}
