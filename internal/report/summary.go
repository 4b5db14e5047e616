package report

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/thebtf/coachnote/pkg/models"
)

// SpokenSummary renders the fixed spoken sentences for a report.
func SpokenSummary(r *models.Report) string {
	if r == nil || r.Quantitative == nil || len(r.Quantitative.Categories) == 0 {
		return "Your report is ready. Let's go through it together."
	}
	q := r.Quantitative

	largest := q.Categories[0]
	for _, c := range q.Categories[1:] {
		if c.Monthly.GreaterThan(largest.Monthly) {
			largest = c
		}
	}

	sentences := []string{
		"Thanks for sharing all of that. I've put together your lifestyle budget.",
		fmt.Sprintf("Your estimated monthly spending is %s across %d categories.", money(q.MonthlyTotal), len(q.Categories)),
		fmt.Sprintf("The largest category is %s at %s per month.", spokenName(largest.Name), money(largest.Monthly)),
	}
	if q.MonthlyIncome.IsPositive() {
		sentences = append(sentences, fmt.Sprintf("With a monthly income of %s, your savings rate would be %s percent.",
			money(q.MonthlyIncome), q.SavingsRate.StringFixed(1)))
	}
	sentences = append(sentences, "Would you like to go through any part of the report?")
	return strings.Join(sentences, " ")
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func spokenName(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
