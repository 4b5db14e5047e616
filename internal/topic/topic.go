// Package topic implements the fixed coaching script and its progression rules.
package topic

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/thebtf/coachnote/pkg/models"
)

// Topic is a named stage of the coaching script.
type Topic string

const (
	Intro                   Topic = "intro"
	Name                    Topic = "name"
	Age                     Topic = "age"
	Interests               Topic = "interests"
	HousingLocation         Topic = "housing_location"
	HousingPreference       Topic = "housing_preference"
	FoodPreference          Topic = "food_preference"
	TransportPreference     Topic = "transport_preference"
	FitnessPreference       Topic = "fitness_preference"
	EntertainmentPreference Topic = "entertainment_preference"
	SubscriptionsPreference Topic = "subscriptions_preference"
	TravelPreference        Topic = "travel_preference"
	Summary                 Topic = "summary"
)

// Order is the fixed progression of the script. Summary is terminal.
var Order = []Topic{
	Intro,
	Name,
	Age,
	Interests,
	HousingLocation,
	HousingPreference,
	FoodPreference,
	TransportPreference,
	FitnessPreference,
	EntertainmentPreference,
	SubscriptionsPreference,
	TravelPreference,
	Summary,
}

// LifestyleSubtopics are the areas the summary readiness gate counts.
var LifestyleSubtopics = []string{
	"housing",
	"food",
	"transport",
	"fitness",
	"entertainment",
	"subscriptions",
	"travel",
}

const (
	// MinProgressInputLen is the trimmed input length that must be exceeded to advance.
	MinProgressInputLen = 10
	// MinSubstantialMessageLen is the message length that must be exceeded to count
	// toward summary readiness.
	MinSubstantialMessageLen = 20
	// SummaryReadinessThreshold is how many lifestyle sub-topics must be covered.
	SummaryReadinessThreshold = 6
)

// Mode is how a turn in a given topic is handled.
type Mode string

const (
	ModeElicitation      Mode = "elicitation"
	ModeReportDiscussion Mode = "report_discussion"
)

var index = func() map[Topic]int {
	m := make(map[Topic]int, len(Order))
	for i, t := range Order {
		m[t] = i
	}
	return m
}()

// Parse converts a string into a known topic.
func Parse(s string) (Topic, error) {
	t := Topic(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown topic %q", s)
	}
	return t, nil
}

// Valid reports whether the topic is part of the vocabulary.
func (t Topic) Valid() bool {
	_, ok := index[t]
	return ok
}

// Index returns the position in Order, or -1.
func (t Topic) Index() int {
	if i, ok := index[t]; ok {
		return i
	}
	return -1
}

// IsTerminal reports whether the topic ends the progression.
func (t Topic) IsTerminal() bool { return t == Summary }

// Mode returns how turns in this topic are handled.
func (t Topic) Mode() Mode {
	if t.IsTerminal() {
		return ModeReportDiscussion
	}
	return ModeElicitation
}

func (t Topic) String() string { return string(t) }

// Next computes the topic after a user turn. It is a pure function of the
// current topic, the latest input and the full message history.
func Next(current Topic, userInput string, history []models.Message) Topic {
	if utf8.RuneCountInString(strings.TrimSpace(userInput)) <= MinProgressInputLen {
		return current
	}
	if current.IsTerminal() {
		return current
	}
	if current == TravelPreference {
		if Readiness(history) >= SummaryReadinessThreshold {
			return Summary
		}
		return TravelPreference
	}
	i := current.Index()
	if i < 0 {
		return current
	}
	return Order[i+1]
}

// Readiness counts the lifestyle sub-topics for which any message in the
// history is longer than MinSubstantialMessageLen. Messages are not attributed
// to the sub-topic they answer, so a single long message satisfies every
// sub-topic.
func Readiness(history []models.Message) int {
	count := 0
	for _, sub := range LifestyleSubtopics {
		if covered(sub, history) {
			count++
		}
	}
	return count
}

// covered ignores the sub-topic; see Readiness.
func covered(_ string, history []models.Message) bool {
	for _, m := range history {
		if utf8.RuneCountInString(m.Text) > MinSubstantialMessageLen {
			return true
		}
	}
	return false
}

var profileFields = map[Topic]string{
	Name:                    "name",
	Age:                     "age",
	Interests:               "interests",
	HousingLocation:         "housingLocation",
	HousingPreference:       "housingPreference",
	FoodPreference:          "foodPreference",
	TransportPreference:     "transportPreference",
	FitnessPreference:       "fitnessPreference",
	EntertainmentPreference: "entertainmentPreference",
	SubscriptionsPreference: "subscriptionsPreference",
	TravelPreference:        "travelPreference",
}

// ProfileField returns the profile key an answer under the topic fills.
func ProfileField(t Topic) (string, bool) {
	f, ok := profileFields[t]
	return f, ok
}
