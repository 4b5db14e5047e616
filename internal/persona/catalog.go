// Package persona manages the YAML persona catalog that selects tone and
// script content per therapist.
package persona

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/coachnote/internal/topic"
)

// DefaultID is the id of the built-in persona.
const DefaultID = "default"

// Persona describes one therapist's voice and script.
type Persona struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Tone          string            `yaml:"tone"`
	SystemPrompt  string            `yaml:"system_prompt"`
	TopicPrompts  map[string]string `yaml:"topic_prompts"`
	FallbackReply string            `yaml:"fallback_reply"`
}

// Config is the top-level YAML structure.
type Config struct {
	Personas []Persona `yaml:"personas"`
}

// Catalog holds loaded personas, keyed by id.
type Catalog struct {
	byID  map[string]*Persona
	order []string // preserves definition order
}

// Default returns the built-in persona used when the catalog has no match.
func Default() *Persona {
	return &Persona{
		ID:           DefaultID,
		Name:         "Coach",
		Tone:         "warm, concise, encouraging",
		SystemPrompt: "You are a friendly lifestyle coach helping a client describe the life they want so you can build a realistic monthly budget. Ask one question at a time and keep replies short enough to be spoken aloud.",
		TopicPrompts: map[string]string{
			string(topic.Intro):                   "Hi, I'm your coach. Shall we start by getting to know each other a little?",
			string(topic.Name):                    "What's your name?",
			string(topic.Age):                     "How old are you?",
			string(topic.Interests):               "What do you enjoy doing in your free time?",
			string(topic.HousingLocation):         "Where would you like to live?",
			string(topic.HousingPreference):       "What kind of home would you ideally like to live in?",
			string(topic.FoodPreference):          "How do you like to eat: cooking at home, eating out, or a mix?",
			string(topic.TransportPreference):     "How do you usually get around?",
			string(topic.FitnessPreference):       "How do you like to stay active?",
			string(topic.EntertainmentPreference): "What do you do for fun on evenings and weekends?",
			string(topic.SubscriptionsPreference): "Which subscriptions or memberships do you pay for?",
			string(topic.TravelPreference):        "How often do you like to travel, and what kind of trips?",
			string(topic.Summary):                 "Is there anything in your report you'd like to talk through?",
		},
		FallbackReply: "Sorry, I didn't quite catch that. Could you tell me a bit more?",
	}
}

// Load reads the YAML file at path. A missing file yields a catalog holding
// only the default persona.
func Load(path string) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*Persona)}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse personas: %w", err)
	}

	for i := range cfg.Personas {
		p := &cfg.Personas[i]
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("parse personas: entry %d has no id", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("parse personas: duplicate id %q", p.ID)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Get returns a persona by id. Returns (nil, false) if not found.
func (c *Catalog) Get(id string) (*Persona, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Lookup returns the persona for id, falling back to the catalog's default
// entry and then the built-in persona.
func (c *Catalog) Lookup(id string) *Persona {
	if p, ok := c.byID[id]; ok {
		return p
	}
	if p, ok := c.byID[DefaultID]; ok {
		return p
	}
	return Default()
}

// All returns all personas in definition order.
func (c *Catalog) All() []*Persona {
	result := make([]*Persona, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.byID[id])
	}
	return result
}

// IDs returns a sorted list of persona ids.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	sort.Strings(ids)
	return ids
}

// TopicPrompt returns the scripted question for t, falling back to the
// built-in script.
func (p *Persona) TopicPrompt(t topic.Topic) string {
	if p != nil {
		if q, ok := p.TopicPrompts[string(t)]; ok && q != "" {
			return q
		}
	}
	return Default().TopicPrompts[string(t)]
}

// Fallback returns the conversational reply used when generation fails.
func (p *Persona) Fallback() string {
	if p != nil && p.FallbackReply != "" {
		return p.FallbackReply
	}
	return Default().FallbackReply
}

// Source serves the current catalog and swaps it on reload.
type Source struct {
	path    string
	current atomic.Pointer[Catalog]
}

// NewSource loads the catalog at path.
func NewSource(path string) (*Source, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Source{path: path}
	s.current.Store(c)
	return s, nil
}

// Catalog returns the current catalog.
func (s *Source) Catalog() *Catalog {
	return s.current.Load()
}

// Path returns the catalog file path.
func (s *Source) Path() string {
	return s.path
}

// Reload re-reads the file. A file that fails to parse keeps the previous
// catalog in place.
func (s *Source) Reload() error {
	c, err := Load(s.path)
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Persona reload failed, keeping previous catalog")
		return err
	}
	s.current.Store(c)
	log.Info().Str("path", s.path).Int("personas", len(c.order)).Msg("Personas reloaded")
	return nil
}
