// Package models contains domain models for coachnote.
package models

import "time"

// Speaker identifies who produced a message.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Valid reports whether the speaker is one of the known values.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAgent
}

// Message is one conversational turn. Messages are immutable once appended.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
}

// Note is a coach-side annotation tied to the topic it was taken under.
type Note struct {
	Time  time.Time `json:"time"`
	Topic string    `json:"topic"`
	Note  string    `json:"note"`
}

// UserProfile is the incrementally built lifestyle profile of a client.
// Keys are set independently; an update overwrites but never removes a key.
type UserProfile map[string]string

// Clone returns an independent copy of the profile.
func (p UserProfile) Clone() UserProfile {
	out := make(UserProfile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
