package store

import (
	"errors"
	"slices"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Passage is one addressable scripture unit (surah + ayah) as seen by the
// retrieval layer.
type Passage struct {
	SectionNumber  int     `json:"section_number"`
	ItemNumber     int     `json:"item_number"`
	PrimaryText    string  `json:"primary_text"`
	TranslatedText string  `json:"translated_text"`
	RelevanceScore float64 `json:"relevance_score"`
}

func (p Passage) Ref() PassageRef {
	return PassageRef{SectionNumber: p.SectionNumber, ItemNumber: p.ItemNumber}
}

type PassageRef struct {
	SectionNumber int `json:"section_number"`
	ItemNumber    int `json:"item_number"`
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

type Action struct {
	Type    string         `json:"type"`
	Label   string         `json:"label"`
	Payload map[string]any `json:"payload"`
}

type Turn struct {
	ID               string       `json:"id"`
	Role             Role         `json:"role"`
	Content          string       `json:"content"`
	Timestamp        time.Time    `json:"timestamp"`
	CitedPassages    []PassageRef `json:"cited_passages"`
	SuggestedActions []Action     `json:"suggested_actions,omitempty"`
}

type SessionKey struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (k SessionKey) String() string {
	return k.UserID + "/" + k.SessionID
}

type Session struct {
	UserID             string        `json:"user_id"`
	SessionID          string        `json:"session_id"`
	Turns              []Turn        `json:"turns"`
	Status             SessionStatus `json:"status"`
	Language           string        `json:"language"`
	ReferencedSections []int         `json:"referenced_sections"`
	CreatedAt          time.Time     `json:"created_at"`
	LastActivity       time.Time     `json:"last_activity"`
}

func (s *Session) Key() SessionKey {
	return SessionKey{UserID: s.UserID, SessionID: s.SessionID}
}

// Clone returns a copy whose slices can be appended to without touching s.
func (s *Session) Clone() *Session {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	c.ReferencedSections = append([]int(nil), s.ReferencedSections...)
	return &c
}

// MergeSections adds sections to dst keeping it sorted and unique.
func MergeSections(dst []int, sections ...int) []int {
	seen := make(map[int]struct{}, len(dst)+len(sections))
	out := make([]int, 0, len(dst)+len(sections))
	for _, s := range append(append([]int(nil), dst...), sections...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
