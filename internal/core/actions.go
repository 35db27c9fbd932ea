package core

import (
	"fmt"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

const (
	ActionReadSection  = "read_section"
	ActionExploreTopic = "explore_topic"
	ActionAskQuestion  = "ask_question"

	maxSuggestedActions = 4
	maxTopicActions     = 2
)

// SuggestActions derives follow-up actions from the analysis alone: one per
// cited or mentioned section, up to two topics, and always a follow-up
// question, which survives the cap.
func SuggestActions(a QueryAnalysis) []store.Action {
	actions := []store.Action{}

	seen := map[int]struct{}{}
	sections := make([]int, 0, len(a.CitedReferences)+len(a.MentionedSections))
	for _, r := range a.CitedReferences {
		sections = append(sections, r.SectionNumber)
	}
	sections = append(sections, a.MentionedSections...)
	for _, sec := range sections {
		if _, ok := seen[sec]; ok {
			continue
		}
		seen[sec] = struct{}{}
		actions = append(actions, store.Action{
			Type:    ActionReadSection,
			Label:   fmt.Sprintf("Read surah %d", sec),
			Payload: map[string]any{"section": sec},
		})
	}

	for i, topic := range a.Topics {
		if i == maxTopicActions {
			break
		}
		actions = append(actions, store.Action{
			Type:    ActionExploreTopic,
			Label:   "Explore: " + topic,
			Payload: map[string]any{"topic": topic},
		})
	}

	if len(actions) > maxSuggestedActions-1 {
		actions = actions[:maxSuggestedActions-1]
	}
	return append(actions, store.Action{
		Type:    ActionAskQuestion,
		Label:   "Ask a follow-up question",
		Payload: map[string]any{},
	})
}
