package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mubarak-way/quran-assistant/internal/store"
	"github.com/mubarak-way/quran-assistant/internal/utils"
)

const (
	maxContextPassages = 10
	maxPassageRunes    = 1200

	noPassagesMarker = "NO RELEVANT PASSAGES FOUND. Tell the user that no matching passages were found " +
		"and do not quote or cite any ayah."

	answerInstructions = "Ground every claim in the passages below and cite them as (surah:ayah). " +
		"Quote the Arabic only when it helps. Do not issue religious rulings; suggest consulting a qualified scholar for those."
)

// FormatContextBlock renders gathered passages for the prompt, capped at ten.
// An empty context yields an explicit marker so the answer can say nothing
// was found.
func FormatContextBlock(gc GatheredContext) string {
	var b strings.Builder
	b.WriteString("--- CONTEXT START ---\n")
	if len(gc.Passages) == 0 {
		b.WriteString(noPassagesMarker)
		b.WriteString("\n")
	}
	for i, p := range gc.Passages {
		if i == maxContextPassages {
			break
		}
		fmt.Fprintf(&b, "[%d] Surah %d, Ayah %d (relevance %.2f)\n", i+1, p.SectionNumber, p.ItemNumber, p.RelevanceScore)
		if p.PrimaryText != "" {
			fmt.Fprintf(&b, "Arabic: %s\n", utils.Truncate(p.PrimaryText, maxPassageRunes))
		}
		if p.TranslatedText != "" {
			fmt.Fprintf(&b, "Translation: %s\n", utils.Truncate(p.TranslatedText, maxPassageRunes))
		}
		b.WriteString("\n")
	}
	if len(gc.ReferencedSections) > 0 {
		nums := make([]string, len(gc.ReferencedSections))
		for i, s := range gc.ReferencedSections {
			nums[i] = strconv.Itoa(s)
		}
		fmt.Fprintf(&b, "Referenced surahs: %s\n", strings.Join(nums, ", "))
	}
	b.WriteString("--- CONTEXT END ---")
	return b.String()
}

// buildSystemPrompt combines the session's seed instruction, the answer
// rules and the context block.
func buildSystemPrompt(seed []store.Turn, language string, gc GatheredContext) string {
	base := systemSeedPrompt
	if len(seed) > 0 && seed[0].Role == store.RoleSystem && seed[0].Content != "" {
		base = seed[0].Content
	}
	parts := []string{base, answerInstructions}
	if language != "" {
		parts = append(parts, "Reply in the language with code \""+language+"\".")
	}
	parts = append(parts, FormatContextBlock(gc))
	return strings.Join(parts, "\n\n")
}

// generationTurns converts history into generator messages, dropping system
// turns and appending the current question.
func generationTurns(history []store.Turn, userText string) []Message {
	msgs := make([]Message, 0, len(history)+1)
	for _, t := range history {
		if t.Role == store.RoleSystem {
			continue
		}
		msgs = append(msgs, Message{Role: t.Role, Content: t.Content})
	}
	return append(msgs, Message{Role: store.RoleUser, Content: userText})
}
