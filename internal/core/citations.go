package core

import (
	"regexp"
	"strconv"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

const (
	maxSectionNumber = 114
	maxItemNumber    = 286
)

var (
	colonCitation = regexp.MustCompile(`\b(\d{1,3})\s*:\s*(\d{1,3})\b`)
	namedCitation = regexp.MustCompile(`(?i)(?:surah|sura|section|chapter|сура)\s*(\d{1,3})\s*[,.]?\s*(?:ayah|ayat|aya|verse|item|аят|аята)\s*(\d{1,3})`)
	namedSection  = regexp.MustCompile(`(?i)(?:surah|sura|сура)\s*(\d{1,3})`)

	// A bare "N:M" preceded or followed by these reads as a clock time.
	timeBefore = regexp.MustCompile(`(?i)(?:^|[\s(])(?:at|around|until|till|before|after|около|до|после)\s*$`)
	timeAfter  = regexp.MustCompile(`(?i)^(?::\d|\s*(?:am\b|pm\b|a\.m\.|p\.m\.|o'clock|hours?\b|hrs?\b|in the (?:morning|afternoon|evening)|tonight\b|утра|вечера|ночи|дня|час))`)
)

// ParseCitations finds references written out in the text: "2:155",
// "surah 2 ayah 155", "section 2, item 155". Sections named on their own
// ("surah 112") are returned separately. Bare "N:M" pairs that look like a
// clock time or fall outside the text's numbering are ignored.
func ParseCitations(text string) ([]store.PassageRef, []int) {
	refs := []store.PassageRef{}
	for _, m := range colonCitation.FindAllStringSubmatchIndex(text, -1) {
		if timeBefore.MatchString(text[:m[0]]) || timeAfter.MatchString(text[m[1]:]) {
			continue
		}
		if ref, ok := citationRef(text[m[2]:m[3]], text[m[4]:m[5]]); ok {
			refs = append(refs, ref)
		}
	}
	for _, m := range namedCitation.FindAllStringSubmatch(text, -1) {
		if ref, ok := citationRef(m[1], m[2]); ok {
			refs = append(refs, ref)
		}
	}

	cited := make(map[int]struct{}, len(refs))
	for _, r := range refs {
		cited[r.SectionNumber] = struct{}{}
	}
	sections := []int{}
	for _, m := range namedSection.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		if _, ok := cited[n]; ok || n <= 0 || n > maxSectionNumber {
			continue
		}
		sections = append(sections, n)
	}
	return uniqueRefs(refs), uniqueInts(sections)
}

func citationRef(section, item string) (store.PassageRef, bool) {
	s, _ := strconv.Atoi(section)
	i, _ := strconv.Atoi(item)
	if s <= 0 || s > maxSectionNumber || i <= 0 || i > maxItemNumber {
		return store.PassageRef{}, false
	}
	return store.PassageRef{SectionNumber: s, ItemNumber: i}, true
}
