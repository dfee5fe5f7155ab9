package pipeline

import (
	"fmt"
	"strings"

	"github.com/lexatlas/contentgen/internal/domain"
)

// Instruction builders for each pipeline stage. The wording matters less
// than the output contract: every instruction pins down the exact JSON
// shape the stage parser expects.

func outlineInstruction(title string, minSections int) string {
	return fmt.Sprintf(`You are preparing a study topic outline for law students.
Topic: %q.

Produce ONLY a JSON object of this exact shape, no prose:
{"sections":[{"title":"...","units":[{"kind":"intro|concept|example|case_note|summary"}]}]}

Rules:
- at least %d sections, ordered from fundamentals to edge cases
- each section lists 2-5 unit placeholders with a kind, no body text
- the first unit of the first section must have kind "intro"`, title, minSections)
}

func sectionInstruction(topicTitle string, section outlineSection) string {
	return fmt.Sprintf(`Write the full content for one section of the study topic %q.
Section: %q. Unit kinds in order: %s.

Produce ONLY a JSON object:
{"units":[{"kind":"...","body":"..."}]}

Rules:
- one unit per requested kind, in the given order
- each body is 2-4 paragraphs of precise legal study text
- no greetings, no meta commentary about being an assistant`,
		topicTitle, section.Title, strings.Join(section.UnitKinds, ", "))
}

func drillInstruction(title string, count int) string {
	return fmt.Sprintf(`Create %d multiple-choice drill questions for the study topic %q.

Produce ONLY a JSON object:
{"questions":[{"question":"...","choices":["...","...","...","..."],"answer_index":0,"explanation":"..."}]}`,
		count, title)
}

func flashcardInstruction(title string, count int) string {
	return fmt.Sprintf(`Create %d flashcards for the study topic %q.

Produce ONLY a JSON object:
{"cards":[{"front":"...","back":"..."}]}`, count, title)
}

func glossaryInstruction(title string, count int) string {
	return fmt.Sprintf(`Collect the %d most important technical terms of the study topic %q.

Produce ONLY a JSON object:
{"entries":[{"term":"...","definition":"..."}]}`, count, title)
}

func synthesisInstruction(title string, payload *domain.TopicPayload) string {
	var sectionTitles []string
	for _, s := range payload.Sections {
		sectionTitles = append(sectionTitles, s.Title)
	}

	return fmt.Sprintf(`Summarize the completed study topic %q covering: %s.

Produce ONLY a JSON object:
{"key_terms":["..."],"mnemonics":["..."],"comparison_table":[{"subject":"...","point":"..."}]}`,
		title, strings.Join(sectionTitles, "; "))
}
