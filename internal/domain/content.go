package domain

// Content unit kinds produced by the pipeline. A unit is the smallest
// addressable piece of a section (roughly one page of study material).
const (
	UnitKindIntro    = "intro"
	UnitKindConcept  = "concept"
	UnitKindExample  = "example"
	UnitKindCaseNote = "case_note"
	UnitKindSummary  = "summary"
)

// ContentUnit is one page-equivalent of generated material.
type ContentUnit struct {
	Kind string `json:"kind"`
	Body string `json:"body"`
}

// Section groups content units under a heading.
type Section struct {
	Title string        `json:"title"`
	Units []ContentUnit `json:"units"`
}

// DrillQuestion is a multiple-choice practice question.
type DrillQuestion struct {
	Question    string   `json:"question"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answer_index"`
	Explanation string   `json:"explanation,omitempty"`
}

// Flashcard is a front/back study card.
type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

// GlossaryEntry defines one term.
type GlossaryEntry struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// ComparisonRow is one row of the synthesis comparison table.
type ComparisonRow struct {
	Subject string `json:"subject"`
	Point   string `json:"point"`
}

// Synthesis is the final-stage summary structure.
type Synthesis struct {
	KeyTerms        []string        `json:"key_terms"`
	Mnemonics       []string        `json:"mnemonics"`
	ComparisonTable []ComparisonRow `json:"comparison_table"`
}

// TopicPayload is the accumulated output of all pipeline stages. It is
// persisted incrementally while a job is RUNNING and must only be treated
// as complete once the job status is COMPLETED.
type TopicPayload struct {
	Sections       []Section       `json:"sections"`
	DrillQuestions []DrillQuestion `json:"drill_questions"`
	Flashcards     []Flashcard     `json:"flashcards"`
	Glossary       []GlossaryEntry `json:"glossary"`
	Synthesis      *Synthesis      `json:"synthesis,omitempty"`
}

// UnitCount sums content units across all sections. Completion is only
// accepted when this meets the configured minimum.
func (p *TopicPayload) UnitCount() int {
	n := 0
	for _, s := range p.Sections {
		n += len(s.Units)
	}
	return n
}
