package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lexatlas/contentgen/internal/domain"
)

// outlineSection is the stage-one skeleton: a section heading plus typed
// unit placeholders, no prose yet.
type outlineSection struct {
	Title     string
	UnitKinds []string
}

// stageOutline asks for the topic skeleton and validates it against the
// configured minimums.
func (b *Builder) stageOutline(ctx context.Context, job *domain.GenerationJob) ([]outlineSection, error) {
	obj, err := b.gen.GenerateStructured(ctx, outlineInstruction(job.Title, b.cfg.MinSections), b.cfg.OutlineMaxTokens)
	if err != nil {
		return nil, err
	}

	sections, err := parseOutline(obj)
	if err != nil {
		return nil, err
	}

	if len(sections) < b.cfg.MinSections {
		return nil, &domain.ValidationError{
			Stage:  domain.StageOutline,
			Reason: fmt.Sprintf("got %d sections, need at least %d", len(sections), b.cfg.MinSections),
		}
	}
	total := 0
	for _, s := range sections {
		total += len(s.UnitKinds)
	}
	if total < b.cfg.MinTotalUnits {
		return nil, &domain.ValidationError{
			Stage:  domain.StageOutline,
			Reason: fmt.Sprintf("outline plans %d units, need at least %d", total, b.cfg.MinTotalUnits),
		}
	}
	return sections, nil
}

// stageExpand generates full content for every planned section in order.
// A failed section degrades to a placeholder instead of aborting the job;
// progress and the partial payload are persisted after each section.
func (b *Builder) stageExpand(ctx context.Context, job *domain.GenerationJob, outline []outlineSection, payload *domain.TopicPayload) error {
	for i, planned := range outline {
		section, err := b.expandSection(ctx, job.Title, planned, i == 0)
		if err != nil {
			b.logger.Warn("Section generation degraded to placeholder",
				slog.String("job_id", job.JobID),
				slog.String("section", planned.Title),
				slog.String("error", err.Error()),
			)
			section = placeholderSection(planned)
		}
		payload.Sections = append(payload.Sections, section)

		progress := expansionStartProgress +
			(i+1)*(expansionEndProgress-expansionStartProgress)/len(outline)
		if err := b.persistPartial(ctx, job.JobID, domain.StageExpansion, progress, payload); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) expandSection(ctx context.Context, topicTitle string, planned outlineSection, first bool) (domain.Section, error) {
	obj, err := b.gen.GenerateStructured(ctx, sectionInstruction(topicTitle, planned), b.cfg.SectionMaxTokens)
	if err != nil {
		return domain.Section{}, err
	}

	units, err := parseUnits(obj)
	if err != nil {
		return domain.Section{}, err
	}

	// Greeting phrases are only tolerated in the designated intro unit.
	for i := range units {
		if first && i == 0 && units[i].Kind == domain.UnitKindIntro {
			continue
		}
		units[i].Body = stripGreeting(units[i].Body)
	}

	return domain.Section{Title: planned.Title, Units: units}, nil
}

// placeholderSection is the degraded stand-in for a section whose
// generation failed.
func placeholderSection(planned outlineSection) domain.Section {
	return domain.Section{
		Title: planned.Title,
		Units: []domain.ContentUnit{{
			Kind: domain.UnitKindConcept,
			Body: "This section could not be generated and will be filled in on a later attempt.",
		}},
	}
}

// stageExtras fires the three ancillary generations in parallel. Each
// extra falls back to an empty collection on failure; one failing never
// blocks the others.
func (b *Builder) stageExtras(ctx context.Context, job *domain.GenerationJob, payload *domain.TopicPayload) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		payload.DrillQuestions = b.generateDrills(ctx, job)
		return nil
	})
	g.Go(func() error {
		payload.Flashcards = b.generateFlashcards(ctx, job)
		return nil
	})
	g.Go(func() error {
		payload.Glossary = b.generateGlossary(ctx, job)
		return nil
	})

	_ = g.Wait()
}

func (b *Builder) generateDrills(ctx context.Context, job *domain.GenerationJob) []domain.DrillQuestion {
	obj, err := b.gen.GenerateStructured(ctx, drillInstruction(job.Title, b.cfg.DrillQuestionCount), b.cfg.ExtrasMaxTokens)
	if err != nil {
		b.logExtraFailure(job.JobID, "drill_questions", err)
		return []domain.DrillQuestion{}
	}
	questions, err := parseDrillQuestions(obj)
	if err != nil {
		b.logExtraFailure(job.JobID, "drill_questions", err)
		return []domain.DrillQuestion{}
	}
	return questions
}

func (b *Builder) generateFlashcards(ctx context.Context, job *domain.GenerationJob) []domain.Flashcard {
	obj, err := b.gen.GenerateStructured(ctx, flashcardInstruction(job.Title, b.cfg.FlashcardCount), b.cfg.ExtrasMaxTokens)
	if err != nil {
		b.logExtraFailure(job.JobID, "flashcards", err)
		return []domain.Flashcard{}
	}
	cards, err := parseFlashcards(obj)
	if err != nil {
		b.logExtraFailure(job.JobID, "flashcards", err)
		return []domain.Flashcard{}
	}
	return cards
}

func (b *Builder) generateGlossary(ctx context.Context, job *domain.GenerationJob) []domain.GlossaryEntry {
	obj, err := b.gen.GenerateStructured(ctx, glossaryInstruction(job.Title, b.cfg.GlossaryCount), b.cfg.ExtrasMaxTokens)
	if err != nil {
		b.logExtraFailure(job.JobID, "glossary", err)
		return []domain.GlossaryEntry{}
	}
	entries, err := parseGlossary(obj)
	if err != nil {
		b.logExtraFailure(job.JobID, "glossary", err)
		return []domain.GlossaryEntry{}
	}
	return entries
}

func (b *Builder) logExtraFailure(jobID, extra string, err error) {
	b.logger.Warn("Extra generation failed, defaulting to empty",
		slog.String("job_id", jobID),
		slog.String("extra", extra),
		slog.String("error", err.Error()),
	)
}

// stageSynthesis produces the final summary structure, falling back to a
// minimal synthesis derived from the title when the call fails.
func (b *Builder) stageSynthesis(ctx context.Context, job *domain.GenerationJob, payload *domain.TopicPayload) {
	obj, err := b.gen.GenerateStructured(ctx, synthesisInstruction(job.Title, payload), b.cfg.SynthesisMaxTokens)
	if err == nil {
		if synthesis, parseErr := parseSynthesis(obj); parseErr == nil {
			payload.Synthesis = synthesis
			return
		} else {
			err = parseErr
		}
	}

	b.logger.Warn("Synthesis failed, using minimal fallback",
		slog.String("job_id", job.JobID),
		slog.String("error", err.Error()),
	)
	payload.Synthesis = &domain.Synthesis{
		KeyTerms:        []string{job.Title},
		Mnemonics:       []string{},
		ComparisonTable: []domain.ComparisonRow{},
	}
}

// --- strict parsing of model output ---
//
// The generation endpoint returns loosely typed objects. Each parser
// normalizes into the domain type and rejects unrecognized shapes with a
// ValidationError rather than accepting them silently.

func parseOutline(obj map[string]any) ([]outlineSection, error) {
	rawSections, ok := obj["sections"].([]any)
	if !ok {
		return nil, &domain.ValidationError{Stage: domain.StageOutline, Reason: "missing sections array"}
	}

	var sections []outlineSection
	for _, raw := range rawSections {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &domain.ValidationError{Stage: domain.StageOutline, Reason: "section is not an object"}
		}
		title, _ := m["title"].(string)
		if strings.TrimSpace(title) == "" {
			return nil, &domain.ValidationError{Stage: domain.StageOutline, Reason: "section without title"}
		}

		rawUnits, ok := m["units"].([]any)
		if !ok || len(rawUnits) == 0 {
			return nil, &domain.ValidationError{Stage: domain.StageOutline, Reason: "section without unit placeholders"}
		}
		var kinds []string
		for _, ru := range rawUnits {
			um, ok := ru.(map[string]any)
			if !ok {
				return nil, &domain.ValidationError{Stage: domain.StageOutline, Reason: "unit placeholder is not an object"}
			}
			kind, _ := um["kind"].(string)
			kinds = append(kinds, normalizeUnitKind(kind))
		}
		sections = append(sections, outlineSection{Title: title, UnitKinds: kinds})
	}
	return sections, nil
}

func parseUnits(obj map[string]any) ([]domain.ContentUnit, error) {
	rawUnits, ok := obj["units"].([]any)
	if !ok || len(rawUnits) == 0 {
		return nil, &domain.ValidationError{Stage: domain.StageExpansion, Reason: "missing units array"}
	}

	var units []domain.ContentUnit
	for _, raw := range rawUnits {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &domain.ValidationError{Stage: domain.StageExpansion, Reason: "unit is not an object"}
		}
		body, _ := m["body"].(string)
		if strings.TrimSpace(body) == "" {
			return nil, &domain.ValidationError{Stage: domain.StageExpansion, Reason: "unit with empty body"}
		}
		kind, _ := m["kind"].(string)
		units = append(units, domain.ContentUnit{
			Kind: normalizeUnitKind(kind),
			Body: strings.TrimSpace(body),
		})
	}
	return units, nil
}

func parseDrillQuestions(obj map[string]any) ([]domain.DrillQuestion, error) {
	rawQuestions, ok := obj["questions"].([]any)
	if !ok {
		return nil, &domain.ValidationError{Stage: domain.StageExtras, Reason: "missing questions array"}
	}

	var questions []domain.DrillQuestion
	for _, raw := range rawQuestions {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		question, _ := m["question"].(string)
		if strings.TrimSpace(question) == "" {
			continue
		}
		choices := toStringSlice(m["choices"])
		answerIdx := toInt(m["answer_index"], 0)
		if len(choices) < 2 || answerIdx < 0 || answerIdx >= len(choices) {
			continue
		}
		explanation, _ := m["explanation"].(string)
		questions = append(questions, domain.DrillQuestion{
			Question:    question,
			Choices:     choices,
			AnswerIndex: answerIdx,
			Explanation: explanation,
		})
	}
	return questions, nil
}

func parseFlashcards(obj map[string]any) ([]domain.Flashcard, error) {
	rawCards, ok := obj["cards"].([]any)
	if !ok {
		return nil, &domain.ValidationError{Stage: domain.StageExtras, Reason: "missing cards array"}
	}

	var cards []domain.Flashcard
	for _, raw := range rawCards {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		front, _ := m["front"].(string)
		back, _ := m["back"].(string)
		if strings.TrimSpace(front) == "" || strings.TrimSpace(back) == "" {
			continue
		}
		cards = append(cards, domain.Flashcard{Front: front, Back: back})
	}
	return cards, nil
}

func parseGlossary(obj map[string]any) ([]domain.GlossaryEntry, error) {
	rawEntries, ok := obj["entries"].([]any)
	if !ok {
		return nil, &domain.ValidationError{Stage: domain.StageExtras, Reason: "missing entries array"}
	}

	var entries []domain.GlossaryEntry
	for _, raw := range rawEntries {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		term, _ := m["term"].(string)
		definition, _ := m["definition"].(string)
		if strings.TrimSpace(term) == "" || strings.TrimSpace(definition) == "" {
			continue
		}
		entries = append(entries, domain.GlossaryEntry{Term: term, Definition: definition})
	}
	return entries, nil
}

func parseSynthesis(obj map[string]any) (*domain.Synthesis, error) {
	keyTerms := toStringSlice(obj["key_terms"])
	if len(keyTerms) == 0 {
		return nil, &domain.ValidationError{Stage: domain.StageSynthesis, Reason: "missing key terms"}
	}

	synthesis := &domain.Synthesis{
		KeyTerms:        keyTerms,
		Mnemonics:       toStringSlice(obj["mnemonics"]),
		ComparisonTable: []domain.ComparisonRow{},
	}

	if rawRows, ok := obj["comparison_table"].([]any); ok {
		for _, raw := range rawRows {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			subject, _ := m["subject"].(string)
			point, _ := m["point"].(string)
			if subject == "" || point == "" {
				continue
			}
			synthesis.ComparisonTable = append(synthesis.ComparisonTable, domain.ComparisonRow{
				Subject: subject,
				Point:   point,
			})
		}
	}
	return synthesis, nil
}

// --- normalization helpers ---

var greetingPrefixes = []string{
	"hello", "hi there", "hi,", "hey", "welcome", "greetings",
	"dear student", "in this section, we will", "let's dive in",
}

// stripGreeting drops a leading greeting sentence from a unit body.
// Only the designated intro unit is allowed to open with one.
func stripGreeting(body string) string {
	trimmed := strings.TrimSpace(body)
	lower := strings.ToLower(trimmed)

	for _, prefix := range greetingPrefixes {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		if end := strings.IndexAny(trimmed, ".!\n"); end >= 0 && end+1 < len(trimmed) {
			return strings.TrimSpace(trimmed[end+1:])
		}
	}
	return trimmed
}

func normalizeUnitKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case domain.UnitKindIntro, "introduction":
		return domain.UnitKindIntro
	case domain.UnitKindExample, "examples":
		return domain.UnitKindExample
	case domain.UnitKindCaseNote, "case", "case_study":
		return domain.UnitKindCaseNote
	case domain.UnitKindSummary, "recap":
		return domain.UnitKindSummary
	default:
		return domain.UnitKindConcept
	}
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}
