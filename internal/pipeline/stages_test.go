package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexatlas/contentgen/internal/domain"
)

func TestStripGreeting(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "hello sentence removed",
			body: "Hello students! Consideration is the price of a promise.",
			want: "Consideration is the price of a promise.",
		},
		{
			name: "welcome sentence removed",
			body: "Welcome to this section.\nAn offer terminates on rejection.",
			want: "An offer terminates on rejection.",
		},
		{
			name: "meta lead-in removed",
			body: "In this section, we will cover remedies. Damages are the default remedy.",
			want: "Damages are the default remedy.",
		},
		{
			name: "plain body untouched",
			body: "The mailbox rule fixes acceptance at the moment of posting.",
			want: "The mailbox rule fixes acceptance at the moment of posting.",
		},
		{
			name: "greeting-only body kept",
			body: "Hello!",
			want: "Hello!",
		},
		{
			name: "surrounding whitespace trimmed",
			body: "  Estoppel bars going back on a promise.  ",
			want: "Estoppel bars going back on a promise.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripGreeting(tt.body))
		})
	}
}

func TestNormalizeUnitKind(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"intro", domain.UnitKindIntro},
		{"Introduction", domain.UnitKindIntro},
		{"example", domain.UnitKindExample},
		{"examples", domain.UnitKindExample},
		{"case", domain.UnitKindCaseNote},
		{"case_study", domain.UnitKindCaseNote},
		{"CASE_NOTE", domain.UnitKindCaseNote},
		{"recap", domain.UnitKindSummary},
		{" summary ", domain.UnitKindSummary},
		{"concept", domain.UnitKindConcept},
		{"something else", domain.UnitKindConcept},
		{"", domain.UnitKindConcept},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeUnitKind(tt.in), "kind %q", tt.in)
	}
}

func TestParseOutline(t *testing.T) {
	t.Run("valid outline", func(t *testing.T) {
		sections, err := parseOutline(mustObj(t, outlineJSON))
		require.NoError(t, err)
		require.Len(t, sections, 3)
		assert.Equal(t, "Formation", sections[0].Title)
		assert.Equal(t, []string{"intro", "concept", "example"}, sections[0].UnitKinds)
	})

	t.Run("missing sections array", func(t *testing.T) {
		_, err := parseOutline(mustObj(t, `{"chapters":[]}`))
		var vErr *domain.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, domain.StageOutline, vErr.Stage)
	})

	t.Run("section without title", func(t *testing.T) {
		_, err := parseOutline(mustObj(t, `{"sections":[{"title":"  ","units":[{"kind":"concept"}]}]}`))
		var vErr *domain.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Contains(t, vErr.Reason, "without title")
	})

	t.Run("section without units", func(t *testing.T) {
		_, err := parseOutline(mustObj(t, `{"sections":[{"title":"Formation","units":[]}]}`))
		var vErr *domain.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Contains(t, vErr.Reason, "unit placeholders")
	})
}

func TestParseUnits(t *testing.T) {
	t.Run("valid units", func(t *testing.T) {
		units, err := parseUnits(mustObj(t, sectionJSON))
		require.NoError(t, err)
		require.Len(t, units, 3)
		assert.Equal(t, domain.UnitKindIntro, units[0].Kind)
	})

	t.Run("unknown kind normalizes to concept", func(t *testing.T) {
		units, err := parseUnits(mustObj(t, `{"units":[{"kind":"lecture","body":"Some text."}]}`))
		require.NoError(t, err)
		assert.Equal(t, domain.UnitKindConcept, units[0].Kind)
	})

	t.Run("empty body rejected", func(t *testing.T) {
		_, err := parseUnits(mustObj(t, `{"units":[{"kind":"concept","body":"   "}]}`))
		var vErr *domain.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, domain.StageExpansion, vErr.Stage)
	})

	t.Run("missing units array rejected", func(t *testing.T) {
		_, err := parseUnits(mustObj(t, `{"content":[]}`))
		var vErr *domain.ValidationError
		require.ErrorAs(t, err, &vErr)
	})
}

func TestParseDrillQuestions(t *testing.T) {
	t.Run("valid questions", func(t *testing.T) {
		questions, err := parseDrillQuestions(mustObj(t, drillsJSON))
		require.NoError(t, err)
		require.Len(t, questions, 2)
		assert.Equal(t, 1, questions[0].AnswerIndex)
	})

	t.Run("malformed entries skipped", func(t *testing.T) {
		questions, err := parseDrillQuestions(mustObj(t, `{"questions":[
			{"question":"Out-of-range answer?","choices":["a","b"],"answer_index":5},
			{"question":"","choices":["a","b"],"answer_index":0},
			{"question":"Single choice?","choices":["a"],"answer_index":0},
			{"question":"Good?","choices":["a","b"],"answer_index":0,"explanation":"a"}]}`))
		require.NoError(t, err)
		require.Len(t, questions, 1)
		assert.Equal(t, "Good?", questions[0].Question)
	})

	t.Run("missing questions array rejected", func(t *testing.T) {
		_, err := parseDrillQuestions(mustObj(t, `{"items":[]}`))
		var vErr *domain.ValidationError
		require.ErrorAs(t, err, &vErr)
	})
}

func TestParseFlashcards(t *testing.T) {
	cards, err := parseFlashcards(mustObj(t, `{"cards":[
		{"front":"Offer","back":"A definite promise."},
		{"front":"","back":"dropped"},
		{"front":"dropped","back":""}]}`))
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "Offer", cards[0].Front)
}

func TestParseGlossary(t *testing.T) {
	entries, err := parseGlossary(mustObj(t, `{"entries":[
		{"term":"offer","definition":"A definite promise."},
		{"term":"","definition":"dropped"}]}`))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "offer", entries[0].Term)
}

func TestParseSynthesis(t *testing.T) {
	t.Run("valid synthesis", func(t *testing.T) {
		synthesis, err := parseSynthesis(mustObj(t, synthesisJSON))
		require.NoError(t, err)
		assert.Equal(t, []string{"offer", "acceptance"}, synthesis.KeyTerms)
		require.Len(t, synthesis.ComparisonTable, 1)
		assert.Equal(t, "offer", synthesis.ComparisonTable[0].Subject)
	})

	t.Run("missing key terms rejected", func(t *testing.T) {
		_, err := parseSynthesis(mustObj(t, `{"mnemonics":["OAC"]}`))
		var vErr *domain.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, domain.StageSynthesis, vErr.Stage)
	})

	t.Run("incomplete comparison rows skipped", func(t *testing.T) {
		synthesis, err := parseSynthesis(mustObj(t, `{"key_terms":["offer"],
			"comparison_table":[{"subject":"offer"},{"subject":"offer","point":"kept"}]}`))
		require.NoError(t, err)
		require.Len(t, synthesis.ComparisonTable, 1)
		assert.Equal(t, "kept", synthesis.ComparisonTable[0].Point)
	})
}
