package jsonrepair

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexatlas/contentgen/internal/domain"
)

func TestRepair(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "already valid object",
			input: `{"a":1,"b":[true,null]}`,
			want:  `{"a":1,"b":[true,null]}`,
		},
		{
			name:  "code fence with language tag",
			input: "```json\n{\"title\":\"Sachenrecht\"}\n```",
			want:  `{"title":"Sachenrecht"}`,
		},
		{
			name:  "code fence without language tag",
			input: "```\n[1,2,3]\n```",
			want:  `[1,2,3]`,
		},
		{
			name:  "leading and trailing prose",
			input: "Here is the outline you asked for:\n{\"sections\":[]}\nLet me know if you need more.",
			want:  `{"sections":[]}`,
		},
		{
			name:  "truncated mid array",
			input: `{"a": 1, "b": ["x", "y"`,
			want:  `{"a": 1, "b": ["x", "y"]}`,
		},
		{
			name:  "truncated mid string",
			input: `{"term": "culpa in contrah`,
			want:  `{"term": "culpa in contrah"}`,
		},
		{
			name:  "truncated after colon",
			input: `{"a": 1, "b":`,
			want:  `{"a": 1, "b":null}`,
		},
		{
			name:  "truncated after comma",
			input: `{"a": 1,`,
			want:  `{"a": 1}`,
		},
		{
			name:  "truncated on dangling escape",
			input: `{"a": "x\`,
			want:  `{"a": "x"}`,
		},
		{
			name:  "truncated inside unicode escape",
			input: `{"a": "X\u00`,
			want:  `{"a": "X"}`,
		},
		{
			name:  "truncated right after unicode escape introducer",
			input: `{"a": "X\u`,
			want:  `{"a": "X"}`,
		},
		{
			name:  "complete unicode escape before cut",
			input: `{"a": "caf\u00e9`,
			want:  `{"a": "caf\u00e9"}`,
		},
		{
			name:  "escaped backslash before literal u is kept",
			input: `{"a": "x\\u12`,
			want:  `{"a": "x\\u12"}`,
		},
		{
			name:  "trailing comma before close",
			input: `{"a": [1, 2,], "b": 3,}`,
			want:  `{"a": [1, 2], "b": 3}`,
		},
		{
			name:  "duplicated separators",
			input: `{"a": 1,, "b": 2}`,
			want:  `{"a": 1, "b": 2}`,
		},
		{
			name:  "escaped quote inside string",
			input: `{"a": "he said \"go\"", "b": 1}`,
			want:  `{"a": "he said \"go\"", "b": 1}`,
		},
		{
			name:  "braces inside string do not affect depth",
			input: `{"a": "{not a nested object["}`,
			want:  `{"a": "{not a nested object["}`,
		},
		{
			name:    "no structure at all",
			input:   "the model refused to answer",
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "unrecoverable garbage",
			input:   `{"a": zzz qqq`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Repair(tt.input)

			if tt.wantErr {
				require.Error(t, err)
				var repairErr *domain.RepairError
				assert.ErrorAs(t, err, &repairErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, json.Valid([]byte(got)))
		})
	}
}

func TestRepair_Idempotent(t *testing.T) {
	inputs := []string{
		`{"a":1}`,
		"```json\n{\"a\": [1, 2,]}\n```",
		`{"a": 1, "b": ["x", "y"`,
		`prose {"k": "v"} trailing`,
		`{"term": "truncated mid strin`,
	}

	for _, input := range inputs {
		once, err := Repair(input)
		require.NoError(t, err, "input: %s", input)

		twice, err := Repair(once)
		require.NoError(t, err, "repaired: %s", once)
		assert.Equal(t, once, twice, "repair must be a no-op on its own output")
	}
}

func TestRepair_TruncationAtEveryOffset(t *testing.T) {
	tests := []struct {
		name string
		full string
		from string // truncation offsets start after this prefix
	}{
		{
			name: "plain nested payload",
			full: `{"title":"Mietrecht","sections":[{"title":"Begriff","units":[{"kind":"intro","body":"Der Mietvertrag ist..."}]}]}`,
			from: `{"title":"Mietrecht","sections":[{"title":"Begriff","units":[{"kind":"intro","body":"De`,
		},
		{
			name: "string value with escape sequences",
			full: `{"title":"Mietrecht","note":"caf\u00e9 \u2192 \"BGB\" \\ Vertrag"}`,
			from: `{"title":"Mietrecht","note":"ca`,
		},
	}

	// Truncation at any offset inside the final string value must still
	// produce a parseable object containing every field before the cut.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for cut := len(tt.from); cut < len(tt.full); cut++ {
				got, err := Repair(tt.full[:cut])
				require.NoError(t, err, "cut at %d: %q", cut, tt.full[:cut])

				var obj map[string]any
				require.NoError(t, json.Unmarshal([]byte(got), &obj), "cut at %d: %s", cut, got)
				assert.Equal(t, "Mietrecht", obj["title"])
			}
		})
	}
}

func TestRepairObject(t *testing.T) {
	t.Run("decodes repaired object", func(t *testing.T) {
		obj, err := RepairObject("```json\n{\"a\": 1, \"b\": [\"x\", \"y\"\n```")
		require.NoError(t, err)
		assert.Equal(t, float64(1), obj["a"])
		assert.Equal(t, []any{"x", "y"}, obj["b"])
	})

	t.Run("rejects top level array", func(t *testing.T) {
		_, err := RepairObject(`[1,2,3]`)
		var repairErr *domain.RepairError
		require.ErrorAs(t, err, &repairErr)
	})

	t.Run("propagates repair failure", func(t *testing.T) {
		_, err := RepairObject("no json here")
		var repairErr *domain.RepairError
		require.ErrorAs(t, err, &repairErr)
	})
}
