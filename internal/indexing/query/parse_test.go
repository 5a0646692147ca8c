package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		q    string
		want []clause
	}{
		{"empty", "   ", nil},
		{"terms", "budget  plan", []clause{{text: "budget"}, {text: "plan"}}},
		{"phrase", `"final plan" q3`, []clause{{text: "final plan", phrase: true}, {text: "q3"}}},
		{"negated term", "plan -draft", []clause{{text: "plan"}, {text: "draft", negated: true}}},
		{"negated phrase", `-"old plan"`, []clause{{text: "old plan", phrase: true, negated: true}}},
		{"lone dash", "plan - x", []clause{{text: "plan"}, {text: "x"}}},
		{"empty phrase", `"" plan`, []clause{{text: "plan"}}},
		{"hyphenated", "q3-results", []clause{{text: "q3-results"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parse(tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, q := range []string{`"open`, `plan "final`, `bro"ken`} {
		_, err := parse(q)
		assert.ErrorIs(t, err, model.ErrQueryParse, q)
	}
}
