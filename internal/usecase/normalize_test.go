package usecase

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"NewsScanner/internal/domain"
)

func TestNormalizeOutputs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		raw      string
		want     domain.AnalysisOutput
		warnings int
	}{
		{
			name: "text field holding json",
			raw:  `{"text":"{\"title\":\"T\",\"summary\":\"S\",\"relevance_score\":7,\"relevance_reason\":\"R\"}"}`,
			want: domain.AnalysisOutput{Title: "T", Summary: "S", RelevanceScore: 7, RelevanceReason: "R"},
		},
		{
			name: "structured outputs",
			raw:  `{"title":"T","summary":"S","relevance_score":"6.5","relevance_reason":"R"}`,
			want: domain.AnalysisOutput{Title: "T", Summary: "S", RelevanceScore: 6.5, RelevanceReason: "R"},
		},
		{
			name: "string payload",
			raw:  `"{\"title\":\"T\",\"summary\":\"S\",\"relevance_score\":3,\"relevance_reason\":\"R\"}"`,
			want: domain.AnalysisOutput{Title: "T", Summary: "S", RelevanceScore: 3, RelevanceReason: "R"},
		},
		{
			name: "plain text falls back",
			raw:  `{"text":"This notice is about dormitory repairs."}`,
			want: domain.AnalysisOutput{
				Title:           "分析结果",
				Summary:         "This notice is about dormitory repairs.",
				RelevanceReason: "来自 Dify 工作流的原始输出",
			},
		},
		{
			name:     "missing fields warn",
			raw:      `{"title":"T","relevance_score":5}`,
			want:     domain.AnalysisOutput{Title: "T", RelevanceScore: 5},
			warnings: 2,
		},
		{
			name:     "non numeric score warns",
			raw:      `{"title":"T","summary":"S","relevance_score":"high","relevance_reason":"R"}`,
			want:     domain.AnalysisOutput{Title: "T", Summary: "S", RelevanceReason: "R"},
			warnings: 1,
		},
		{
			name:     "nan score is not numeric",
			raw:      `{"title":"T","summary":"S","relevance_score":"NaN","relevance_reason":"R"}`,
			want:     domain.AnalysisOutput{Title: "T", Summary: "S", RelevanceReason: "R"},
			warnings: 1,
		},
		{
			name:     "infinite score is not numeric",
			raw:      `{"title":"T","summary":"S","relevance_score":"+Inf","relevance_reason":"R"}`,
			want:     domain.AnalysisOutput{Title: "T", Summary: "S", RelevanceReason: "R"},
			warnings: 1,
		},
		{
			name:     "boolean score is not numeric",
			raw:      `{"title":"T","summary":"S","relevance_score":true,"relevance_reason":"R"}`,
			want:     domain.AnalysisOutput{Title: "T", Summary: "S", RelevanceReason: "R"},
			warnings: 1,
		},
		{
			name:     "out of range score warns",
			raw:      `{"title":"T","summary":"S","relevance_score":12,"relevance_reason":"R"}`,
			want:     domain.AnalysisOutput{Title: "T", Summary: "S", RelevanceScore: 12, RelevanceReason: "R"},
			warnings: 1,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, warnings := normalizeOutputs(json.RawMessage(tc.raw))
			assert.Equal(t, tc.want, got)
			assert.Len(t, warnings, tc.warnings)
		})
	}
}

func TestFallbackSummaryIsTruncatedByRunes(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("通", 600)
	raw, _ := json.Marshal(map[string]string{"text": text})

	got, warnings := normalizeOutputs(raw)
	assert.Empty(t, warnings)
	assert.Equal(t, 0.0, got.RelevanceScore)
	assert.Equal(t, 500, len([]rune(got.Summary)))
}
