package usecase

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"

	"NewsScanner/internal/domain"
)

const (
	fallbackTitle      = "分析结果"
	fallbackReason     = "来自 Dify 工作流的原始输出"
	fallbackSummaryLen = 500
)

var canonicalFields = []string{"title", "summary", "relevance_score", "relevance_reason"}

// normalizeOutputs turns raw workflow outputs into the canonical output plus warnings.
// Text payloads are parsed as JSON; unparseable text becomes a fallback output.
func normalizeOutputs(raw json.RawMessage) (domain.AnalysisOutput, []string) {
	payload, ok := unwrapPayload(raw)
	if !ok {
		return fallbackOutput(rawText(raw)), nil
	}

	var warnings []string
	for _, field := range canonicalFields {
		if _, present := payload[field]; !present {
			warnings = append(warnings, "missing field: "+field)
		}
	}

	out := domain.AnalysisOutput{
		Title:           cast.ToString(payload["title"]),
		Summary:         cast.ToString(payload["summary"]),
		RelevanceReason: cast.ToString(payload["relevance_reason"]),
	}
	if value, present := payload["relevance_score"]; present {
		score, ok := numericScore(value)
		switch {
		case !ok:
			warnings = append(warnings, fmt.Sprintf("relevance_score is not numeric: %v", value))
		case score < 0 || score > 10:
			warnings = append(warnings, fmt.Sprintf("relevance_score out of range [0,10]: %v", score))
			out.RelevanceScore = score
		default:
			out.RelevanceScore = score
		}
	}
	return out, warnings
}

// numericScore accepts JSON numbers and numeric strings with a finite value.
func numericScore(value any) (float64, bool) {
	switch value.(type) {
	case float64, string, json.Number:
	default:
		return 0, false
	}
	score, err := cast.ToFloat64E(value)
	if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, false
	}
	return score, true
}

// unwrapPayload resolves outputs.text and bare string payloads into a JSON object.
func unwrapPayload(raw json.RawMessage) (map[string]any, bool) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false
	}

	switch v := decoded.(type) {
	case map[string]any:
		text, hasText := v["text"]
		if !hasText {
			return v, true
		}
		return parseObject(cast.ToString(text))
	case string:
		return parseObject(v)
	default:
		return nil, false
	}
}

func parseObject(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// rawText is the text the fallback summary is cut from.
func rawText(raw json.RawMessage) string {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	switch v := decoded.(type) {
	case string:
		return v
	case map[string]any:
		if text, ok := v["text"]; ok {
			return cast.ToString(text)
		}
	}
	return string(raw)
}

func fallbackOutput(text string) domain.AnalysisOutput {
	runes := []rune(text)
	if len(runes) > fallbackSummaryLen {
		runes = runes[:fallbackSummaryLen]
	}
	return domain.AnalysisOutput{
		Title:           fallbackTitle,
		Summary:         string(runes),
		RelevanceScore:  0,
		RelevanceReason: fallbackReason,
	}
}
