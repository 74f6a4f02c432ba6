package riskmon

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Default keyword sets. Matching is case-insensitive substring search.
var (
	DefaultHandlingKeywords = []string{
		"处理", "马上", "已经", "安排", "核实", "解决", "负责", "跟进", "联系您", "抱歉",
		"handling", "looking into", "resolve", "follow up", "sorry", "on it", "checking",
	}
	DefaultSatisfiedKeywords = []string{
		"谢谢", "好的", "解决了", "满意", "可以了", "没问题",
		"thanks", "thank you", "resolved", "great", "perfect",
	}
	DefaultDissatisfiedKeywords = []string{
		"不满意", "没用", "太差", "垃圾", "还没", "不行",
		"useless", "terrible", "still not", "not working",
	}
	DefaultEscalationKeywords = []string{
		"投诉", "经理", "主管", "12315", "曝光", "律师",
		"complain", "manager", "supervisor", "lawyer",
	}
)

// Satisfaction is the user-satisfaction signal read from a user's messages.
type Satisfaction int

const (
	SatisfactionLow Satisfaction = iota
	SatisfactionMedium
	SatisfactionHigh
)

func (s Satisfaction) String() string {
	switch s {
	case SatisfactionHigh:
		return "high"
	case SatisfactionMedium:
		return "medium"
	default:
		return "low"
	}
}

// countKeywords returns how many distinct keywords occur in text.
func countKeywords(text string, keywords []string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			n++
		}
	}
	return n
}

// scoreSatisfaction grades a user's messages. Any dissatisfied or
// escalation keyword makes the signal low; otherwise any satisfied keyword
// makes it high.
func scoreSatisfaction(texts []string, satisfied, dissatisfied, escalation []string) Satisfaction {
	sat, dis := 0, 0
	for _, t := range texts {
		sat += countKeywords(t, satisfied)
		dis += countKeywords(t, dissatisfied) + countKeywords(t, escalation)
	}
	switch {
	case dis > 0:
		return SatisfactionLow
	case sat > 0:
		return SatisfactionHigh
	default:
		return SatisfactionMedium
	}
}

// RelevanceScorer rates how related a staff message is to a risk case, in
// [0, 1].
type RelevanceScorer interface {
	Score(ctx context.Context, caseContent, message string) (float64, error)
}

// RelevanceFunc adapts a function to RelevanceScorer.
type RelevanceFunc func(ctx context.Context, caseContent, message string) (float64, error)

// Score calls f.
func (f RelevanceFunc) Score(ctx context.Context, caseContent, message string) (float64, error) {
	return f(ctx, caseContent, message)
}

// KeywordScorer scores relevance as the share of the case content's
// character bigrams that also occur in the message. Bigrams work for both
// CJK text and space-separated languages.
type KeywordScorer struct{}

// Score implements RelevanceScorer.
func (KeywordScorer) Score(_ context.Context, caseContent, message string) (float64, error) {
	want := bigrams(caseContent)
	if len(want) == 0 {
		return 0, nil
	}
	have := bigrams(message)
	hit := 0
	for g := range want {
		if _, ok := have[g]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(want)), nil
}

func bigrams(s string) map[string]struct{} {
	runes := make([]rune, 0, utf8.RuneCountInString(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			runes = append(runes, r)
		}
	}
	out := make(map[string]struct{})
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = struct{}{}
	}
	return out
}
