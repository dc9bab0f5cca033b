// ABOUTME: Lexicon-based sentiment scorer for ended conversations
// ABOUTME: Deterministic, no provider call, output normalized to [-1,1]

package analysis

import (
	"strings"

	"github.com/threadline-ai/threadline/internal/store"
)

var positiveWords = map[string]struct{}{
	"agree": {}, "awesome": {}, "excellent": {}, "glad": {}, "good": {},
	"great": {}, "happy": {}, "helpful": {}, "love": {}, "nice": {},
	"perfect": {}, "pleased": {}, "resolved": {}, "right": {}, "thanks": {},
	"thank": {}, "useful": {}, "works": {}, "yes": {},
}

var negativeWords = map[string]struct{}{
	"angry": {}, "annoying": {}, "bad": {}, "broken": {}, "bug": {},
	"confused": {}, "disagree": {}, "error": {}, "fail": {}, "failed": {},
	"frustrated": {}, "hate": {}, "issue": {}, "no": {}, "problem": {},
	"sorry": {}, "terrible": {}, "wrong": {}, "worse": {},
}

// sentiment labels.
const (
	labelPositive = "positive"
	labelNegative = "negative"
	labelNeutral  = "neutral"
)

// scoreSentiment scores the conversation's message contents against a small
// signed lexicon. The score is (positive-negative)/(positive+negative), so it
// lands in [-1,1] and is 0 when no lexicon word appears. Confidence grows
// with lexicon coverage of the transcript.
func scoreSentiment(msgs []*store.Message) map[string]any {
	var pos, neg, total int
	for _, msg := range msgs {
		for _, raw := range strings.Fields(msg.Content) {
			word := strings.Trim(strings.ToLower(raw), ".,!?;:'\"()")
			if word == "" {
				continue
			}
			total++
			if _, ok := positiveWords[word]; ok {
				pos++
			} else if _, ok := negativeWords[word]; ok {
				neg++
			}
		}
	}

	hits := pos + neg
	if hits == 0 || total == 0 {
		return map[string]any{
			"score":      0.0,
			"label":      labelNeutral,
			"confidence": 0.3,
		}
	}

	score := float64(pos-neg) / float64(hits)
	label := labelNeutral
	switch {
	case score >= 0.2:
		label = labelPositive
	case score <= -0.2:
		label = labelNegative
	}

	confidence := 0.5 + float64(hits)/float64(total)
	if confidence > 0.95 {
		confidence = 0.95
	}

	return map[string]any{
		"score":      score,
		"label":      label,
		"confidence": confidence,
	}
}
