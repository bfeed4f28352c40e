package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/probelabs/trendscout/internal/llm"
)

// piiPatterns match the personal data we refuse to enrich or store.
var piiPatterns = map[string]*regexp.Regexp{
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"email":       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	"phone":       regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
}

// spamIndicators are lowercase substrings that flag promotional posts
// without spending a model call's worth of certainty.
var spamIndicators = []string{
	"buy now",
	"click here",
	"free money",
	"limited time",
	"act now",
	"100% free",
	"make money fast",
	"work from home",
	"winner!",
	"congratulations you",
	"crypto giveaway",
	"dm me to",
	"check out my onlyfans",
}

// SpamVerdict is the combined rule and model moderation verdict.
type SpamVerdict struct {
	IsSpam bool
	HasPII bool
	Notes  string
}

// SpamStage combines deterministic rules with a model verdict, OR-ing
// the two. A model reply that cannot be parsed leaves the rule verdict
// standing and the stage still succeeds.
type SpamStage struct {
	LLM llm.Client
}

func (s *SpamStage) Name() string { return "spam_check" }

const spamSystemPrompt = `You are a content moderator. Judge whether the post is spam (promotion, scams, link farming, adult solicitation) and whether it exposes personally identifiable information (real names with contact data, SSNs, phone numbers, addresses, card numbers). Respond with JSON: {"is_spam": bool, "has_pii": bool, "notes": "short reason"}.`

func (s *SpamStage) Run(ctx context.Context, st *State) StageResult {
	verdict := ruleVerdict(st.Raw.Title, st.Raw.Body)

	var reply struct {
		IsSpam bool   `json:"is_spam"`
		HasPII bool   `json:"has_pii"`
		Notes  string `json:"notes"`
	}
	err := s.LLM.CompleteJSON(ctx, spamSystemPrompt, st.Raw.Content(), &reply)
	if err == nil {
		verdict.IsSpam = verdict.IsSpam || reply.IsSpam
		verdict.HasPII = verdict.HasPII || reply.HasPII
		if reply.Notes != "" {
			verdict.Notes = joinNotes(verdict.Notes, reply.Notes)
		}
	} else if ctx.Err() != nil {
		return fatal(errKindCanceled, ctx.Err())
	}
	// Model trouble of any kind leaves the deterministic verdict in
	// force; the rules are the floor, not a fallback.

	st.Spam = &verdict
	st.Record.IsSpam = verdict.IsSpam
	st.Record.HasPII = verdict.HasPII
	st.Record.ModerationNotes = verdict.Notes
	return success()
}

func ruleVerdict(title, body string) SpamVerdict {
	text := title + "\n" + body
	lower := strings.ToLower(text)

	var verdict SpamVerdict
	var notes []string

	for _, indicator := range spamIndicators {
		if strings.Contains(lower, indicator) {
			verdict.IsSpam = true
			notes = append(notes, fmt.Sprintf("spam indicator %q", indicator))
			break
		}
	}
	for kind, pattern := range piiPatterns {
		if pattern.MatchString(text) {
			verdict.HasPII = true
			notes = append(notes, "pii pattern "+kind)
			break
		}
	}

	verdict.Notes = strings.Join(notes, "; ")
	return verdict
}

func joinNotes(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// unmarshalBoolish accepts both JSON booleans and the string forms
// models sometimes emit.
func unmarshalBoolish(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	}
	return false, false
}
