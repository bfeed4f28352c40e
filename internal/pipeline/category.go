package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/probelabs/trendscout/internal/llm"
	"github.com/probelabs/trendscout/internal/store"
)

// industryCandidates seeds the category vocabulary. The model may also
// pick any category that already exists, so the taxonomy grows with
// the corpus instead of fragmenting into near-duplicates.
var industryCandidates = []string{
	"Software & SaaS",
	"Consumer Hardware",
	"Home & DIY",
	"Health & Fitness",
	"Finance & Investing",
	"Education",
	"E-commerce & Retail",
	"Travel & Hospitality",
	"Food & Beverage",
	"Automotive",
	"Real Estate",
	"Entertainment & Media",
	"Careers & Workplace",
	"Legal & Compliance",
	"Other",
}

// CategoryStage picks an industry category for the post and resolves
// it through the find-or-create taxonomy, optionally hanging it under
// a broader parent category.
type CategoryStage struct {
	LLM        llm.Client
	Categories store.CategoriesRepo
}

func (s *CategoryStage) Name() string { return "category_assign" }

const categorySystemPromptFmt = `Pick the single best industry category for the post from this list:
%s
Prefer an existing category over inventing a new one. You may propose a broader "parent" category from the same list when a new specific one is warranted. Respond with JSON: {"category": "<name>", "description": "one sentence", "parent": "<name or empty>"}.`

func (s *CategoryStage) Run(ctx context.Context, st *State) StageResult {
	existing, err := s.Categories.Names(ctx)
	if err != nil {
		return fatal(errKindStore, err)
	}

	candidates := mergeCandidates(industryCandidates, existing)
	prompt := fmt.Sprintf(categorySystemPromptFmt, "- "+strings.Join(candidates, "\n- "))

	user := st.Raw.Content()
	if st.Validity != nil && st.Validity.Industry != "" {
		user = "Industry hint: " + st.Validity.Industry + "\n\n" + user
	}

	var reply struct {
		Category    string `json:"category"`
		Description string `json:"description"`
		Parent      string `json:"parent"`
	}
	if err := s.LLM.CompleteJSON(ctx, prompt, user, &reply); err != nil {
		if ctx.Err() != nil {
			return fatal(errKindCanceled, ctx.Err())
		}
		return failure(errKindLLM, err)
	}

	name := strings.TrimSpace(reply.Category)
	if name == "" {
		name = "Other"
	}

	var parentID *int64
	if parent := strings.TrimSpace(reply.Parent); parent != "" && !strings.EqualFold(parent, name) {
		parentCat, err := s.Categories.FindOrCreate(ctx, parent, "", nil)
		if err != nil {
			return fatal(errKindStore, err)
		}
		parentID = &parentCat.ID
	}

	category, err := s.Categories.FindOrCreate(ctx, name, strings.TrimSpace(reply.Description), parentID)
	if err != nil {
		return fatal(errKindStore, err)
	}

	st.Category = category
	st.Record.CategoryID = &category.ID
	return success()
}

func mergeCandidates(fixed, existing []string) []string {
	seen := make(map[string]bool, len(fixed)+len(existing))
	out := make([]string, 0, len(fixed)+len(existing))
	for _, lists := range [][]string{fixed, existing} {
		for _, name := range lists {
			key := strings.ToLower(strings.TrimSpace(name))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, name)
		}
	}
	return out
}
