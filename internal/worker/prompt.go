package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/drey/pkg/den"
)

// PromptData carries everything one builder iteration's prompt renders.
type PromptData struct {
	Feature       *den.CatalogFeature
	Catalog       *den.Catalog
	Branch        string
	Iteration     int
	MaxIterations int
	Decision      *AnsweredDecision // set when resuming after a maintainer answer
}

// AnsweredDecision is a resolved question carried into the next iteration.
type AnsweredDecision struct {
	Question string
	Answer   string
}

// TaskPrompt renders the task prompt for one builder iteration. The prompt
// names the feature and branch, summarizes completed dependencies and hints
// from the catalog, and spells out the marker contract the transcript scan
// expects.
func TaskPrompt(d PromptData) string {
	f := d.Feature
	parts := []string{
		"You are implementing one feature of a larger project on a dedicated branch.",
		"",
		fmt.Sprintf("Feature: %s (id: %s)", f.Name, f.ID),
		fmt.Sprintf("Branch: %s", d.Branch),
		fmt.Sprintf("Iteration: %d of %d", d.Iteration, d.MaxIterations),
		workflowLine(f.Workflow),
	}

	if len(f.DependsOn) > 0 {
		parts = append(parts, "", "Completed dependencies you can build on:")
		for _, dep := range f.DependsOn {
			if df := d.Catalog.Feature(dep); df != nil {
				parts = append(parts, fmt.Sprintf("  - %s: %s", dep, df.Name))
			} else {
				parts = append(parts, "  - "+dep)
			}
		}
	}

	if f.Hints != nil {
		parts = append(parts, hintLines(f.Hints)...)
	}

	if d.Decision != nil {
		parts = append(parts, "",
			"A maintainer answered your earlier question:",
			"  Question: "+d.Decision.Question,
			"  Answer: "+d.Decision.Answer,
			"Proceed using that answer.")
	}

	parts = append(parts, "",
		"Commit your work to the current branch as you go.",
		"When you finish, print exactly one of these markers on its own line:",
		fmt.Sprintf("  <promise>FEATURE_COMPLETE:%s</promise>  when the feature is implemented and committed", f.ID),
		fmt.Sprintf("  <promise>BLOCKED:%s:<short reason></promise>  when you cannot proceed", f.ID),
		fmt.Sprintf("  <promise>STUCK:%s</promise>  when you tried and cannot make progress", f.ID),
		"",
		"To ask the maintainers a question instead of guessing, print a BLOCKED",
		"marker whose reason has this exact shape:",
		fmt.Sprintf("  BLOCKED:%s:DECISION: <question> OPTIONS: <a> | <b> [DEFAULT: <a>]", f.ID),
	)

	return strings.Join(parts, "\n") + "\n"
}

func workflowLine(w den.WorkflowType) string {
	switch w {
	case den.WorkflowTDD:
		return "Workflow: test-driven. Write failing tests first, then implement until they pass."
	case den.WorkflowDocs:
		return "Workflow: documentation only. Write or update docs; do not change production code."
	case den.WorkflowDirect:
		return "Workflow: direct implementation, with tests alongside the code."
	default:
		return "Workflow: use your judgement."
	}
}

func hintLines(h *den.Hints) []string {
	var parts []string
	if len(h.APIEndpoints) > 0 {
		parts = append(parts, "", "API endpoints to implement:")
		for _, e := range h.APIEndpoints {
			parts = append(parts, "  - "+e)
		}
	}
	if len(h.Packages) > 0 {
		parts = append(parts, "", "Suggested packages:")
		for _, p := range h.Packages {
			parts = append(parts, "  - "+p)
		}
	}
	if len(h.EnvVars) > 0 {
		keys := make([]string, 0, len(h.EnvVars))
		for k := range h.EnvVars {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts = append(parts, "", "Environment variables:")
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("  - %s: %s", k, h.EnvVars[k]))
		}
	}
	return parts
}
