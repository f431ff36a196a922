// Package mergeplan orders completed features for integration.
//
// Completed features ship on separate branches. Merging them in dependency
// order keeps every intermediate merge consistent with the order the work
// was gated in, so a branch never lands before the branches it builds on.
// The planner topologically sorts the completed set and writes a
// human-facing merge-plan document into the den.
package mergeplan

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/drey/pkg/den"
)

// ErrCycle is returned when the completed features form a dependency cycle
// and no merge order exists.
var ErrCycle = errors.New("dependency cycle among completed features")

// Item is one feature in merge order.
type Item struct {
	Position  int      // 1-based merge position
	FeatureID string
	Name      string
	Branch    string
	PRURL     string   // empty means manual merge required
	DependsOn []string // dependencies that are part of this plan
}

// Plan is the ordered merge sequence for the completed set.
type Plan struct {
	GeneratedAt      time.Time
	Items            []Item
	IntegrationTests []den.IntegrationTest // tests whose features all completed
}

/// Order returns the completed feature ids in merge order: dependencies
// first, ties broken by id. Only edges between completed features count;
// dependencies outside the completed set cannot constrain the order.
func Order(catalog *den.Catalog, state *den.State) ([]string, error) {
	completed := make(map[string]bool)
	for _, f := range state.Features {
		if f.Status == den.StatusCompleted {
			completed[f.ID] = true
		}
	}

	indegree := make(map[string]int, len(completed))
	successors := make(map[string][]string)
	for id := range completed {
		indegree[id] = 0
	}
	for id := range completed {
		cf := catalog.Feature(id)
		if cf == nil {
			continue
		}
		for _, dep := range cf.DependsOn {
			if !completed[dep] {
				continue
			}
			indegree[id]++
			successors[dep] = append(successors[dep], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(completed))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(completed) {
		var remaining []string
		for id, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(remaining, ", "))
	}

	return order, nil
}

// Build assembles the full plan for the completed features in state.
func Build(catalog *den.Catalog, state *den.State) (*Plan, error) {
	order, err := Order(catalog, state)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(order))
	for _, id := range order {
		completed[id] = true
	}

	items := make([]Item, 0, len(order))
	for i, id := range order {
		item := Item{Position: i + 1, FeatureID: id}
		if fs := state.Feature(id); fs != nil {
			item.Branch = fs.Branch
			item.PRURL = fs.PRURL
		}
		if cf := catalog.Feature(id); cf != nil {
			item.Name = cf.Name
			for _, dep := range cf.DependsOn {
				if completed[dep] {
					item.DependsOn = append(item.DependsOn, dep)
				}
			}
		}
		items = append(items, item)
	}

	var tests []den.IntegrationTest
	for _, it := range catalog.IntegrationTests {
		all := true
		for _, id := range it.Features {
			if !completed[id] {
				all = false
				break
			}
		}
		if all {
			tests = append(tests, it)
		}
	}

	return &Plan{
		GeneratedAt:      time.Now().UTC(),
		Items:            items,
		IntegrationTests: tests,
	}, nil
}

// Render produces the merge-plan document as markdown.
func (p *Plan) Render() string {
	var b strings.Builder
	b.WriteString("# Merge Plan\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", p.GeneratedAt.Format(time.RFC3339))

	if len(p.Items) == 0 {
		b.WriteString("No completed features to merge.\n")
		return b.String()
	}

	b.WriteString("Merge order (dependencies first):\n\n")
	for _, item := range p.Items {
		fmt.Fprintf(&b, "## %d. %s: %s\n\n", item.Position, item.FeatureID, item.Name)
		fmt.Fprintf(&b, "- Branch: `%s`\n", item.Branch)
		if item.PRURL != "" {
			fmt.Fprintf(&b, "- PR: %s\n", item.PRURL)
		} else {
			b.WriteString("- PR: none recorded\n")
		}
		if len(item.DependsOn) > 0 {
			fmt.Fprintf(&b, "- Depends on: %s\n", strings.Join(item.DependsOn, ", "))
		}
		b.WriteString("\n")

		if item.PRURL == "" {
			b.WriteString("No PR was recorded for this branch. Merge it by hand:\n\n")
			fmt.Fprintf(&b, "    git merge --no-ff %s\n\n", item.Branch)
		}
	}

	if len(p.IntegrationTests) > 0 {
		b.WriteString("## Integration tests\n\nRun these once the branches above are merged:\n\n")
		for _, it := range p.IntegrationTests {
			fmt.Fprintf(&b, "- [ ] %s (%s)\n", it.Name, strings.Join(it.Features, ", "))
		}
	}

	return b.String()
}

// Write renders the plan and commits it to the den via a sibling temp file
// and rename.
func Write(layout den.Layout, p *Plan) error {
	path := layout.MergePlanPath()
	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	if err := os.WriteFile(tmp, []byte(p.Render()), 0o644); err != nil {
		return fmt.Errorf("failed to write merge plan temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit merge plan: %w", err)
	}
	return nil
}
