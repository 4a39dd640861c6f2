package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ferrite-build/ferrite/pkg/configspace"
	"github.com/ferrite-build/ferrite/pkg/engine"
)

// timeRounding trims run durations for display.
const timeRounding = 10 * time.Millisecond

// printJSON renders v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resolveReport is the --json shape of resolve and install.
type resolveReport struct {
	Graph *graphDoc           `json:"graph"`
	Plan  *engine.InstallPlan `json:"plan,omitempty"`
	Run   *engine.Run         `json:"run,omitempty"`
}

// graphDoc is the JSON export of a resolved graph.
type graphDoc struct {
	Root  string        `json:"root"`
	Nodes []nodeDoc     `json:"nodes"`
	Edges []engine.Edge `json:"edges"`
}

type nodeDoc struct {
	ID            string            `json:"id"`
	Ref           string            `json:"ref"`
	State         string            `json:"state"`
	Depth         int               `json:"depth"`
	Fingerprint   string            `json:"fingerprint,omitempty"`
	Settings      map[string]string `json:"settings,omitempty"`
	Options       map[string]string `json:"options,omitempty"`
	InvalidReason string            `json:"invalidReason,omitempty"`
	CacheHit      bool              `json:"cacheHit,omitempty"`
}

// graphReport flattens a resolved graph for serialization, nodes sorted
// by ID.
func graphReport(g *engine.ResolvedGraph) *graphDoc {
	doc := &graphDoc{Root: g.Root, Edges: g.Edges}
	for _, id := range g.NodeIDs() {
		node := g.Nodes[id]
		doc.Nodes = append(doc.Nodes, nodeDoc{
			ID:            node.ID,
			Ref:           node.Ref.String(),
			State:         string(node.State),
			Depth:         node.Depth,
			Fingerprint:   node.Fingerprint,
			Settings:      spaceValues(node.Config.Settings),
			Options:       spaceValues(node.Config.Options),
			InvalidReason: node.InvalidReason,
			CacheHit:      node.CacheHit,
		})
	}
	return doc
}

// spaceValues flattens a value space to a dotted-path map.
func spaceValues(s *configspace.Space) map[string]string {
	items := s.Items()
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		out[item.Path] = item.Value
	}
	return out
}

// printGraph renders the resolved graph as an indented dependency tree.
func printGraph(w io.Writer, g *engine.ResolvedGraph) {
	fmt.Fprintf(w, "Resolved %d packages:\n", len(g.Nodes))
	printed := make(map[string]bool)
	printTree(w, g, g.Root, 0, printed)

	var invalid []string
	for _, id := range g.NodeIDs() {
		if g.Nodes[id].InvalidReason != "" {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		fmt.Fprintf(w, "\nInvalid configurations:\n")
		for _, id := range invalid {
			fmt.Fprintf(w, "  %s: %s\n", id, g.Nodes[id].InvalidReason)
		}
	}
	fmt.Fprintln(w)
}

func printTree(w io.Writer, g *engine.ResolvedGraph, id string, depth int, printed map[string]bool) {
	node := g.Nodes[id]
	if node == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	marker := ""
	if printed[id] {
		marker = " (*)"
	}
	fmt.Fprintf(w, "%s%s%s%s\n", indent, node.Ref, fingerprintSuffix(node), marker)
	if printed[id] {
		return
	}
	printed[id] = true

	deps := g.DependencyIDs(id)
	sort.Strings(deps)
	for _, dep := range deps {
		printTree(w, g, dep, depth+1, printed)
	}
}

func fingerprintSuffix(node *engine.Node) string {
	if node.Fingerprint == "" {
		return ""
	}
	return fmt.Sprintf("  [%s]", shortFingerprint(node.Fingerprint))
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// printPlan renders the install plan as an action table plus summary.
func printPlan(w io.Writer, plan *engine.InstallPlan) {
	fmt.Fprintln(w, "Plan:")
	for _, unit := range plan.Units {
		line := fmt.Sprintf("  %-10s %s", unit.Action, unit.Ref)
		if unit.Reason != "" {
			line += "  (" + unit.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
	s := plan.Summary
	fmt.Fprintf(w, "\n%d to build, %d to reuse", s.Build, s.Reuse+s.Compatible)
	if s.Invalid > 0 || s.Blocked > 0 {
		fmt.Fprintf(w, ", %d invalid, %d blocked", s.Invalid, s.Blocked)
	}
	fmt.Fprintf(w, " (%d packages)\n", s.Total)
}

// printRun renders an execution outcome.
func printRun(w io.Writer, run *engine.Run) {
	s := run.Summary
	fmt.Fprintf(w, "\nRun %s %s in %s: %d built, %d reused",
		run.ID, run.Status, run.Duration.Round(timeRounding), s.Built, s.Reused)
	if s.Failed > 0 || s.Skipped > 0 {
		fmt.Fprintf(w, ", %d failed, %d skipped", s.Failed, s.Skipped)
	}
	fmt.Fprintln(w)
}
