package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// maxSummaryAgents bounds how many agents are named in a summary line.
const maxSummaryAgents = 3

// summarizeNetwork creates a short human-readable synthesis of a session's
// network. Template-based, no LLM dependency.
func summarizeNetwork(n model.NetworkExport) string {
	if len(n.Agents) == 0 {
		return fmt.Sprintf("Session %s has no recorded agent activity.", n.SessionID)
	}

	parts := []string{fmt.Sprintf("Session %s: %d agent(s), %d relationship(s).",
		n.SessionID, len(n.Agents), len(n.Relationships))}

	if len(n.ExecutionStack) > 0 {
		parts = append(parts, fmt.Sprintf("Running: %s (depth %d).",
			strings.Join(n.ExecutionStack, " > "), len(n.ExecutionStack)))
	} else {
		parts = append(parts, "No agent is running.")
	}

	names := busiestAgents(n.Agents)
	if len(names) > maxSummaryAgents {
		names = names[:maxSummaryAgents]
	}
	busiest := make([]string, 0, len(names))
	for _, name := range names {
		busiest = append(busiest, describeAgent(name, n.Agents[name]))
	}
	parts = append(parts, "Busiest: "+strings.Join(busiest, "; ")+".")

	var failing []string
	for _, name := range sortedNames(n.Agents) {
		if n.Agents[name].FailureCount > 0 {
			failing = append(failing, fmt.Sprintf("%s (%d)", name, n.Agents[name].FailureCount))
		}
	}
	if len(failing) > 0 {
		parts = append(parts, "Failures: "+strings.Join(failing, ", ")+".")
	}

	if len(n.Relationships) > 0 {
		top := n.Relationships[0]
		for _, r := range n.Relationships[1:] {
			if r.InteractionCount > top.InteractionCount {
				top = r
			}
		}
		parts = append(parts, fmt.Sprintf("Strongest link: %s -> %s (%d).",
			top.Source, top.Target, top.InteractionCount))
	}

	return strings.Join(parts, " ")
}

func describeAgent(name string, m model.AgentMetricsView) string {
	desc := fmt.Sprintf("%s %d run(s)", name, m.InvocationCount)
	if m.SuccessCount+m.FailureCount > 0 {
		desc += fmt.Sprintf(", %.0f%% success, avg %s", m.SuccessRate*100, formatSeconds(m.AverageExecutionTime))
	}
	if len(m.ToolsUsed) > 0 {
		desc += fmt.Sprintf(", %d tool(s)", len(m.ToolsUsed))
	}
	return desc
}

// busiestAgents orders agents by invocation count, then name.
func busiestAgents(agents map[string]model.AgentMetricsView) []string {
	names := sortedNames(agents)
	sort.SliceStable(names, func(i, j int) bool {
		return agents[names[i]].InvocationCount > agents[names[j]].InvocationCount
	})
	return names
}

func sortedNames(agents map[string]model.AgentMetricsView) []string {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatSeconds(s float64) string {
	if s < 1 {
		return fmt.Sprintf("%.0fms", s*1000)
	}
	return fmt.Sprintf("%.1fs", s)
}
