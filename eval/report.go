package eval

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Report renders scenario results for terminal output.
func Report(results []*RunResult) string {
	var b strings.Builder
	passed := 0

	for _, res := range results {
		if res.Err != nil {
			b.WriteString(failStyle.Render(fmt.Sprintf("✗ %s", res.Scenario)))
			b.WriteString("\n")
			b.WriteString(detailStyle.Render("  run failed: " + res.Err.Error()))
			b.WriteString("\n")
			continue
		}

		marker := failStyle.Render("✗")
		if res.Passed {
			marker = passStyle.Render("✓")
			passed++
		}
		fmt.Fprintf(&b, "%s %s\n", marker, res.Scenario)
		if res.Description != "" {
			b.WriteString(detailStyle.Render("  " + res.Description))
			b.WriteString("\n")
		}

		for _, c := range res.Checks {
			if c.Passed {
				fmt.Fprintf(&b, "  %s %s\n", passStyle.Render("·"), c.Name)
			} else {
				fmt.Fprintf(&b, "  %s %s: %s\n", failStyle.Render("·"), c.Name, c.Detail)
			}
		}
		b.WriteString(detailStyle.Render("  nodes: " + strings.Join(res.NodeSequence, " → ")))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	summary := fmt.Sprintf("%d/%d scenarios passed", passed, len(results))
	if passed == len(results) {
		b.WriteString(titleStyle.Inherit(passStyle).Render(summary))
	} else {
		b.WriteString(titleStyle.Inherit(failStyle).Render(summary))
	}
	b.WriteString("\n")
	return b.String()
}

// Passed reports whether every scenario in the set passed.
func Passed(results []*RunResult) bool {
	for _, res := range results {
		if res.Err != nil || !res.Passed {
			return false
		}
	}
	return true
}
