package stats

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	accent   = lipgloss.Color("#14B8A6") // teal
	green    = lipgloss.Color("#22C55E")
	yellow   = lipgloss.Color("#F59E0B")
	red      = lipgloss.Color("#EF4444")
	slate    = lipgloss.Color("#94A3B8")
	slateDim = lipgloss.Color("#64748B")
	ink      = lipgloss.Color("#E5E7EB")
	line     = lipgloss.Color("#1F2937")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ink).
			BorderStyle(lipgloss.ThickBorder()).
			BorderLeft(true).
			BorderTop(false).
			BorderRight(false).
			BorderBottom(false).
			BorderForeground(accent).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	labelStyle  = lipgloss.NewStyle().Foreground(slate)
	valueStyle  = lipgloss.NewStyle().Foreground(ink)
	mutedStyle  = lipgloss.NewStyle().Foreground(slateDim)
	okStyle     = lipgloss.NewStyle().Foreground(green)
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(yellow)
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(red)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(line).
			Padding(0, 1)
)

// Render produces the human-readable form of report. It presents the
// same numbers as the JSON artifact, never a separately computed set.
func Render(report *Report) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Reachability statistics: "+report.CVE) + "\n\n")

	b.WriteString(labelStyle.Render("Subjects analyzed: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", report.Subjects)))
	if report.Excluded > 0 {
		b.WriteString(failStyle.Render(fmt.Sprintf("  (%d excluded)", report.Excluded)))
	}
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("Total callers:     "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", report.TotalCallers)))
	b.WriteString("\n\n")

	if len(report.Depths) > 0 {
		b.WriteString(headerStyle.Render("Propagation depth") + "\n")
		for _, d := range report.Depths {
			b.WriteString(fmt.Sprintf("  depth %s %s\n",
				valueStyle.Render(fmt.Sprintf("%d:", d.Depth)),
				mutedStyle.Render(fmt.Sprintf("%d subjects, %d reachable, %d callers", d.Subjects, d.Reachable, d.Callers)),
			))
		}
		b.WriteString("\n")
	}

	for _, fn := range report.Functions {
		b.WriteString(renderFunction(fn))
		b.WriteString("\n")
	}

	if len(report.TopSubjects) > 0 {
		b.WriteString(headerStyle.Render("Most exposed subjects") + "\n")
		for i, s := range report.TopSubjects {
			b.WriteString(fmt.Sprintf("  %2d. %s %s\n",
				i+1,
				valueStyle.Render(s.Subject),
				mutedStyle.Render(fmt.Sprintf("(depth %d, %d callers)", s.Depth, s.TotalCallers)),
			))
		}
	}

	return b.String()
}

func renderFunction(fn FunctionStats) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fn.Target) + "\n")
	if fn.TotalCallers == 0 {
		b.WriteString(okStyle.Render("  no callers found") + "\n")
		return boxStyle.Render(b.String()) + "\n"
	}

	b.WriteString(fmt.Sprintf("  callers: %s   unique paths: %s   subjects: %s\n",
		warnStyle.Render(fmt.Sprintf("%d", fn.TotalCallers)),
		valueStyle.Render(fmt.Sprintf("%d", fn.UniqueCallPaths)),
		valueStyle.Render(fmt.Sprintf("%d", fn.AffectedSubjects)),
	))
	b.WriteString("  " + renderSummary("path constraints", fn.Constraints) + "\n")
	b.WriteString("  " + renderSummary("packages crossed", fn.PackageNum) + "\n")

	if len(fn.TopByConstraints) > 0 {
		b.WriteString(labelStyle.Render("  deepest constraint paths:") + "\n")
		for _, s := range fn.TopByConstraints {
			b.WriteString(fmt.Sprintf("    %s %s %s\n",
				valueStyle.Render(s.Path),
				mutedStyle.Render("in "+s.Subject),
				mutedStyle.Render(fmt.Sprintf("(%d constraints)", s.PathConstraints)),
			))
		}
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func renderSummary(name string, m MetricSummary) string {
	return fmt.Sprintf("%s min %d  max %d  mean %.1f  p50 %d  p90 %d  p95 %d  p99 %d",
		labelStyle.Render(name+":"), m.Min, m.Max, m.Mean, m.P50, m.P90, m.P95, m.P99)
}
