package display

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/manash/promptloop/internal/image"
	"github.com/manash/promptloop/internal/security"
	"github.com/manash/promptloop/internal/session"
	"github.com/manash/promptloop/pkg/models"
)

const timeLayout = "2006-01-02 15:04"

// Printer writes human-readable session views. Image paths are shown as
// media URLs when a Resolver is set.
type Printer struct {
	out      io.Writer
	resolver *image.Resolver
}

func NewPrinter(out io.Writer, resolver *image.Resolver) *Printer {
	return &Printer{out: out, resolver: resolver}
}

// ImageRef is the reference shown for an iteration image.
func (p *Printer) ImageRef(it session.Iteration) string {
	if it.ImagePath == nil {
		return ""
	}
	if p.resolver != nil {
		if u := p.resolver.URL(*it.ImagePath); u != "" {
			return u
		}
	}
	return *it.ImagePath
}

func (p *Printer) Session(sess *session.Session) {
	fmt.Fprintf(p.out, "Session:   %s\n", sess.ID)
	fmt.Fprintf(p.out, "Goal:      %s\n", sess.UserGoal)
	fmt.Fprintf(p.out, "Provider:  %s\n", sess.ImageProvider)
	if len(sess.ImageParams) > 0 {
		fmt.Fprintf(p.out, "Params:    %s\n", formatParams(sess.ImageParams))
	}
	status := string(sess.Status)
	if sess.StatusReason != "" {
		status += " (" + sess.StatusReason + ")"
	}
	fmt.Fprintf(p.out, "Status:    %s\n", status)
	fmt.Fprintf(p.out, "Budget:    %d/%d iterations\n", len(sess.Iterations), sess.MaxIterations)
	if sess.Prompt != "" {
		fmt.Fprintf(p.out, "Prompt:    %s\n", sess.Prompt)
	}
	fmt.Fprintf(p.out, "Updated:   %s\n", sess.UpdatedAt.Local().Format(timeLayout))

	if len(sess.Iterations) == 0 {
		return
	}
	fmt.Fprintln(p.out)
	p.Iterations(sess.Iterations)

	if best, ok := sess.Best(); ok {
		fmt.Fprintln(p.out)
		fmt.Fprintf(p.out, "Best: iteration %d, score %s\n", best.Index, formatScore(best.JudgeScore))
		if ref := p.ImageRef(*best); ref != "" {
			fmt.Fprintf(p.out, "      %s\n", ref)
		}
	}
}

func (p *Printer) Iterations(its []session.Iteration) {
	for _, it := range its {
		p.Iteration(it)
	}
}

func (p *Printer) Iteration(it session.Iteration) {
	fmt.Fprintf(p.out, "[%d] score %s  %s\n", it.Index, formatScore(it.JudgeScore), it.CreatedAt.Local().Format(timeLayout))
	fmt.Fprintf(p.out, "    prompt:   %s\n", it.PromptText)
	if it.PromptDiff != nil && *it.PromptDiff != "" {
		fmt.Fprintf(p.out, "    diff:     %s\n", *it.PromptDiff)
	}
	if ref := p.ImageRef(it); ref != "" {
		fmt.Fprintf(p.out, "    image:    %s\n", ref)
	}
	if it.JudgeNotes != nil && *it.JudgeNotes != "" {
		fmt.Fprintf(p.out, "    notes:    %s\n", *it.JudgeNotes)
	}
	if it.UserFeedback != nil {
		fmt.Fprintf(p.out, "    feedback: %s\n", *it.UserFeedback)
	}
}

// Sessions prints a table, marking current with "> ".
func (p *Printer) Sessions(list []*session.Session, current string) {
	if len(list) == 0 {
		fmt.Fprintln(p.out, "No sessions found")
		return
	}

	fmt.Fprintf(p.out, "  %-36s  %-8s  %-11s  %-5s  %-16s  %s\n", "ID", "Status", "Provider", "Iters", "Updated", "Goal")
	fmt.Fprintln(p.out, strings.Repeat("-", 110))
	for _, s := range list {
		marker := "  "
		if s.ID == current {
			marker = "> "
		}
		fmt.Fprintf(p.out, "%s%-36s  %-8s  %-11s  %-5s  %-16s  %s\n",
			marker,
			s.ID,
			s.Status,
			s.ImageProvider,
			fmt.Sprintf("%d/%d", len(s.Iterations), s.MaxIterations),
			s.UpdatedAt.Local().Format(timeLayout),
			security.Truncate(s.UserGoal, 40))
	}
}

func (p *Printer) Providers(registry *models.Registry) {
	for _, name := range registry.List() {
		caps, err := registry.Lookup(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(p.out, "%s\n", name)
		fmt.Fprintf(p.out, "  sizes:     %s (default %s)\n", strings.Join(caps.SupportedSizes, ", "), caps.DefaultSize)
		if len(caps.SupportedQualities) > 0 {
			fmt.Fprintf(p.out, "  qualities: %s\n", strings.Join(caps.SupportedQualities, ", "))
		}
		if len(caps.SupportedStyles) > 0 {
			fmt.Fprintf(p.out, "  styles:    %s\n", strings.Join(caps.SupportedStyles, ", "))
		}
		if model, ok := caps.DefaultParams[models.ParamModel]; ok {
			fmt.Fprintf(p.out, "  model:     %v\n", model)
		}
		fmt.Fprintf(p.out, "  format:    %s\n", caps.FileExtension)
	}
}

func (p *Printer) Cost(summary *session.CostSummary) {
	if summary.EntryCount == 0 {
		fmt.Fprintln(p.out, "No costs recorded.")
		return
	}
	fmt.Fprintf(p.out, "Cost: $%.4f (%d image(s))\n", summary.TotalCost, summary.ImageCount)
}

func (p *Printer) ProviderCosts(summaries []session.ProviderCostSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(p.out, "No costs recorded.")
		return
	}

	fmt.Fprintf(p.out, "%-12s  %-8s  %s\n", "Provider", "Images", "Cost")
	fmt.Fprintln(p.out, strings.Repeat("-", 35))

	var totalCost float64
	var totalImages int
	for _, ps := range summaries {
		fmt.Fprintf(p.out, "%-12s  %-8d  $%.4f\n", ps.Provider, ps.ImageCount, ps.TotalCost)
		totalCost += ps.TotalCost
		totalImages += ps.ImageCount
	}

	fmt.Fprintln(p.out, strings.Repeat("-", 35))
	fmt.Fprintf(p.out, "%-12s  %-8d  $%.4f\n", "Total", totalImages, totalCost)
}

func formatScore(s *session.Score) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *s)
}

func formatParams(params models.Params) string {
	keys := slices.Sorted(maps.Keys(params))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return strings.Join(parts, " ")
}
