package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/credithub/internal/credits"
	"github.com/amurg-ai/credithub/internal/store"
)

// Snapshot is one read of a user's ledger.
type Snapshot struct {
	User         *store.User
	Summary      *credits.Summary
	Transactions []store.CreditTransaction
	At           time.Time
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func packageCells(p store.CreditPackage) []string {
	return []string{
		shortID(p.ID),
		p.SourceType,
		p.SourceID,
		fmt.Sprintf("%d/%d", p.RemainingCredits, p.Credits),
		p.ExpiresAt.Format("2006-01-02 15:04"),
		p.Status,
	}
}

func transactionCells(t store.CreditTransaction) []string {
	return []string{
		t.CreatedAt.Format("2006-01-02 15:04:05"),
		t.Type,
		fmt.Sprintf("-%d", t.Amount),
		shortID(t.PackageID),
		t.Description,
	}
}

// RenderSnapshot renders a static ledger report for the terminal.
func RenderSnapshot(s Snapshot) string {
	var b strings.Builder

	name := "unknown user"
	if s.User != nil {
		name = s.User.Username + " " + Dimmed.Render("("+s.User.ID+")")
	}
	b.WriteString(Title.Render("Credits for "+name) + "\n")

	var total int64
	var pkgs []store.CreditPackage
	if s.Summary != nil {
		total, pkgs = s.Summary.TotalCredits, s.Summary.Packages
	}
	b.WriteString(Balance.Render(fmt.Sprintf("%d credits", total)) + "\n\n")

	b.WriteString(Subtitle.Render("Active packages") + "\n")
	if len(pkgs) == 0 {
		b.WriteString(Dimmed.Render("  none") + "\n")
	}
	for _, p := range pkgs {
		b.WriteString("  " + Label.Render(p.SourceType+" "+shortID(p.SourceID)) +
			Value.Render(fmt.Sprintf("%d/%d", p.RemainingCredits, p.Credits)) +
			"  expires " + ExpiryText(p.ExpiresAt, s.At) + "\n")
	}

	b.WriteString("\n" + Subtitle.Render("Recent transactions") + "\n")
	if len(s.Transactions) == 0 {
		b.WriteString(Dimmed.Render("  none") + "\n")
	}
	for _, t := range s.Transactions {
		line := lipgloss.JoinHorizontal(lipgloss.Top,
			"  ",
			Dimmed.Render(t.CreatedAt.Format("2006-01-02 15:04")),
			"  ",
			Label.Render(t.Type),
			ErrorStyle.Render(fmt.Sprintf("-%d", t.Amount)),
		)
		if t.Description != "" {
			line += "  " + t.Description
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
