package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/flagsweep/internal/models"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	primaryColor = lipgloss.Color("#7C3AED")

	labelStyle = lipgloss.NewStyle().Foreground(mutedColor).Width(14)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// statusStyle colours task statuses, proposal states and pass outcomes.
func statusStyle(status string) lipgloss.Style {
	s := lipgloss.NewStyle()
	switch status {
	case string(models.TaskStatusCompleted), string(models.ProposalMerged), "ok":
		return s.Foreground(successColor)
	case string(models.TaskStatusPending), string(models.ProposalOpen), "skipped":
		return s.Foreground(warningColor)
	case string(models.TaskStatusFailed), "error":
		return s.Foreground(errorColor)
	default:
		return s.Foreground(mutedColor)
	}
}

func renderStatus(status string) string {
	return statusStyle(status).Render(status)
}
