// Package ui holds the terminal styles shared by driftnote commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// RenderPass renders success text.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warning text.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderErr renders error text.
func RenderErr(s string) string { return errStyle.Render(s) }

// RenderAccent renders highlighted text.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderDim renders de-emphasized text.
func RenderDim(s string) string { return dimStyle.Render(s) }

// RenderTitle renders a section heading.
func RenderTitle(s string) string { return titleStyle.Render(s) }
