package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	figure "github.com/common-nighthawk/go-figure"
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			Width(22)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const sidebarWidth = 24

// View renders either the welcome screen or the chat layout.
func (a *App) View() string {
	if !a.connected {
		return a.welcomeView()
	}
	return a.chatView()
}

func (a *App) welcomeView() string {
	fig := figure.NewFigure("chatc", "", true)
	banner := strings.TrimRight(fig.String(), "\n")
	var b strings.Builder
	b.WriteString(titleStyle.Render(banner))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("server: " + a.cfg.ServerAddr))
	b.WriteString("\n\n")
	if a.status != "" {
		b.WriteString(statusStyle.Render(a.status))
		b.WriteString("\n")
	}
	b.WriteString(promptStyle.Render("username> "))
	b.WriteString(string(a.input))
	return b.String()
}

func (a *App) chatView() string {
	sidebar := a.sidebarView()
	transcript := a.viewport.View()

	main := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, transcript)

	var b strings.Builder
	b.WriteString(main)
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(a.status))
	b.WriteString("\n")
	b.WriteString(promptStyle.Render(a.promptLabel()))
	b.WriteString(string(a.input))
	return b.String()
}

func (a *App) sidebarView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("online"))
	b.WriteString("\n")
	if len(a.users) == 0 {
		b.WriteString(dimStyle.Render("(nobody)"))
		b.WriteString("\n")
	}
	for _, u := range a.users {
		b.WriteString(u)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("groups"))
	b.WriteString("\n")
	if len(a.groups) == 0 {
		b.WriteString(dimStyle.Render("(none)"))
		b.WriteString("\n")
	}
	for _, g := range a.groups {
		if g.Member {
			b.WriteString("* " + g.Name)
		} else {
			b.WriteString("  " + g.Name)
		}
		b.WriteString("\n")
	}
	return sidebarStyle.Render(b.String())
}

func (a *App) promptLabel() string {
	if a.current.name == "" {
		return a.username + "> "
	}
	return a.username + " -> " + a.currentLabel() + "> "
}

func (a *App) resizeViewport() {
	w := a.width - sidebarWidth
	if w < 20 {
		w = 20
	}
	h := a.height - 3
	if h < 5 {
		h = 5
	}
	a.viewport.Width = w
	a.viewport.Height = h
	a.refreshViewport()
}

func (a *App) refreshViewport() {
	a.viewport.SetContent(strings.Join(a.messages, "\n"))
	a.viewport.GotoBottom()
}
