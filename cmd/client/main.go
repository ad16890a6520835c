package main

import (
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/linhpt111/chatc/internal/config"
	"github.com/linhpt111/chatc/internal/tui"
)

func main() {
	cfg := config.LoadClientConfig()

	// Optional positional arguments: server address, then username.
	if len(os.Args) > 1 {
		cfg.ServerAddr = os.Args[1]
	}
	if len(os.Args) > 2 {
		cfg.Username = os.Args[2]
	}

	model := tui.NewApp(cfg)

	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		log.Fatalf("client exited: %v", err)
	}
}
