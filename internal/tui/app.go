// Package tui is the terminal front-end: a Bubble Tea model driving the
// protocol library and rendering conversations, presence, and transfers.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/linhpt111/chatc/internal/client"
	"github.com/linhpt111/chatc/internal/config"
)

// target is the conversation plain input goes to.
type target struct {
	name  string
	group bool
}

// App implements tea.Model for the chat client.
type App struct {
	cfg config.ClientConfig

	cli    *client.Client
	events chan client.Event

	connected bool
	username  string
	input     []rune
	messages  []string
	users     []string
	groups    []client.GroupStatus
	current   target
	status    string
	viewport  viewport.Model
	width     int
	height    int
	quitting  bool
}

type connectedMsg struct{ cli *client.Client }

type connectErrMsg struct{ err error }

type eventMsg struct{ ev client.Event }

// statusMsg updates the status line from an asynchronous command.
type statusMsg string

// NewApp returns the initial model. When cfg.Username is set the client
// connects immediately; otherwise the first input line becomes the username.
func NewApp(cfg config.ClientConfig) *App {
	return &App{
		cfg:      cfg,
		username: cfg.Username,
		events:   make(chan client.Event, 256),
		messages: make([]string, 0, 128),
		viewport: viewport.New(0, 0),
	}
}

// Init is part of the tea.Model interface.
func (a *App) Init() tea.Cmd {
	if a.username != "" {
		return a.connectCmd()
	}
	return nil
}

func (a *App) connectCmd() tea.Cmd {
	cfg := a.cfg
	cfg.Username = a.username
	events := a.events
	return func() tea.Msg {
		cli, err := client.Connect(cfg, func(ev client.Event) { events <- ev })
		if err != nil {
			return connectErrMsg{err: err}
		}
		return connectedMsg{cli: cli}
	}
}

func (a *App) waitEvent() tea.Cmd {
	events := a.events
	return func() tea.Msg {
		return eventMsg{ev: <-events}
	}
}

// Update handles user input and protocol events.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = m.Width, m.Height
		a.resizeViewport()
		return a, nil
	case tea.KeyMsg:
		return a.handleKey(m)
	case connectedMsg:
		a.cli = m.cli
		a.connected = true
		a.status = "connected as " + a.username
		return a, a.waitEvent()
	case connectErrMsg:
		a.status = "connect failed: " + m.err.Error()
		a.username = ""
		return a, nil
	case statusMsg:
		a.status = string(m)
		return a, nil
	case eventMsg:
		a.handleEvent(m.ev)
		if a.quitting {
			return a, tea.Quit
		}
		return a, a.waitEvent()
	default:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		if a.cli != nil {
			a.cli.Close()
		}
		return a, tea.Quit
	case tea.KeyEnter:
		line := strings.TrimSpace(string(a.input))
		a.input = a.input[:0]
		if line == "" {
			return a, nil
		}
		return a, a.submit(line)
	case tea.KeyBackspace:
		if len(a.input) > 0 {
			a.input = a.input[:len(a.input)-1]
		}
		return a, nil
	case tea.KeyPgUp:
		a.viewport.LineUp(a.viewport.Height)
		return a, nil
	case tea.KeyPgDown:
		a.viewport.LineDown(a.viewport.Height)
		return a, nil
	case tea.KeySpace:
		a.input = append(a.input, ' ')
		return a, nil
	case tea.KeyRunes:
		a.input = append(a.input, msg.Runes...)
		return a, nil
	}
	return a, nil
}

func (a *App) submit(line string) tea.Cmd {
	if !a.connected {
		a.username = line
		a.status = "connecting..."
		return a.connectCmd()
	}
	if strings.HasPrefix(line, "/") {
		return a.runCommand(line)
	}
	if a.current.name == "" {
		a.status = "no conversation selected; use /dm, /g, or /to"
		return nil
	}

	var err error
	if a.current.group {
		err = a.cli.SendGroup(a.current.name, line)
	} else {
		err = a.cli.SendDirect(a.current.name, line)
	}
	if err != nil {
		a.status = "send failed: " + err.Error()
		return nil
	}
	a.appendLine(fmt.Sprintf("[%s] %s: %s", a.currentLabel(), a.username, line))
	return nil
}

func (a *App) handleEvent(ev client.Event) {
	switch e := ev.(type) {
	case client.MessageEvent:
		a.appendLine(fmt.Sprintf("[%s] %s: %s", e.Topic, e.Sender, e.Content))
	case client.HistoryEvent:
		ts := time.Unix(int64(e.Timestamp), 0).Format("15:04")
		a.appendLine(fmt.Sprintf("(%s) [%s] %s: %s", ts, e.Topic, e.Sender, e.Content))
	case client.FileEvent:
		a.appendLine(fmt.Sprintf("received %s from %s (%d bytes) -> %s", e.Filename, e.Sender, e.Size, e.Path))
	case client.FileProgressEvent:
		a.status = fmt.Sprintf("receiving %s: %d/%d bytes", e.Filename, e.Received, e.Size)
	case client.UserStatusEvent:
		state := "offline"
		if e.Online {
			state = "online"
		}
		a.users = a.cli.OnlineUsers()
		a.appendLine(fmt.Sprintf("* %s is now %s", e.Username, state))
	case client.UserListEvent:
		a.users = e.Users
	case client.GroupCreatedEvent:
		a.appendLine(fmt.Sprintf("* group %q created by %s", e.Name, e.Creator))
		a.groups = append(a.groups, client.GroupStatus{Name: e.Name, Member: e.Creator == a.username})
	case client.GroupListEvent:
		a.groups = e.Groups
	case client.GameEvent:
		a.appendLine(fmt.Sprintf("* game message from %s: %s", e.From, e.Payload))
	case client.AckEvent:
		a.status = e.Status
	case client.ErrorEvent:
		a.status = "error: " + e.Reason
	case client.DisconnectedEvent:
		a.connected = false
		if e.Err != nil {
			a.status = "disconnected: " + e.Err.Error()
		} else {
			a.status = "disconnected"
			a.quitting = true
		}
	}
}

func (a *App) appendLine(line string) {
	a.messages = append(a.messages, line)
	a.refreshViewport()
}

func (a *App) currentLabel() string {
	if a.current.group {
		return a.current.name
	}
	return "dm:" + a.current.name
}
