package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// runCommand executes one slash command. Commands mutate the model and
// return an optional tea.Cmd for asynchronous work.
func (a *App) runCommand(line string) tea.Cmd {
	fields := strings.Fields(line)
	command := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	switch command {
	case "quit", "q":
		a.cli.Close()
		return tea.Quit

	case "dm":
		if len(args) < 2 {
			a.status = "usage: /dm <user> <message>"
			return nil
		}
		recipient := args[0]
		message := strings.Join(args[1:], " ")
		if err := a.cli.SendDirect(recipient, message); err != nil {
			a.status = "send failed: " + err.Error()
			return nil
		}
		a.current = target{name: recipient}
		a.appendLine("[dm:" + recipient + "] " + a.username + ": " + message)

	case "g":
		if len(args) < 2 {
			a.status = "usage: /g <group> <message>"
			return nil
		}
		group := args[0]
		message := strings.Join(args[1:], " ")
		if err := a.cli.SendGroup(group, message); err != nil {
			a.status = "send failed: " + err.Error()
			return nil
		}
		a.current = target{name: group, group: true}
		a.appendLine("[" + group + "] " + a.username + ": " + message)

	case "to":
		if len(args) != 1 {
			a.status = "usage: /to <user|group>"
			return nil
		}
		a.current = a.resolveTarget(args[0])
		a.status = "talking to " + a.currentLabel()

	case "join":
		if len(args) != 1 {
			a.status = "usage: /join <group>"
			return nil
		}
		if err := a.cli.Subscribe(args[0]); err != nil {
			a.status = "join failed: " + err.Error()
			return nil
		}
		a.current = target{name: args[0], group: true}

	case "leave":
		if len(args) != 1 {
			a.status = "usage: /leave <group>"
			return nil
		}
		if err := a.cli.Unsubscribe(args[0]); err != nil {
			a.status = "leave failed: " + err.Error()
		}

	case "file":
		if len(args) != 2 {
			a.status = "usage: /file <user> <path>"
			return nil
		}
		return a.sendFileCmd(args[0], args[1], false)

	case "gfile":
		if len(args) != 2 {
			a.status = "usage: /gfile <group> <path>"
			return nil
		}
		return a.sendFileCmd(args[0], args[1], true)

	case "users":
		if err := a.cli.RequestUserList(); err != nil {
			a.status = "request failed: " + err.Error()
			return nil
		}

	case "history":
		if len(args) != 1 {
			a.status = "usage: /history <user|group>"
			return nil
		}
		tgt := a.resolveTarget(args[0])
		topic := tgt.name
		if !tgt.group {
			topic = a.cli.DMTopicWith(tgt.name)
		}
		if err := a.cli.RequestHistory(topic); err != nil {
			a.status = "request failed: " + err.Error()
		}

	case "game":
		if len(args) < 2 {
			a.status = "usage: /game <user> <payload>"
			return nil
		}
		if err := a.cli.SendGame(args[0], strings.Join(args[1:], " ")); err != nil {
			a.status = "send failed: " + err.Error()
		}

	default:
		a.status = "unknown command: /" + command
	}
	return nil
}

// resolveTarget treats known group names as groups and everything else as a
// DM peer.
func (a *App) resolveTarget(name string) target {
	for _, g := range a.groups {
		if g.Name == name {
			return target{name: name, group: true}
		}
	}
	return target{name: name}
}

// sendFileCmd streams the file off the update loop; the inter-chunk delay
// would otherwise freeze the UI.
func (a *App) sendFileCmd(recipient, path string, group bool) tea.Cmd {
	cli := a.cli
	a.status = "sending " + path
	return func() tea.Msg {
		var err error
		if group {
			err = cli.SendFileToGroup(recipient, path)
		} else {
			err = cli.SendFileToUser(recipient, path)
		}
		if err != nil {
			return statusMsg("file send failed: " + err.Error())
		}
		return statusMsg("sent " + path)
	}
}
