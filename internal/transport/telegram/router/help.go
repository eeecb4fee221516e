package router

import (
	"html"
	"sort"
	"strings"

	kit "nagbot/internal/transport"
)

// helpText renders HTML help: the command list, or one command's details.
func (m *Router) helpText(args []string) string {
	m.mu.RLock()
	table := m.commands
	ordered := m.ordered
	m.mu.RUnlock()

	if len(args) > 0 {
		name := sanitizeCommand(strings.TrimPrefix(args[0], "/"))
		c, ok := table[name]
		if !ok {
			return "❓ <b>Unknown command</b>\nSend <code>/help</code> for the list."
		}
		lines := []string{"📚 <b>/" + html.EscapeString(c.Name) + "</b>"}
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "", "<b>Aliases</b> /"+html.EscapeString(strings.Join(c.Aliases, ", /")))
		}
		return strings.Join(lines, "\n")
	}

	visible := make([]Command, 0, len(ordered))
	for _, c := range ordered {
		if !c.Hidden {
			visible = append(visible, c)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool { return visible[i].Name < visible[j].Name })

	lines := []string{"📚 <b>Commands</b>", "Send <code>/help &lt;command&gt;</code> for details.", ""}
	for _, c := range visible {
		line := "• <code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// menuCommands builds the platform command menu, capped at 100 entries.
func menuCommands(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	seen := map[string]bool{}
	for _, c := range cmds {
		if c.Hidden || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}
