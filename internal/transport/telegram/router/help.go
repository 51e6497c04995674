package router

import (
	"strings"
)

func (m *CommandManager) helpText() string {
	cmds := m.commands()
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range cmds {
		if c.Route == "start" {
			continue
		}
		usage := strings.TrimSpace(c.Usage)
		if usage == "" {
			usage = "/" + c.Route
		}
		b.WriteString(usage)
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(" - ")
			b.WriteString(d)
		}
		if len(c.Aliases) > 0 {
			b.WriteString(" (alias: /")
			b.WriteString(strings.Join(c.Aliases, ", /"))
			b.WriteString(")")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
