package agents

import (
	"hash/fnv"
	"strings"
)

// Colors holds ANSI escape sequences for styling an agent's pane banner.
type Colors struct {
	BgDark   string
	BgBright string
	FgColor  string
	Reset    string
}

var palette = []Colors{
	{BgDark: "\x1b[48;2;5;30;15m", BgBright: "\x1b[48;2;34;197;94m", FgColor: "\x1b[38;2;34;197;94m"},   // emerald
	{BgDark: "\x1b[48;2;20;10;35m", BgBright: "\x1b[48;2;168;85;247m", FgColor: "\x1b[38;2;168;85;247m"}, // violet
	{BgDark: "\x1b[48;2;35;10;10m", BgBright: "\x1b[48;2;239;68;68m", FgColor: "\x1b[38;2;239;68;68m"},   // rose
	{BgDark: "\x1b[48;2;5;25;30m", BgBright: "\x1b[48;2;6;182;212m", FgColor: "\x1b[38;2;6;182;212m"},    // cyan
	{BgDark: "\x1b[48;2;35;27;3m", BgBright: "\x1b[48;2;234;179;8m", FgColor: "\x1b[38;2;234;179;8m"},    // gold
	{BgDark: "\x1b[48;2;2;25;35m", BgBright: "\x1b[48;2;14;165;233m", FgColor: "\x1b[38;2;14;165;233m"},  // sky
}

// ColorFor derives a stable color scheme from an agent name. Unlike a
// substring-matched palette, registry names are random two-word
// combinations, so the scheme is picked by hashing the name into the
// fixed palette.
func ColorFor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	c := palette[h.Sum32()%uint32(len(palette))]
	return c.BgBright
}

// GenerateBanner creates a colored Unicode box banner for a freshly
// spawned session, injected by the terminal driver at session creation.
func GenerateBanner(agentName, role, task string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentName))
	c := palette[h.Sum32()%uint32(len(palette))]
	black := "\x1b[38;2;0;0;0m"

	banner := c.BgBright + black + "\n"
	banner += "╔" + repeat("═", 60) + "╗\n"
	banner += padLine(agentName+"  ("+role+")", 60)
	if task != "" {
		banner += padLine("task: "+task, 60)
	}
	banner += "╚" + repeat("═", 60) + "╝\n"
	banner += "\x1b[0m"
	return banner
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func padLine(s string, width int) string {
	if len(s) >= width {
		s = s[:width]
	}
	pad := width - len(s)
	return "║ " + s + repeatByte(' ', pad) + "║\n"
}

func repeatByte(b byte, n int) string {
	if n < 0 {
		n = 0
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return string(out)
}

// BannerCommand builds the shell command the terminal driver passes as a
// session's initial command: print the banner, then hand off to an
// interactive shell so the pane stays alive for the agent program.
func BannerCommand(agentName, role, task string) string {
	banner := GenerateBanner(agentName, role, task)
	return "printf '%s' " + shellQuote(banner) + `; exec "$SHELL"`
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
