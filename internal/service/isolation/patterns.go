package isolation

import (
	"regexp"
	"strings"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// commandPattern is one entry in the static deny-list. Patterns match against
// the full command line (command plus arguments, space-joined).
type commandPattern struct {
	name     string
	severity domain.ViolationSeverity
	re       *regexp.Regexp
}

var denyList = []commandPattern{
	{
		name:     "root_deletion",
		severity: domain.SeverityCritical,
		re:       regexp.MustCompile(`rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|/\*|--no-preserve-root)`),
	},
	{
		name:     "filesystem_wipe",
		severity: domain.SeverityCritical,
		re:       regexp.MustCompile(`\b(mkfs|dd\s+.*of=/dev/[sh]d)`),
	},
	{
		name:     "world_writable",
		severity: domain.SeverityHigh,
		re:       regexp.MustCompile(`chmod\s+(-[a-zA-Z]+\s+)*777\b`),
	},
	{
		name:     "privilege_escalation",
		severity: domain.SeverityCritical,
		re:       regexp.MustCompile(`\b(sudo|su\s|setuid|pkexec)\b`),
	},
	{
		name:     "credential_change",
		severity: domain.SeverityHigh,
		re:       regexp.MustCompile(`\b(passwd|usermod|useradd|chpasswd)\b`),
	},
	{
		name:     "kernel_interface_access",
		severity: domain.SeverityHigh,
		re:       regexp.MustCompile(`(>|>>|\btee\b|\bwrite\b).*(/proc/|/sys/)`),
	},
	{
		name:     "proc_inspection",
		severity: domain.SeverityMedium,
		re:       regexp.MustCompile(`\bcat\s+/proc/(kcore|kallsyms|[0-9]+/mem)`),
	},
	{
		name:     "outbound_network_tool",
		severity: domain.SeverityMedium,
		re:       regexp.MustCompile(`\b(curl|wget|nc|ncat|netcat|telnet|ssh|scp)\b`),
	},
	{
		name:     "history_tampering",
		severity: domain.SeverityLow,
		re:       regexp.MustCompile(`\b(history\s+-c|unset\s+HISTFILE|shred\b)`),
	},
}

// validateCommand checks a command line against the deny-list and returns
// every matching pattern in deny-list order.
func validateCommand(command string, args []string) []commandPattern {
	line := command
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	var matched []commandPattern
	for _, p := range denyList {
		if p.re.MatchString(line) {
			matched = append(matched, p)
		}
	}
	return matched
}

// worstSeverity returns the highest-ranked severity among matches, or low when
// there are none.
func worstSeverity(matches []commandPattern) domain.ViolationSeverity {
	worst := domain.SeverityLow
	for _, m := range matches {
		if m.severity.Rank() > worst.Rank() {
			worst = m.severity
		}
	}
	return worst
}
