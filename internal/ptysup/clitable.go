package ptysup

import "time"

// Profile holds the per-CLI knobs the supervisor needs: how long to wait
// after output stops before treating the session as quiescent, and which
// flags to append so the child runs unattended (spec §4.5:
// "CLI-specific idiosyncrasies ... configured per CLI name in a static
// table; unknown CLIs receive defaults").
//
// This is deliberately a data table, not a switch statement — adding a new
// wrapped CLI should never require touching the supervisor's control flow
// (spec's design note: "CLI-specific flags and idle thresholds are data,
// not code paths").
type Profile struct {
	IdleThreshold        time.Duration
	PermissionBypassArgs []string
}

// DefaultProfile is used for any CLI name absent from Table.
var DefaultProfile = Profile{
	IdleThreshold:        500 * time.Millisecond,
	PermissionBypassArgs: nil,
}

// Table is the static per-CLI idiosyncrasy table. Entries reflect the
// permission-bypass switch and relative "thinking time" of each wrapped CLI
// as described across the corpus's agent-wrapper snippets; values are
// conservative defaults meant to be tuned per deployment, not load-bearing
// constants.
var Table = map[string]Profile{
	"claude": {
		IdleThreshold:        700 * time.Millisecond,
		PermissionBypassArgs: []string{"--dangerously-skip-permissions"},
	},
	"codex": {
		IdleThreshold:        700 * time.Millisecond,
		PermissionBypassArgs: []string{"--full-auto"},
	},
	"gemini": {
		IdleThreshold:        800 * time.Millisecond,
		PermissionBypassArgs: []string{"--yolo"},
	},
	"aider": {
		IdleThreshold:        1 * time.Second,
		PermissionBypassArgs: []string{"--yes-always"},
	},
	"amp": {
		IdleThreshold:        800 * time.Millisecond,
		PermissionBypassArgs: nil,
	},
	"cursor-agent": {
		IdleThreshold:        900 * time.Millisecond,
		PermissionBypassArgs: []string{"--force"},
	},
	// Slow, deliberate multi-step planners can take much longer between
	// visible output bursts than a typical chat-style CLI.
	"devin": {
		IdleThreshold:        30 * time.Second,
		PermissionBypassArgs: nil,
	},
}

// Lookup returns the Profile for cliName, or DefaultProfile if unknown.
func Lookup(cliName string) Profile {
	if p, ok := Table[cliName]; ok {
		return p
	}
	return DefaultProfile
}
