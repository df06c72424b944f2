package ptysup

import "regexp"

// ansiEscape matches CSI and OSC escape sequences (cursor movement, color,
// window title, etc.) emitted by interactive CLIs. Quiescence is measured on
// the stripped byte stream so a steady trickle of cursor-blink or
// progress-bar escapes doesn't count as "the child is still talking" (spec
// §4.5: "the wall-clock gap between consecutive bytes of output ... after
// ANSI stripping").
//
// A hand-rolled regexp rather than a terminal-emulator library is
// deliberate: this only needs to throw the bytes away, not interpret them
// into a rendered screen, and the pack's ANSI packages are console
// translators or TUI renderers, not stream strippers.
var ansiEscape = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[()][0-9A-Za-z]|[=>])`)

// stripANSI removes escape sequences from b, returning the bytes a human
// would actually read.
func stripANSI(b []byte) []byte {
	return ansiEscape.ReplaceAll(b, nil)
}
