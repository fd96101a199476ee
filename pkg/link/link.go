// Package link is the framed command/response transport to the
// microcontroller bridge that drives the board DACs.
package link

import (
	"errors"
	"strings"
)

// Link is a command/response channel to the bridge.
//
// Send writes a composite command; Receive returns whatever text the bridge
// has produced since the last Receive, without waiting for more.
type Link interface {
	Send(cmd string) error
	Receive() (string, error)
}

// ErrNotConnected is returned by every operation on a link whose port could
// not be opened, or has been closed.
var ErrNotConnected = errors.New("device link not connected")

// ErrIO wraps read and write failures of an open link.
var ErrIO = errors.New("device link I/O failed")

const (
	// Delimiter separates the menu tokens of a composite command.
	Delimiter = ";"
	// Terminator ends every frame written to the bridge.
	Terminator = "\n"
)

// Frames splits a composite command into the frames written on the wire,
// one per token, each followed by Terminator.
func Frames(cmd string) []string {
	tokens := strings.Split(cmd, Delimiter)
	frames := make([]string, 0, len(tokens))
	for _, t := range tokens {
		frames = append(frames, t+Terminator)
	}
	return frames
}

// Lines splits a bridge response into lines, tolerating CRLF endings.
// Empty trailing lines are dropped.
func Lines(resp string) []string {
	raw := strings.Split(resp, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimRight(l, "\r"))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
