package uevent

import (
	"bytes"
	"fmt"
	"strings"

	"codeberg.org/mutker/gpuctld/internal/errors"
)

// udev rebroadcasts events with this prefix. Only kernel messages are
// parsed.
var udevMagic = []byte("libudev\x00")

// Event is a parsed kernel uevent.
type Event struct {
	Action    string
	DevPath   string
	Subsystem string
	Env       map[string]string
}

// Parse decodes a kernel uevent message of the form
// "ACTION@DEVPATH\0KEY=VALUE\0KEY=VALUE\0...".
func Parse(msg []byte) (Event, error) {
	errFactory := errors.New()

	if bytes.HasPrefix(msg, udevMagic) {
		return Event{}, errFactory.WithData(ErrMalformed, "udev message")
	}

	fields := bytes.Split(bytes.TrimRight(msg, "\x00"), []byte{0})
	if len(fields) == 0 || len(fields[0]) == 0 {
		return Event{}, errFactory.WithData(ErrMalformed, "empty message")
	}

	action, devpath, ok := strings.Cut(string(fields[0]), "@")
	if !ok || action == "" || devpath == "" {
		return Event{}, errFactory.WithData(ErrMalformed, fmt.Sprintf("bad header %q", fields[0]))
	}

	ev := Event{
		Action:  action,
		DevPath: devpath,
		Env:     make(map[string]string, len(fields)-1),
	}

	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(string(field), "=")
		if !ok {
			continue
		}
		ev.Env[key] = value
	}

	ev.Subsystem = ev.Env["SUBSYSTEM"]
	if a := ev.Env["ACTION"]; a != "" {
		ev.Action = a
	}

	return ev, nil
}
