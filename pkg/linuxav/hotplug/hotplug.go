//go:build linux

// Package hotplug watches kernel uevents over netlink so a decoder session
// can notice its device node disappearing.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Action constants for device events.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
	ActionUnbind = "unbind"
)

// SubsystemVideo4Linux is the subsystem of V4L2 device nodes.
const SubsystemVideo4Linux = "video4linux"

// Event represents a kernel device event.
type Event struct {
	Action    string            // "add", "remove", "change", etc.
	KObj      string            // Kernel object path: /devices/platform/...
	Subsystem string            // "video4linux", ...
	DevName   string            // Device name (e.g., "video0")
	Env       map[string]string // All environment variables from the event
}

// Node returns the /dev path of the event's device, or "" when the event
// does not name one.
func (e Event) Node() string {
	if e.DevName == "" {
		return ""
	}
	if strings.HasPrefix(e.DevName, "/") {
		return e.DevName
	}
	return "/dev/" + e.DevName
}

// Monitor listens for kernel device events of one subsystem.
type Monitor struct {
	fd        int
	subsystem string
}

// netlinkKobjectUEvent is the netlink protocol for kernel object events.
const netlinkKobjectUEvent = 15

// NewMonitor opens a uevent socket. An empty subsystem passes every event.
func NewMonitor(subsystem string) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, netlinkKobjectUEvent)
	if err != nil {
		return nil, err
	}

	// Kernel broadcast group
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// Read timeout so Run notices cancellation.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Monitor{fd: fd, subsystem: subsystem}, nil
}

// Close releases the socket.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// Run sends matching events to the channel until ctx is cancelled or the
// socket fails. The channel is closed when Run returns.
func (m *Monitor) Run(ctx context.Context, events chan<- Event) error {
	defer close(events)

	buf := make([]byte, 8192)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		event := ParseUEvent(buf[:n])
		if event == nil || !m.matches(event) {
			continue
		}

		select {
		case events <- *event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) matches(e *Event) bool {
	return m.subsystem == "" || e.Subsystem == m.subsystem
}

// WaitRemoved blocks until the node at devicePath is removed or unbound.
// It returns nil on removal and ctx.Err() on cancellation.
func (m *Monitor) WaitRemoved(ctx context.Context, devicePath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan Event, 8)
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx, events) }()

	for ev := range events {
		if IsRemoval(ev, devicePath) {
			cancel()
			<-errCh
			return nil
		}
	}
	return <-errCh
}

// IsRemoval reports whether ev removes the node at devicePath.
func IsRemoval(ev Event, devicePath string) bool {
	if ev.Action != ActionRemove && ev.Action != ActionUnbind {
		return false
	}
	node := ev.Node()
	if node == "" {
		return false
	}
	return filepath.Clean(node) == filepath.Clean(devicePath)
}

// ParseUEvent parses a kernel uevent message of the form
// "ACTION@KOBJ\0KEY=VALUE\0KEY=VALUE\0...". Messages re-broadcast by udev
// carry a binary "libudev" header that is skipped.
func ParseUEvent(data []byte) *Event {
	if len(data) == 0 {
		return nil
	}

	if bytes.HasPrefix(data, []byte("libudev")) {
		for i := 0; i < len(data)-1; i++ {
			if data[i] != 0 {
				continue
			}
			rest := data[i+1:]
			if idx := bytes.IndexByte(rest, '@'); idx > 0 && idx < 20 && bytes.IndexByte(rest[:idx], 0) < 0 {
				data = rest
				break
			}
		}
	}

	parts := bytes.Split(data, []byte{0})
	header := string(parts[0])
	action, kobj, ok := strings.Cut(header, "@")
	if !ok || action == "" {
		return nil
	}

	event := &Event{
		Action: action,
		KObj:   kobj,
		Env:    make(map[string]string),
	}

	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(string(part), "=")
		if !ok || key == "" {
			continue
		}
		event.Env[key] = value

		switch key {
		case "SUBSYSTEM":
			event.Subsystem = value
		case "DEVNAME":
			event.DevName = value
		}
	}

	return event
}
