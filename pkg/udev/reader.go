// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package udev reads kernel uevents from the netlink uevent socket.
package udev

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	logger "github.com/containers/mid-monitor/pkg/log"
)

// Event represents a udev event.
type Event struct {
	Header     string
	Subsystem  string
	Action     string
	Devpath    string
	Seqnum     string
	Properties map[string]string
}

const (
	// PropertyAction is the key for the ACTION property.
	PropertyAction = "ACTION"
	// PropertyDevpath is the key for the DEVPATH property.
	PropertyDevpath = "DEVPATH"
	// PropertySubsystem is the key for the SUBSYSTEM property.
	PropertySubsystem = "SUBSYSTEM"
	// PropertySeqnum is the key for the SEQNUM property.
	PropertySeqnum = "SEQNUM"
)

var (
	// ErrFormat is returned for malformed event data.
	ErrFormat = errors.New("udev: malformed event")

	log = logger.Get("udev")
)

// Reader reads raw event data from the netlink uevent socket.
type Reader struct {
	sock   int
	closed bool
}

// NewReader creates a new Reader bound to the kernel uevent multicast group.
func NewReader() (*Reader, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("failed to create uevent socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Pid:    uint32(os.Getpid()),
		Groups: 1,
	}

	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd) // nolint:errcheck
		return nil, fmt.Errorf("failed to bind uevent socket: %w", err)
	}

	return &Reader{sock: fd}, nil
}

// Read implements the io.Reader interface.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.EOF
	}

	n, err := unix.Read(r.sock, p)

	// bufio.Reader panics on n < 0
	if n < 0 {
		n = 0
	}

	if errors.Is(err, unix.ENOBUFS) {
		log.Warn("uevent socket ran out of buffer space, events were dropped")
		err = nil
	}

	return n, err
}

// Close implements the io.Closer interface.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true
	return unix.Close(r.sock)
}

// EventReader reads udev events.
type EventReader struct {
	r io.ReadCloser
	b *bufio.Reader
}

// NewEventReader creates a new event reader for the uevent socket.
func NewEventReader() (*EventReader, error) {
	r, err := NewReader()
	if err != nil {
		return nil, err
	}
	return NewEventReaderFromReader(r), nil
}

// NewEventReaderFromReader creates an event reader for raw event data read
// from r, for instance synthetic events in tests.
func NewEventReaderFromReader(r io.ReadCloser) *EventReader {
	return &EventReader{
		r: r,
		b: bufio.NewReader(r),
	}
}

// Read reads an event, blocking until one is available. Events are a
// header followed by KEY=value properties, all NUL-terminated, with the
// SEQNUM property last.
func (r *EventReader) Read() (*Event, error) {
	hdr, err := r.readString()
	if err != nil {
		return nil, err
	}

	e := &Event{
		Header:     hdr,
		Properties: map[string]string{},
	}

	for {
		next, err := r.readString()
		if err != nil {
			return nil, err
		}

		k, v, ok := strings.Cut(next, "=")
		if !ok {
			return nil, fmt.Errorf("%w: property %q", ErrFormat, next)
		}
		e.Properties[k] = v

		switch k {
		case PropertyAction:
			e.Action = v
		case PropertyDevpath:
			e.Devpath = v
		case PropertySubsystem:
			e.Subsystem = v
		case PropertySeqnum:
			e.Seqnum = v
			return e, nil
		}
	}
}

// Close closes the reader.
func (r *EventReader) Close() error {
	return r.r.Close()
}

func (r *EventReader) readString() (string, error) {
	s, err := r.b.ReadString(0)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(s, "\x00"), nil
}
