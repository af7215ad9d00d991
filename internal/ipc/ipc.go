// Package ipc defines the messages exchanged between the supervisor and a
// worker process and the channel that carries them.
//
// The vocabulary is small: a worker sends Ready exactly once as its first
// action and Fatal at most once right before it gives up; the supervisor
// answers Ready with a single Start carrying the server options and the
// working directory. Messages are framed as newline-delimited JSON.
package ipc

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pock-dev/pock/internal/config"
	"github.com/pock-dev/pock/internal/errors"
)

// File descriptors a worker inherits for IPC.
const (
	ParentToChildFD = 3
	ChildToParentFD = 4
)

// Kind tags a Message.
type Kind string

const (
	KindReady Kind = "ready"
	KindFatal Kind = "fatal"
	KindStart Kind = "start"
)

// StartPayload tells a worker what to boot.
type StartPayload struct {
	Options config.ServerOptions `json:"options"`
	Cwd     string               `json:"cwd"`
}

// Message is one unit of the handshake protocol.
type Message struct {
	Kind  Kind          `json:"kind"`
	Start *StartPayload `json:"start,omitempty"`
	// Reason is informational only and may be empty.
	Reason string `json:"reason,omitempty"`
}

// Ready builds the worker's first message.
func Ready() Message { return Message{Kind: KindReady} }

// Fatal builds the worker's last message before a deliberate exit.
func Fatal(reason string) Message { return Message{Kind: KindFatal, Reason: reason} }

// Start builds the supervisor's answer to Ready.
func Start(options config.ServerOptions, cwd string) Message {
	return Message{Kind: KindStart, Start: &StartPayload{Options: options, Cwd: cwd}}
}

// Validate checks the tag and that Start carries its payload.
func (m Message) Validate() error {
	switch m.Kind {
	case KindReady, KindFatal:
		return nil
	case KindStart:
		if m.Start == nil {
			return errors.NewWorkerError(errors.CodeHandshakeFailed, "start message without payload", nil)
		}
		return nil
	default:
		return errors.NewWorkerError(errors.CodeHandshakeFailed,
			fmt.Sprintf("unknown message kind %q", m.Kind), nil)
	}
}

// Channel is a duplex message channel over a reader and a writer.
type Channel struct {
	dec *json.Decoder
	w   io.WriteCloser
	r   io.Closer

	sendMu    sync.Mutex
	enc       *json.Encoder
	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps r and w. If r is also an io.Closer, Close releases it.
func NewChannel(r io.Reader, w io.WriteCloser) *Channel {
	c := &Channel{
		dec: json.NewDecoder(r),
		w:   w,
		enc: json.NewEncoder(w),
	}
	if rc, ok := r.(io.Closer); ok {
		c.r = rc
	}
	return c
}

// Send writes one message. It is safe for concurrent use.
func (c *Channel) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.enc.Encode(m); err != nil {
		return errors.NewIOError(errors.CodeHandshakeFailed, "failed to send "+string(m.Kind), err)
	}
	return nil
}

// Receive blocks for the next message. It returns io.EOF once the peer has
// closed its end. Receive must not be called concurrently.
func (c *Channel) Receive() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		if isClosed(err) {
			return Message{}, io.EOF
		}
		return Message{}, errors.NewIOError(errors.CodeHandshakeFailed, "failed to decode message", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func isClosed(err error) bool {
	return stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, io.ErrClosedPipe) ||
		stderrors.Is(err, os.ErrClosed)
}

// Close closes the writer and, when possible, the reader.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.w.Close()
		if c.r != nil {
			if err := c.r.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// OpenInherited opens the channel a worker inherits from its parent.
func OpenInherited() (*Channel, error) {
	in := os.NewFile(ParentToChildFD, "pock-ipc-in")
	out := os.NewFile(ChildToParentFD, "pock-ipc-out")
	if in == nil || out == nil {
		return nil, errors.NewWorkerError(errors.CodeHandshakeFailed,
			"ipc descriptors are not available; the worker must be started by pock", nil)
	}
	return NewChannel(in, out), nil
}
