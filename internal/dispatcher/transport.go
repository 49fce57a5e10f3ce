// Package dispatcher implements the daemon's framed transport and
// command router (C7): one reader goroutine per connected client and
// per backend subprocess. There is no dedicated writer goroutine:
// frames are written by whichever goroutine produces them, serialized
// by the transport's write mutex. There is no central dispatch loop
// either; the session table lives in session.Manager behind its lock.
//
// Grounded on internal/dispatcher/dispatcher.go (the teacher's own
// central orchestrator): the worker-queue routing shape, context-driven
// lifecycle, and logrus/metrics wiring are kept; the concern changes
// from "route log entries to sinks" to "route DAP messages to sessions."
package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	apperrors "codetracer-core/pkg/errors"
	"codetracer-core/pkg/types"
)

// connTransport implements types.Transport over a net.Conn (client
// sockets) or any io.ReadWriteCloser (backend subprocess pipes),
// framing each payload with a DAP-style Content-Length header.
type connTransport struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex // serializes writes from multiple goroutines
}

// NewTransport wraps rw with Content-Length framing.
func NewTransport(rw io.ReadWriteCloser) types.Transport {
	return &connTransport{rw: rw, reader: bufio.NewReader(rw)}
}

func (t *connTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := readFramedMessage(t.reader)
		done <- result{payload, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.payload, r.err
	}
}

func readFramedMessage(r *bufio.Reader) ([]byte, error) {
	var length int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			v := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length header %q: %w", v, err)
			}
			length = n
		}
	}
	if length <= 0 {
		return nil, fmt.Errorf("missing or zero Content-Length header")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (t *connTransport) WriteFrame(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(t.rw, header); err != nil {
		return err
	}
	_, err := t.rw.Write(payload)
	return err
}

func (t *connTransport) Close() error {
	return t.rw.Close()
}

// decodeRouting extracts the routing-relevant fields from a raw DAP
// payload without decoding Arguments/Body. Matches the DAP protocol's
// top-level fields for request/response/event messages.
func decodeRouting(payload []byte) (*types.Message, error) {
	var raw struct {
		Seq        int    `json:"seq"`
		Type       string `json:"type"`
		Command    string `json:"command"`
		Event      string `json:"event"`
		Success    bool   `json:"success"`
		RequestSeq int    `json:"request_seq"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, apperrors.New(apperrors.CodeProtocolMalformed, "dispatcher", "decode-routing", "malformed DAP payload").Wrap(err)
	}
	return &types.Message{
		Seq:        raw.Seq,
		Type:       raw.Type,
		Command:    raw.Command,
		Event:      raw.Event,
		Success:    raw.Success,
		RequestSeq: raw.RequestSeq,
		Message:    raw.Message,
	}, nil
}
