package handshake

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// duplex glues an independent reader and writer into a single
// io.ReadWriter, mirroring a backend subprocess's combined stdio pipe.
type duplex struct {
	io.Reader
	io.Writer
}

// newFakeBackend returns the client-side conn and a channel the test
// can use to drive the fake backend's responses: each entry is a
// handler invoked with the request it read, returning the messages to
// write back (in order).
func newFakeBackend(t *testing.T, handle func(req dap.Message) []dap.Message) io.ReadWriter {
	t.Helper()
	clientReadsFrom, backendWritesTo := io.Pipe()
	backendReadsFrom, clientWritesTo := io.Pipe()

	go func() {
		br := bufio.NewReader(backendReadsFrom)
		for {
			msg, err := dap.ReadProtocolMessage(br)
			if err != nil {
				return
			}
			for _, out := range handle(msg) {
				if err := dap.WriteProtocolMessage(backendWritesTo, out); err != nil {
					return
				}
			}
		}
	}()

	return duplex{Reader: clientReadsFrom, Writer: clientWritesTo}
}

func respondTo(req dap.Message, body dap.Message) dap.Message {
	switch r := req.(type) {
	case *dap.InitializeRequest:
		resp := body.(*dap.InitializeResponse)
		resp.Response = dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: r.Seq + 1, Type: "response"},
			RequestSeq:      r.Seq,
			Success:         true,
			Command:         r.Command,
		}
		return resp
	case *dap.LaunchRequest:
		return &dap.LaunchResponse{Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: r.Seq + 1, Type: "response"},
			RequestSeq:      r.Seq,
			Success:         true,
			Command:         r.Command,
		}}
	case *dap.ConfigurationDoneRequest:
		return &dap.ConfigurationDoneResponse{Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: r.Seq + 1, Type: "response"},
			RequestSeq:      r.Seq,
			Success:         true,
			Command:         r.Command,
		}}
	}
	return nil
}

func TestRun_SucceedsThroughAllFourPhases(t *testing.T) {
	seq := 100
	conn := newFakeBackend(t, func(req dap.Message) []dap.Message {
		switch r := req.(type) {
		case *dap.InitializeRequest:
			resp := respondTo(r, &dap.InitializeResponse{Body: dap.Capabilities{SupportsConfigurationDoneRequest: true}})
			return []dap.Message{resp}
		case *dap.LaunchRequest:
			resp := respondTo(r, nil)
			seq++
			stopped := &dap.StoppedEvent{
				Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"}, Event: "stopped"},
				Body:  dap.StoppedEventBody{Reason: "entry"},
			}
			return []dap.Message{resp, stopped}
		case *dap.ConfigurationDoneRequest:
			resp := respondTo(r, nil)
			return []dap.Message{resp}
		}
		return nil
	})

	log := logrus.New()
	log.SetOutput(io.Discard)

	result, err := Run(context.Background(), conn, "/traces/demo", time.Second, log)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Capabilities.SupportsConfigurationDoneRequest)
	require.NotNil(t, result.StoppedEvent)
	assert.Equal(t, "entry", result.StoppedEvent.Body.Reason)
}

func TestRun_TimesOutWithNoBackendResponse(t *testing.T) {
	clientReadsFrom, _ := io.Pipe()
	backendReadsFrom, clientWritesTo := io.Pipe()
	// The silent backend still consumes requests; it just never answers.
	go io.Copy(io.Discard, backendReadsFrom)
	conn := duplex{Reader: clientReadsFrom, Writer: clientWritesTo}

	log := logrus.New()
	log.SetOutput(io.Discard)

	_, err := Run(context.Background(), conn, "/traces/demo", 20*time.Millisecond, log)
	assert.Error(t, err)
}

func TestRun_BackendRejectsInitialize(t *testing.T) {
	conn := newFakeBackend(t, func(req dap.Message) []dap.Message {
		if r, ok := req.(*dap.InitializeRequest); ok {
			return []dap.Message{&dap.InitializeResponse{Response: dap.Response{
				ProtocolMessage: dap.ProtocolMessage{Seq: r.Seq + 1, Type: "response"},
				RequestSeq:      r.Seq,
				Success:         false,
				Command:         r.Command,
				Message:         "adapter refused",
			}}}
		}
		return nil
	})

	log := logrus.New()
	log.SetOutput(io.Discard)

	_, err := Run(context.Background(), conn, "/traces/demo", time.Second, log)
	assert.Error(t, err)
}
