package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codetracer-core/internal/exprloader"
	"codetracer-core/internal/flow"
	"codetracer-core/internal/replay"
	"codetracer-core/internal/tracedb"
	"codetracer-core/internal/tracepoint"
	"codetracer-core/pkg/types"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.PanicLevel)
	return log
}

// buildLoopTrace mirrors internal/replay's fixture: three steps in one
// call, x assigned 1 then 2, so stepping, flow, and locals all have
// something concrete to resolve.
func buildLoopTrace(t *testing.T) *tracedb.Database {
	t.Helper()
	events := []tracedb.LowLevelEvent{
		{Tag: tracedb.EvPath, Path: "main.go"},
		{Tag: tracedb.EvFunction, Function: types.Function{Name: "main"}},
		{Tag: tracedb.EvVariableName, VariableName: "x"},
		{Tag: tracedb.EvCall, Call: tracedb.CallRecord{FunctionID: 0}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 1},
		{Tag: tracedb.EvVariableCell, VariableID: 0, Place: 1},
		{Tag: tracedb.EvCellValue, Place: 1, CompoundVal: types.Value{Kind: types.ValInt, Int: 1}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 2},
		{Tag: tracedb.EvAssignCell, Place: 1, CompoundVal: types.Value{Kind: types.ValInt, Int: 2}},
		{Tag: tracedb.EvStep, PathID: 0, Line: 3},
		{Tag: tracedb.EvReturn, ReturnValue: types.Value{Kind: types.ValInt, Int: 2}},
	}
	db, err := tracedb.Build("/work", events)
	require.NoError(t, err)
	return db
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db := buildLoopTrace(t)
	loader := exprloader.New()
	return &Server{
		log:      discardLogger(),
		db:       db,
		engine:   replay.New(db, loader),
		flowR:    flow.New(db, loader, types.DefaultFlowConfig()),
		tracepts: tracepoint.NewInterpreter(),
		lang:     types.LangGo,
	}
}

// pipe is an in-memory io.ReadWriter connecting a test driver to a
// Server.Serve goroutine, avoiding a real os.Pipe/subprocess.
type pipe struct {
	toServer   *bytes.Buffer
	fromServer *bytes.Buffer
	mu         sync.Mutex
	cond       *sync.Cond
	closed     bool
}

func newPipe() *pipe {
	p := &pipe{toServer: &bytes.Buffer{}, fromServer: &bytes.Buffer{}}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.toServer.Write(b)
	p.cond.Broadcast()
	return n, err
}

// close unblocks any Read waiting for more input, making it return
// io.EOF so Server.Serve's readFrame loop exits instead of hanging.
func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.toServer.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.toServer.Len() == 0 && p.closed {
		return 0, io.EOF
	}
	return p.toServer.Read(b)
}

// serverSide is the io.ReadWriter passed to Server.Serve: it reads
// requests written by the test and writes responses into fromServer.
type serverSide struct{ p *pipe }

func (s serverSide) Read(b []byte) (int, error) { return s.p.Read(b) }
func (s serverSide) Write(b []byte) (int, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.p.fromServer.Write(b)
}

func sendRequest(t *testing.T, p *pipe, seq int, command string, args interface{}) {
	t.Helper()
	argsRaw, err := json.Marshal(args)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]interface{}{
		"seq": seq, "type": "request", "command": command, "arguments": json.RawMessage(argsRaw),
	})
	require.NoError(t, err)
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	_, err = p.Write([]byte(header))
	require.NoError(t, err)
	_, err = p.Write(payload)
	require.NoError(t, err)
}

// recvMessage polls fromServer for one framed message, matching
// readFrame's own header parsing.
func recvMessage(t *testing.T, p *pipe) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		data := p.fromServer.Bytes()
		if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
			header := string(data[:idx])
			var length int
			for _, line := range bytes.Split([]byte(header), []byte("\r\n")) {
				const prefix = "Content-Length:"
				if bytes.HasPrefix(line, []byte(prefix)) {
					fmt.Sscanf(string(bytes.TrimSpace(line[len(prefix):])), "%d", &length)
				}
			}
			bodyStart := idx + 4
			if len(data) >= bodyStart+length {
				body := make([]byte, length)
				copy(body, data[bodyStart:bodyStart+length])
				p.fromServer.Next(bodyStart + length)
				p.mu.Unlock()
				var out map[string]interface{}
				require.NoError(t, json.Unmarshal(body, &out))
				return out
			}
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for backend response")
		}
		time.Sleep(time.Millisecond)
	}
}

func startServe(t *testing.T, s *Server) (*pipe, func()) {
	t.Helper()
	p := newPipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx, serverSide{p: p})
	}()
	return p, func() {
		cancel()
		p.close()
		<-done
	}
}

func TestServer_InitializeLaunchConfigurationDoneHandshake(t *testing.T) {
	s := newTestServer(t)
	p, stop := startServe(t, s)
	defer stop()

	sendRequest(t, p, 1, "initialize", map[string]string{})
	initResp := recvMessage(t, p)
	assert.Equal(t, true, initResp["success"])
	assert.Equal(t, "initialize", initResp["command"])

	sendRequest(t, p, 2, "launch", map[string]string{})
	launchResp := recvMessage(t, p)
	assert.Equal(t, true, launchResp["success"])

	sendRequest(t, p, 3, "configurationDone", map[string]string{})
	confResp := recvMessage(t, p)
	assert.Equal(t, true, confResp["success"])

	stoppedEvt := recvMessage(t, p)
	assert.Equal(t, "event", stoppedEvt["type"])
	assert.Equal(t, "stopped", stoppedEvt["event"])
}

func TestServer_StepNextAdvancesAndEmitsStoppedEvent(t *testing.T) {
	s := newTestServer(t)
	s.engine.RunToEntry()
	p, stop := startServe(t, s)
	defer stop()

	sendRequest(t, p, 1, "next", map[string]interface{}{"forward": true})
	resp := recvMessage(t, p)
	assert.Equal(t, true, resp["success"])
	body := resp["body"].(map[string]interface{})
	assert.Equal(t, true, body["progressed"])

	stoppedEvt := recvMessage(t, p)
	assert.Equal(t, "stopped", stoppedEvt["event"])
}

func TestServer_StackTraceReflectsCurrentFrame(t *testing.T) {
	s := newTestServer(t)
	s.engine.JumpTo(0)
	p, stop := startServe(t, s)
	defer stop()

	sendRequest(t, p, 1, "stackTrace", map[string]string{})
	resp := recvMessage(t, p)
	require.Equal(t, true, resp["success"])
	body := resp["body"].(map[string]interface{})
	frames := body["stackFrames"].([]interface{})
	require.Len(t, frames, 1)
	frame := frames[0].(map[string]interface{})
	assert.Equal(t, "main", frame["name"])
}

func TestServer_LoadLocalsReturnsCurrentVariables(t *testing.T) {
	s := newTestServer(t)
	s.engine.JumpTo(1)
	p, stop := startServe(t, s)
	defer stop()

	sendRequest(t, p, 1, "ct/load-locals", map[string]interface{}{"nodeBudget": 100, "minCount": 1})
	resp := recvMessage(t, p)
	require.Equal(t, true, resp["success"])
	body := resp["body"].(map[string]interface{})
	locals := body["locals"].([]interface{})
	require.Len(t, locals, 1)
	local := locals[0].(map[string]interface{})
	assert.Equal(t, "x", local["Name"])
}

func TestServer_SetBreakpointsThenContinueStops(t *testing.T) {
	s := newTestServer(t)
	s.engine.RunToEntry()
	p, stop := startServe(t, s)
	defer stop()

	sendRequest(t, p, 1, "setBreakpoints", map[string]interface{}{
		"source":      map[string]string{"path": "main.go"},
		"breakpoints": []map[string]int{{"line": 3}},
	})
	bpResp := recvMessage(t, p)
	require.Equal(t, true, bpResp["success"])

	sendRequest(t, p, 2, "continue", map[string]interface{}{"forward": true})
	contResp := recvMessage(t, p)
	require.Equal(t, true, contResp["success"])
	recvMessage(t, p) // stopped event

	sendRequest(t, p, 3, "stackTrace", map[string]string{})
	stResp := recvMessage(t, p)
	body := stResp["body"].(map[string]interface{})
	frames := body["stackFrames"].([]interface{})
	frame := frames[0].(map[string]interface{})
	assert.EqualValues(t, 3, frame["line"])
}

func TestServer_UnknownCommandFails(t *testing.T) {
	s := newTestServer(t)
	p, stop := startServe(t, s)
	defer stop()

	sendRequest(t, p, 1, "ct/not-a-real-command", map[string]string{})
	resp := recvMessage(t, p)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["message"], "unknown command")
}

func TestServer_DisconnectEndsServeLoop(t *testing.T) {
	s := newTestServer(t)
	p := newPipe()
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, serverSide{p: p}) }()

	sendRequest(t, p, 1, "disconnect", map[string]string{})
	recvMessage(t, p)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
}
