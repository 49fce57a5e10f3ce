// Package backend implements the per-trace replay server (spec §1-§4):
// the process the dispatcher spawns one of per loaded trace, wiring the
// trace reader, trace database, replay engine, flow reconstructor, and
// tracepoint VM behind a DAP command loop over stdio.
//
// Grounded on internal/handshake/handshake.go for the wire shape of the
// four handshake messages (same github.com/google/go-dap types, since
// this package is the other end of that exact handshake) and on
// internal/dispatcher/transport.go for the Content-Length framing this
// package's operational-phase commands use once past the handshake.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"codetracer-core/internal/exprloader"
	"codetracer-core/internal/flow"
	"codetracer-core/internal/replay"
	"codetracer-core/internal/tracedb"
	"codetracer-core/internal/tracepoint"
	"codetracer-core/pkg/types"
)

// Server is one backend subprocess's worth of state: a single trace
// loaded read-only into a Database, with one Engine cursor and one flow
// Reconstructor and one tracepoint Interpreter layered on top of it. A
// Server handles exactly one client at a time, matching the
// single-owner-cursor discipline replay.Engine documents — concurrent
// access is the dispatcher's job to serialize, not this package's.
type Server struct {
	log *logrus.Logger

	db       *tracedb.Database
	engine   *replay.Engine
	flowR    *flow.Reconstructor
	tracepts *tracepoint.Interpreter
	lang     types.Language

	mu sync.Mutex
}

// New builds a Server by loading traceDir's recording into memory.
// workdir comes from the session's trace metadata (internal/trace.Read)
// and is stored on the database as Database.Workdir; the replay engine
// does not read it.
func New(traceDir, workdir string, lang types.Language, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := tracedb.BuildFromTraceDir(traceDir, workdir)
	if err != nil {
		return nil, err
	}
	loader := exprloader.New()
	return &Server{
		log:      log,
		db:       db,
		engine:   replay.New(db, loader),
		flowR:    flow.New(db, loader, types.DefaultFlowConfig()),
		tracepts: tracepoint.NewInterpreter(),
		lang:     lang,
	}, nil
}

// Serve runs the DAP command loop against rw (the dispatcher's stdio
// pipe to this subprocess) until rw is closed or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	reader := bufio.NewReader(rw)
	seq := 0
	nextSeq := func() int { seq++; return seq }

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		payload, err := readFrame(reader)
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.log.WithError(err).Warn("backend: malformed request frame")
			continue
		}

		switch env.Command {
		case "initialize":
			s.handleInitialize(rw, env, nextSeq)
		case "launch":
			s.handleLaunch(rw, env, nextSeq)
		case "configurationDone":
			s.handleConfigurationDone(rw, env, nextSeq)
		case "disconnect":
			s.writeOKResponse(rw, env, nextSeq, nil)
			return nil
		default:
			s.dispatchOperational(rw, env, nextSeq)
		}
	}
}

// envelope is the routing-relevant projection of an incoming request,
// decoded manually (not via dap.ReadProtocolMessage) so that extension
// ct/* commands unknown to go-dap's decoder never fail decoding; only
// the three handshake commands are re-encoded through real go-dap types,
// since internal/handshake.Run decodes backend replies with
// dap.ReadProtocolMessage and therefore needs genuine go-dap wire shapes
// for exactly those three responses plus the stopped event.
type envelope struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments"`
}

func readFrame(r *bufio.Reader) ([]byte, error) {
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

func writeFrame(w io.Writer, payload []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (s *Server) handleInitialize(w io.Writer, env envelope, nextSeq func() int) {
	resp := &dap.InitializeResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: nextSeq(), Type: "response"},
			RequestSeq:      env.Seq,
			Success:         true,
			Command:         "initialize",
		},
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsStepBack:                 true,
		},
	}
	if err := dap.WriteProtocolMessage(w, resp); err != nil {
		s.log.WithError(err).Error("backend: failed writing initialize response")
	}
}

func (s *Server) handleLaunch(w io.Writer, env envelope, nextSeq func() int) {
	s.mu.Lock()
	s.engine.RunToEntry()
	s.mu.Unlock()

	resp := &dap.LaunchResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: nextSeq(), Type: "response"},
			RequestSeq:      env.Seq,
			Success:         true,
			Command:         "launch",
		},
	}
	if err := dap.WriteProtocolMessage(w, resp); err != nil {
		s.log.WithError(err).Error("backend: failed writing launch response")
	}
}

func (s *Server) handleConfigurationDone(w io.Writer, env envelope, nextSeq func() int) {
	resp := &dap.ConfigurationDoneResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: nextSeq(), Type: "response"},
			RequestSeq:      env.Seq,
			Success:         true,
			Command:         "configurationDone",
		},
	}
	if err := dap.WriteProtocolMessage(w, resp); err != nil {
		s.log.WithError(err).Error("backend: failed writing configurationDone response")
		return
	}

	stopped := &dap.StoppedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: nextSeq(), Type: "event"},
			Event:           "stopped",
		},
		Body: dap.StoppedEventBody{
			Reason:            "entry",
			ThreadId:          1,
			AllThreadsStopped: true,
		},
	}
	if err := dap.WriteProtocolMessage(w, stopped); err != nil {
		s.log.WithError(err).Error("backend: failed writing stopped event")
	}
}

// writeOKResponse writes a bare success response carrying body, used by
// operations (disconnect, extension commands) that don't need a real
// go-dap response type.
func (s *Server) writeOKResponse(w io.Writer, env envelope, nextSeq func() int, body interface{}) {
	s.writeResponse(w, env, nextSeq, true, "", body)
}

func (s *Server) writeResponse(w io.Writer, env envelope, nextSeq func() int, success bool, errMsg string, body interface{}) {
	raw, _ := json.Marshal(struct {
		Seq        int         `json:"seq"`
		Type       string      `json:"type"`
		RequestSeq int         `json:"request_seq"`
		Success    bool        `json:"success"`
		Command    string      `json:"command"`
		Message    string      `json:"message,omitempty"`
		Body       interface{} `json:"body,omitempty"`
	}{
		Seq:        nextSeq(),
		Type:       "response",
		RequestSeq: env.Seq,
		Success:    success,
		Command:    env.Command,
		Message:    errMsg,
		Body:       body,
	})
	if err := writeFrame(w, raw); err != nil {
		s.log.WithError(err).Error("backend: failed writing response frame")
	}
}

// dispatchOperational handles every command past the handshake: the
// standard DAP navigation/introspection surface plus the ct/* extension
// commands (spec §4.5-§4.7).
func (s *Server) dispatchOperational(w io.Writer, env envelope, nextSeq func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Command {
	case "next":
		s.handleStep(w, env, nextSeq, types.ActionNext)
	case "stepIn":
		s.handleStep(w, env, nextSeq, types.ActionStepIn)
	case "stepOut":
		s.handleStep(w, env, nextSeq, types.ActionStepOut)
	case "continue":
		s.handleStep(w, env, nextSeq, types.ActionContinue)
	case "stackTrace":
		s.handleStackTrace(w, env, nextSeq)
	case "threads":
		s.writeOKResponse(w, env, nextSeq, map[string]interface{}{
			"threads": []map[string]interface{}{{"id": 1, "name": "main"}},
		})
	case "source":
		s.handleSource(w, env, nextSeq)
	case "setBreakpoints":
		s.handleSetBreakpoints(w, env, nextSeq)

	case "ct/load-locals":
		s.handleLoadLocals(w, env, nextSeq)
	case "ct/load-flow":
		s.handleLoadFlow(w, env, nextSeq)
	case "ct/load-history":
		s.handleLoadHistory(w, env, nextSeq)
	case "ct/load-callstack":
		s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"frames": s.engine.LoadCallstack()})
	case "ct/load-call-args":
		s.handleLoadCallArgs(w, env, nextSeq)
	case "ct/event-jump":
		s.handleJump(w, env, nextSeq, func(idx int64) bool { return s.engine.EventJump(int(idx)) })
	case "ct/calltrace-jump":
		s.handleJump(w, env, nextSeq, func(idx int64) bool { return s.engine.CallstackJump(int(idx)) })
	case "ct/source-line-jump":
		s.handleLocationJump(w, env, nextSeq)
	case "ct/source-call-jump":
		s.handleLocationJump(w, env, nextSeq)
	case "ct/run-tracepoints":
		s.handleRunTracepoints(w, env, nextSeq)
	case "ct/update-table":
		s.handleUpdateTable(w, env, nextSeq)

	default:
		s.writeResponse(w, env, nextSeq, false, "unknown command "+env.Command, nil)
	}
}

func (s *Server) currentStopped(nextSeq func() int) *dap.StoppedEvent {
	return &dap.StoppedEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: nextSeq(), Type: "event"},
			Event:           "stopped",
		},
		Body: dap.StoppedEventBody{Reason: "step", ThreadId: 1, AllThreadsStopped: true},
	}
}

type directionArgs struct {
	Forward *bool `json:"forward"`
}

func (s *Server) handleStep(w io.Writer, env envelope, nextSeq func() int, action types.StepAction) {
	var args directionArgs
	_ = json.Unmarshal(env.Arguments, &args)
	forward := true
	if args.Forward != nil {
		forward = *args.Forward
	}

	progressed := s.engine.Step(action, forward)
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"progressed": progressed})

	if err := dap.WriteProtocolMessage(w, s.currentStopped(nextSeq)); err != nil {
		s.log.WithError(err).Error("backend: failed writing stopped event")
	}
}

func (s *Server) handleStackTrace(w io.Writer, env envelope, nextSeq func() int) {
	frames := s.engine.LoadCallstack()
	loc, _ := s.engine.LoadLocation()
	stackFrames := make([]map[string]interface{}, 0, len(frames))
	for i, f := range frames {
		line, path := f.Line, f.Path
		if i == 0 {
			// The innermost frame reports where the cursor stands, not
			// the line its call was entered at.
			line, path = loc.Line, loc.Path
		}
		stackFrames = append(stackFrames, map[string]interface{}{
			"id":     i,
			"name":   f.FunctionName,
			"line":   line,
			"source": map[string]string{"path": path},
		})
	}
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"stackFrames": stackFrames, "totalFrames": len(stackFrames)})
}

func (s *Server) handleSource(w io.Writer, env envelope, nextSeq func() int) {
	var args struct {
		Source struct {
			Path string `json:"path"`
		} `json:"source"`
	}
	_ = json.Unmarshal(env.Arguments, &args)

	contents, err := os.ReadFile(args.Source.Path)
	if err != nil {
		s.writeResponse(w, env, nextSeq, false, "source unreadable: "+err.Error(), nil)
		return
	}
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"content": string(contents)})
}

func (s *Server) handleSetBreakpoints(w io.Writer, env envelope, nextSeq func() int) {
	var args struct {
		Source struct {
			Path string `json:"path"`
		} `json:"source"`
		Breakpoints []struct {
			Line int `json:"line"`
		} `json:"breakpoints"`
	}
	_ = json.Unmarshal(env.Arguments, &args)

	set := make([]types.Breakpoint, 0, len(args.Breakpoints))
	for _, bp := range args.Breakpoints {
		set = append(set, s.engine.AddBreakpoint(args.Source.Path, bp.Line))
	}
	out := make([]map[string]interface{}, 0, len(set))
	for _, bp := range set {
		out = append(out, map[string]interface{}{"id": bp.ID, "verified": true, "line": bp.Line})
	}
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"breakpoints": out})
}

func (s *Server) handleLoadLocals(w io.Writer, env envelope, nextSeq func() int) {
	var args struct {
		NodeBudget int `json:"nodeBudget"`
		MinCount   int `json:"minCount"`
	}
	_ = json.Unmarshal(env.Arguments, &args)
	if args.NodeBudget <= 0 {
		args.NodeBudget = 200
	}
	if args.MinCount <= 0 {
		args.MinCount = 1
	}

	locals, err := s.engine.LoadLocals(context.Background(), args.NodeBudget, args.MinCount)
	if err != nil {
		s.writeResponse(w, env, nextSeq, false, err.Error(), nil)
		return
	}
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"locals": locals})
}

func (s *Server) handleLoadFlow(w io.Writer, env envelope, nextSeq func() int) {
	update := s.flowR.Load(s.engine.CurrentStep())
	s.writeOKResponse(w, env, nextSeq, update)
}

func (s *Server) handleLoadHistory(w io.Writer, env envelope, nextSeq func() int) {
	var sel types.HistorySelector
	_ = json.Unmarshal(env.Arguments, &sel)

	entries, total := s.engine.LoadHistory(sel)
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"entries": entries, "total": total})
}

func (s *Server) handleLoadCallArgs(w io.Writer, env envelope, nextSeq func() int) {
	var args struct {
		CallKey int64 `json:"callKey"`
	}
	_ = json.Unmarshal(env.Arguments, &args)

	key := types.CallKey(args.CallKey)
	if key < 0 || int(key) >= len(s.db.Calls) {
		s.writeResponse(w, env, nextSeq, false, "call key out of range", nil)
		return
	}
	call := s.db.Calls[key]
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"args": call.Args, "returnValue": call.ReturnValue})
}

func (s *Server) handleJump(w io.Writer, env envelope, nextSeq func() int, jump func(int64) bool) {
	var args struct {
		Index int64 `json:"index"`
	}
	_ = json.Unmarshal(env.Arguments, &args)

	ok := jump(args.Index)
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"ok": ok})
	if ok {
		if err := dap.WriteProtocolMessage(w, s.currentStopped(nextSeq)); err != nil {
			s.log.WithError(err).Error("backend: failed writing stopped event")
		}
	}
}

func (s *Server) handleLocationJump(w io.Writer, env envelope, nextSeq func() int) {
	var args struct {
		Path string `json:"path"`
		Line int    `json:"line"`
	}
	_ = json.Unmarshal(env.Arguments, &args)

	ok := s.engine.LocationJump(args.Path, args.Line)
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"ok": ok})
	if ok {
		if err := dap.WriteProtocolMessage(w, s.currentStopped(nextSeq)); err != nil {
			s.log.WithError(err).Error("backend: failed writing stopped event")
		}
	}
}

func (s *Server) handleRunTracepoints(w io.Writer, env envelope, nextSeq func() int) {
	var args struct {
		Index  int    `json:"index"`
		Source string `json:"source"`
	}
	_ = json.Unmarshal(env.Arguments, &args)

	if args.Source != "" {
		if err := s.tracepts.Register(args.Index, args.Source); err != nil {
			s.writeOKResponse(w, env, nextSeq, map[string]interface{}{
				"results": []types.NamedValue{{Name: "ERROR", Value: types.ErrValue(err.Error())}},
			})
			return
		}
	}
	results := s.tracepts.Evaluate(args.Index, s.engine, s.lang)
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"results": results})
}

func (s *Server) handleUpdateTable(w io.Writer, env envelope, nextSeq func() int) {
	var args struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(env.Arguments, &args)

	pathID, ok := s.db.PathMap[args.Path]
	if !ok {
		s.writeResponse(w, env, nextSeq, false, "path not found", nil)
		return
	}
	lines := s.db.StepMap[pathID]
	covered := make([]int, 0, len(lines))
	for line := range lines {
		covered = append(covered, line)
	}
	s.writeOKResponse(w, env, nextSeq, map[string]interface{}{"coveredLines": covered})
}
