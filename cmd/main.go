// Command codetracer-daemon is the process entry point for the
// backend-manager daemon (spec SPEC_FULL.md §6). It re-execs its own
// binary as a replay-backend subprocess, so the backend never has to
// ship as a separate binary: internal/dispatcher.BackendLauncher spawns
// `codetracer-daemon __backend-serve <traceDir> <workdir> <lang>` and
// talks DAP framing over its stdin/stdout.
//
// Grounded on the teacher's cmd/main.go (flag parsing, config-file
// resolution, "create and run application" shape); the single
// log-pipeline application is replaced by the three daemon subcommands
// and the legacy single-client mode spec §6 requires.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"codetracer-core/internal/backend"
	"codetracer-core/internal/config"
	"codetracer-core/internal/dispatcher"
	"codetracer-core/internal/metrics"
	"codetracer-core/internal/session"
	"codetracer-core/internal/trace"
	"codetracer-core/pkg/discovery"
	"codetracer-core/pkg/types"
)

const hiddenBackendSubcommand = "__backend-serve"

func main() {
	args := os.Args[1:]

	if len(args) > 0 && args[0] == hiddenBackendSubcommand {
		os.Exit(runBackendServe(args[1:]))
	}

	if len(args) > 0 && args[0] == "daemon" {
		os.Exit(runDaemonSubcommand(args[1:]))
	}

	os.Exit(runLegacy(args))
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.LogFile != "" {
		if f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			log.SetOutput(f)
		} else {
			log.WithError(err).Warn("failed to open log file, logging to stderr")
		}
	}
	return log
}

func parseFlags(fs *flag.FlagSet, args []string) (configFile string, flags config.Flags) {
	var ttlSecs, maxSessions int
	var socket, logFile string
	fs.StringVar(&configFile, "config", "", "path to daemon config file")
	fs.IntVar(&ttlSecs, "ttl", 0, "idle session TTL in seconds (0 = use default/env/config)")
	fs.IntVar(&maxSessions, "max-sessions", 0, "maximum concurrent sessions (0 = use default/env/config)")
	fs.StringVar(&socket, "socket", "", "endpoint socket path override")
	fs.StringVar(&logFile, "log-file", "", "log file path override")
	fs.Parse(args)

	if ttlSecs > 0 {
		d := time.Duration(ttlSecs) * time.Second
		flags.TTL = &d
	}
	if maxSessions > 0 {
		flags.MaxSessions = &maxSessions
	}
	if socket != "" {
		flags.Socket = &socket
	}
	if logFile != "" {
		flags.LogFile = &logFile
	}
	return configFile, flags
}

// runDaemonSubcommand implements `daemon start|stop|status`.
func runDaemonSubcommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: codetracer-daemon daemon <start|stop|status> [flags]")
		return 2
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("daemon "+sub, flag.ContinueOnError)
	configFile, flags := parseFlags(fs, rest)

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	switch sub {
	case "start":
		return cmdDaemonStart(cfg)
	case "stop":
		return cmdDaemonStop(cfg)
	case "status":
		return cmdDaemonStatus(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon subcommand %q\n", sub)
		return 2
	}
}

func cmdDaemonStart(cfg *config.Config) int {
	log := newLogger(cfg)

	if inst, alive, _ := discovery.Locate(cfg.PidFile, cfg.SocketPath); alive {
		fmt.Fprintf(os.Stderr, "daemon already running (pid %d)\n", inst.PID)
		return 1
	}

	socketDir := filepath.Dir(cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create socket directory: %v\n", err)
		return 1
	}
	os.Remove(cfg.SocketPath)

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind endpoint %s: %v\n", cfg.SocketPath, err)
		return 1
	}

	if err := discovery.WritePidFile(cfg.PidFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write pidfile: %v\n", err)
		ln.Close()
		return 1
	}

	code := runDispatcher(cfg, log, ln)

	discovery.RemovePidFile(cfg.PidFile)
	os.Remove(cfg.SocketPath)
	return code
}

func cmdDaemonStop(cfg *config.Config) int {
	inst, alive, err := discovery.Locate(cfg.PidFile, cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate daemon: %v\n", err)
		return 1
	}
	if !alive {
		fmt.Println("not running")
		return 0
	}

	if sendShutdownRequest(cfg.SocketPath) != nil {
		// Socket unreachable (already mid-shutdown, or a stale
		// listener); fall back to a direct signal so `stop` still
		// converges on a dead daemon.
		discovery.Stop(inst)
	}

	for i := 0; i < 50; i++ {
		if _, alive, _ := discovery.Locate(cfg.PidFile, cfg.SocketPath); !alive {
			fmt.Println("stopped")
			return 0
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "daemon did not exit in time")
	return 1
}

func sendShutdownRequest(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := []byte(`{"seq":1,"type":"request","command":"ct/daemon-shutdown"}`)
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := conn.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _ = bufio.NewReader(conn).ReadString('\n')
	return nil
}

func cmdDaemonStatus(cfg *config.Config) int {
	if inst, alive, _ := discovery.Locate(cfg.PidFile, cfg.SocketPath); alive {
		fmt.Printf("running (pid %d, socket %s)\n", inst.PID, inst.SocketPath)
	} else {
		fmt.Println("not running")
	}
	return 0
}

// runLegacy implements the non-daemon mode: bind a per-PID endpoint and
// run as a single-client server until that client disconnects.
func runLegacy(args []string) int {
	fs := flag.NewFlagSet("codetracer-daemon", flag.ContinueOnError)
	configFile, flags := parseFlags(fs, args)

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	cfg.SocketPath = filepath.Join(cfg.TmpDir, "codetracer", "backend-manager", strconv.Itoa(os.Getpid())+".sock")

	log := newLogger(cfg)
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create socket directory: %v\n", err)
		return 1
	}
	os.Remove(cfg.SocketPath)

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind endpoint %s: %v\n", cfg.SocketPath, err)
		return 1
	}
	defer os.Remove(cfg.SocketPath)

	log.WithField("socket", cfg.SocketPath).Info("legacy mode: waiting for single client")
	return runDispatcher(cfg, log, ln)
}

// runDispatcher wires and runs the session manager/dispatcher daemon
// against an already-bound listener, and blocks until it stops (signal,
// ct/daemon-shutdown, or listener error).
func runDispatcher(cfg *config.Config, log *logrus.Logger, ln net.Listener) int {
	selfPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve own executable path: %v\n", err)
		return 1
	}

	launch := func(ctx context.Context, traceDir string) (*session.Backend, error) {
		return spawnBackendSubprocess(ctx, selfPath, traceDir, log)
	}

	d, err := dispatcher.New(cfg, log, launch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct daemon: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
		return 1
	}

	var metricsServer *metricsServerHandle
	if cfg.MetricsAddr != "" {
		metricsServer = startMetricsServer(cfg.MetricsAddr, log, d)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received signal, shutting down")
		d.Stop()
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(ln) }()

	err = <-serveErr
	d.Stop()
	if metricsServer != nil {
		metricsServer.stop()
	}
	if err != nil {
		log.WithError(err).Warn("listener closed with error")
	}
	return 0
}

// spawnBackendSubprocess reads trace metadata (C1) to determine the
// backend's declared language before re-execing, since the backend
// process needs it up front to build its Trace Database's language
// formatter; the backend independently re-reads the full trace on
// launch (it does not trust the daemon's copy across the process
// boundary).
func spawnBackendSubprocess(ctx context.Context, selfPath, traceDir string, log *logrus.Logger) (*session.Backend, error) {
	reader := trace.NewReader(log)
	meta, err := reader.Read(traceDir)
	if err != nil {
		return nil, err
	}

	pool := session.NewBackendPool(log)
	return pool.Spawn(ctx, selfPath, []string{hiddenBackendSubcommand, traceDir, meta.Workdir, string(meta.Language)})
}

// runBackendServe is the hidden re-exec entry point: it loads traceDir
// into a Trace Database and serves the DAP command loop over its own
// stdin/stdout until the parent daemon closes the pipe.
func runBackendServe(args []string) int {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: codetracer-daemon "+hiddenBackendSubcommand+" <traceDir> <workdir> <lang>")
		return 2
	}
	traceDir, workdir, lang := args[0], args[1], args[2]

	log := logrus.New()
	log.SetOutput(os.Stderr)

	srv, err := backend.New(traceDir, workdir, types.Language(lang), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load trace: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := srv.Serve(ctx, &stdioConn{}); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "backend server exited: %v\n", err)
		return 1
	}
	return 0
}

// stdioConn adapts the process's stdin/stdout into an io.ReadWriter for
// backend.Server.Serve.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

type metricsServerHandle struct {
	srv *metrics.MetricsServer
	log *logrus.Logger
}

func startMetricsServer(addr string, log *logrus.Logger, sessions metrics.SessionsLister) *metricsServerHandle {
	srv := metrics.NewMetricsServer(addr, log)
	srv.AttachSessions(sessions)
	if err := srv.Start(); err != nil {
		log.WithError(err).Warn("metrics server failed to start")
	}
	return &metricsServerHandle{srv: srv, log: log}
}

func (h *metricsServerHandle) stop() {
	if err := h.srv.Stop(); err != nil {
		h.log.WithError(err).Warn("metrics server failed to stop cleanly")
	}
}
