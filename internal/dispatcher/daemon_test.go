package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codetracer-core/internal/config"
	"codetracer-core/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		TTL:                  time.Hour,
		MaxSessions:          2,
		ScriptTimeout:        2 * time.Second,
		HandshakeStepTimeout: time.Second,
		TmpDir:               t.TempDir(),
	}
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.PanicLevel)
	return log
}

func failingLaunch(ctx context.Context, traceDir string) (*session.Backend, error) {
	return nil, fmt.Errorf("no backend in this test")
}

// startTestDaemon wires a Daemon over a loopback TCP listener and returns
// its address and the Daemon for direct inspection. Cleanup stops the
// daemon and waits for Serve to return.
func startTestDaemon(t *testing.T, launch BackendLauncher) (string, *Daemon) {
	t.Helper()
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(), launch)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = d.Serve(ln)
	}()

	t.Cleanup(func() {
		d.Stop()
		<-serveDone
	})

	return ln.Addr().String(), d
}

// rawClient is a minimal DAP-framed client for exercising the daemon
// without going through internal/dispatcher's own transport type.
type rawClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialClient(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	return &rawClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *rawClient) send(t *testing.T, msg map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	_, err = c.conn.Write([]byte(header))
	require.NoError(t, err)
	_, err = c.conn.Write(payload)
	require.NoError(t, err)
}

func (c *rawClient) recv(t *testing.T) map[string]interface{} {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var length int
	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(t, err)
		trimmed := trimCRLF(line)
		if trimmed == "" {
			break
		}
		if n, ok := parseContentLength(trimmed); ok {
			length = n
		}
	}
	require.Greater(t, length, 0)
	buf := make([]byte, length)
	_, err := readFull(c.reader, buf)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf, &out))
	return out
}

func (c *rawClient) close() {
	c.conn.Close()
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func parseContentLength(line string) (int, bool) {
	const prefix = "Content-Length:"
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		return 0, false
	}
	var n int
	_, err := fmt.Sscanf(line[len(prefix):], "%d", &n)
	return n, err == nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestDaemon_PingRoundTrip(t *testing.T) {
	addr, _ := startTestDaemon(t, failingLaunch)
	c := dialClient(t, addr)
	defer c.close()

	c.send(t, map[string]interface{}{"seq": 1, "type": "request", "command": "ct/ping"})
	resp := c.recv(t)

	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "ct/ping", resp["command"])
	assert.EqualValues(t, 1, resp["request_seq"])
}

func TestDaemon_MultiClientFanout(t *testing.T) {
	addr, _ := startTestDaemon(t, failingLaunch)
	a := dialClient(t, addr)
	defer a.close()
	b := dialClient(t, addr)
	defer b.close()

	a.send(t, map[string]interface{}{"seq": 10, "type": "request", "command": "ct/ping"})
	b.send(t, map[string]interface{}{"seq": 20, "type": "request", "command": "ct/ping"})

	respA := a.recv(t)
	respB := b.recv(t)
	assert.EqualValues(t, 10, respA["request_seq"])
	assert.EqualValues(t, 20, respB["request_seq"])

	a.close()
	b.send(t, map[string]interface{}{"seq": 30, "type": "request", "command": "ct/ping"})
	respB2 := b.recv(t)
	assert.Equal(t, true, respB2["success"])
	assert.EqualValues(t, 30, respB2["request_seq"])
}

func TestDaemon_UnboundClientRejectedForNavigationCommand(t *testing.T) {
	addr, _ := startTestDaemon(t, failingLaunch)
	c := dialClient(t, addr)
	defer c.close()

	c.send(t, map[string]interface{}{"seq": 1, "type": "request", "command": "next"})
	resp := c.recv(t)

	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["message"], "ct/open-trace")
}

func TestDaemon_OpenTraceFailsForMissingDirectory(t *testing.T) {
	addr, _ := startTestDaemon(t, failingLaunch)
	c := dialClient(t, addr)
	defer c.close()

	c.send(t, map[string]interface{}{
		"seq": 1, "type": "request", "command": "ct/open-trace",
		"arguments": map[string]string{"path": filepath.Join(t.TempDir(), "does-not-exist")},
	})
	resp := c.recv(t)

	assert.Equal(t, false, resp["success"])
}

func TestDaemon_ListSessionsEmptyInitially(t *testing.T) {
	addr, _ := startTestDaemon(t, failingLaunch)
	c := dialClient(t, addr)
	defer c.close()

	c.send(t, map[string]interface{}{"seq": 1, "type": "request", "command": "ct/list-sessions"})
	resp := c.recv(t)

	assert.Equal(t, true, resp["success"])
	body := resp["body"].(map[string]interface{})
	assert.Empty(t, body["sessions"])
}

func TestDaemon_ExecScriptRunsAndReturnsExitCode(t *testing.T) {
	addr, _ := startTestDaemon(t, failingLaunch)
	c := dialClient(t, addr)
	defer c.close()

	c.send(t, map[string]interface{}{
		"seq": 1, "type": "request", "command": "ct/exec-script",
		"arguments": map[string]string{"script": "echo hi"},
	})
	resp := c.recv(t)

	assert.Equal(t, true, resp["success"])
	body := resp["body"].(map[string]interface{})
	assert.EqualValues(t, 0, body["exitCode"])
	assert.Contains(t, body["stdout"], "hi")
}

func TestDaemon_ShutdownStopsServing(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(), failingLaunch)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = d.Serve(ln)
	}()

	c := dialClient(t, ln.Addr().String())
	defer c.close()
	c.send(t, map[string]interface{}{"seq": 1, "type": "request", "command": "ct/daemon-shutdown"})
	resp := c.recv(t)
	assert.Equal(t, true, resp["success"])

	select {
	case <-serveDone:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop serving after ct/daemon-shutdown")
	}
}
