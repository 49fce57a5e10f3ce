package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.PanicLevel)
	return log
}

func serve(t *testing.T, ms *MetricsServer, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	ms.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestNewMetricsServer_HealthEndpoint(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", discardLogger())
	rec := serve(t, ms, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestNewMetricsServer_MetricsEndpointExposesRegisteredSeries(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", discardLogger())
	SessionsActive.Set(3)

	rec := serve(t, ms, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codetracer_sessions_active 3")
}

func TestNewMetricsServer_DebugSessionsWithoutAttachmentIsUnavailable(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", discardLogger())
	rec := serve(t, ms, http.MethodGet, "/debug/sessions")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeSessionsLister struct {
	body []byte
	err  error
}

func (f fakeSessionsLister) DebugSessionsJSON() ([]byte, error) {
	return f.body, f.err
}

func TestNewMetricsServer_DebugSessionsReturnsAttachedJSON(t *testing.T) {
	ms := NewMetricsServer("127.0.0.1:0", discardLogger())
	ms.AttachSessions(fakeSessionsLister{body: []byte(`{"sessions":[]}`)})

	rec := serve(t, ms, http.MethodGet, "/debug/sessions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestSetBackendResourceUsage_UpdatesGauges(t *testing.T) {
	SetBackendResourceUsage("backend-1", 1024, 7)
	rec := httptest.NewRecorder()
	ms := NewMetricsServer("127.0.0.1:0", discardLogger())
	ms.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `codetracer_backend_rss_bytes{backend="backend-1"} 1024`)
}
