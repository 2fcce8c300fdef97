package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDecision(t *testing.T) {
	before := testutil.ToFloat64(authzDecisions.WithLabelValues("permission", "deny"))
	RecordDecision("permission", "deny")
	RecordDecision("permission", "deny")
	after := testutil.ToFloat64(authzDecisions.WithLabelValues("permission", "deny"))
	assert.Equal(t, before+2, after)
}

func TestInstrumentUsesRouteLabel(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), func(*http.Request) string { return "/v1/roles/{name}" })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/roles/{name}", "418"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/roles/editor", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/roles/{name}", "418"))
	assert.Equal(t, before+1, after)
}

func TestLoggerWritesJSON(t *testing.T) {
	l := Logger()
	orig := l.Out
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	LogRequest(logrus.Fields{"path": "/healthz", "status": 200})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request_complete", entry["msg"])
	assert.Equal(t, "/healthz", entry["path"])
	assert.Contains(t, entry, "ts")
}
