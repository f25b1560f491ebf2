package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetRedactPII(false)
	t.Cleanup(func() {
		logger.SetRedactPII(true)
	})
	return &buf
}

func TestRequestLogger_OmitsSecretsAndEmails(t *testing.T) {
	f := newFixture(t, nil)
	buf := captureLog(t)

	rec := f.do(http.MethodGet, "/api/v1/search/ana.lopez@rescue.org?access_token="+f.user+"&email=bob.k@rescue.org", f.user, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := buf.String()
	assert.NotContains(t, out, f.user)
	assert.NotContains(t, out, "access_token")
	assert.NotContains(t, out, "ana.lopez@")
	assert.NotContains(t, out, "bob.k@")

	var entry map[string]string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var e map[string]string
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		if e["msg"] == "http request" {
			entry = e
		}
	}
	require.NotNil(t, entry, out)
	assert.Equal(t, "/api/v1/search/an***@rescue.org", entry["path"])
	assert.Equal(t, "200", entry["status"])
	assert.Equal(t, "GET", entry["method"])
}

func TestRedactPath(t *testing.T) {
	assert.Equal(t, "/api/v1/campaigns/recX", redactPath("/api/v1/campaigns/recX"))
	assert.Equal(t, "/api/v1/search/***@x.org", redactPath("/api/v1/search/ab@x.org"))
}
