package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHub_StreamsPublishedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewEventHub("")
	hub.Start(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSSE))
	defer srv.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	at := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	ev, err := NewEvent("new_donation", map[string]any{"amount": 25}, at)
	require.NoError(t, err)
	hub.Publish(ev)

	lines := bufio.NewScanner(resp.Body)
	var data string
	for lines.Scan() {
		if rest, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
			data = rest
			break
		}
	}
	require.NotEmpty(t, data)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "new_donation", got.Type)
	assert.JSONEq(t, `{"amount":25}`, string(got.Data))
	assert.True(t, at.Equal(got.At))

	cancel()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventHub_PublishNeverBlocks(t *testing.T) {
	hub := NewEventHub("")
	// No dispatcher running: the queue fills and the rest is dropped.
	for i := 0; i < hubBuffer+10; i++ {
		hub.Publish(Event{Type: "tick"})
	}
	assert.Equal(t, int64(10), hub.Dropped())
}
