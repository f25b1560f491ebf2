package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/distlock"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/httputil"
	"github.com/And03-11/animal-rescue-dashboard/internal/syncer"
)

// SyncLockKey is shared with the scheduled sync job so a manual run never
// overlaps it.
const SyncLockKey = "scheduler:sync"

const maxWebhookBody = 64 << 10

// RunSync runs one incremental sync and returns its report. Admin only.
//
//	POST /api/v1/sync/run
func (h *Handlers) RunSync(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		unavailable(w, "sync")
		return
	}
	var report *syncer.Report
	run := func(ctx context.Context) error {
		report = h.sync.Run(ctx)
		return nil
	}
	acquired, err := distlock.WithLease(r.Context(), h.locks(SyncLockKey, h.syncTTL), h.syncTTL, run)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	if !acquired {
		httputil.JSON(w, http.StatusConflict, httputil.ErrorResponse{Error: "a sync is already running", Code: "sync_running"})
		return
	}

	h.publish("sync_completed", map[string]interface{}{
		"writes": report.Writes(),
		"failed": report.Failed(),
	})
	status := http.StatusOK
	if report.Failed() {
		status = http.StatusMultiStatus
	}
	httputil.JSON(w, status, report)
}

// NewDonationWebhook broadcasts an upstream donation notification to every
// live client. The body must be a JSON object; it is forwarded as the event
// payload.
//
//	POST /api/v1/webhooks/new-donation-notification
func (h *Handlers) NewDonationWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}
	if len(body) > maxWebhookBody {
		httputil.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		httputil.BadRequest(w, "body must be a JSON object")
		return
	}
	h.publish("new_donation", payload)
	h.log.Info("new donation notification broadcast", "fields", len(payload))
	httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "broadcast"})
}
