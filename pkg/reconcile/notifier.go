package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/preview"
)

// WebhookNotifier posts terminal preview status to an external endpoint.
// Delivery is best-effort idempotent: the payload carries the third-party
// request id so the receiver can de-duplicate.
type WebhookNotifier struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier builds a notifier for the given endpoint.
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		url:    url,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

type statusNotification struct {
	ThirdPartyRequestID string `json:"third_party_request_id"`
	PreviewID           string `json:"preview_id"`
	Status              string `json:"status"`
	NotifiedAt          string `json:"notified_at"`
}

// NotifyStatus posts the status change, retrying once on transport
// failure.
func (n *WebhookNotifier) NotifyStatus(ctx context.Context, thirdPartyRequestID, previewID string, status preview.Status) error {
	payload, err := json.Marshal(statusNotification{
		ThirdPartyRequestID: thirdPartyRequestID,
		PreviewID:           previewID,
		Status:              string(status),
		NotifiedAt:          time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("notification rejected: status=%d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == 1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
