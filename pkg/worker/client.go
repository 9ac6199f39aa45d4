// Package worker implements the worker node: the master proxy client, the
// per-task processing pipeline and the heartbeat loop.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/heartbeat"
	"github.com/previewlabs/previewd/pkg/preview"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

// Client talks to the master's worker-facing endpoints, authenticated by
// the worker id and shared secret headers.
type Client struct {
	baseURL  string
	workerID string
	secret   string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient builds a master proxy client with the standard worker
// timeouts: 15 s connect, 60 s total.
func NewClient(baseURL, workerID, secret string, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("worker id must not be empty")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("worker secret must not be empty")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("master base url must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		secret:   secret,
		logger:   logger,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
				TLSHandshakeTimeout: 15 * time.Second,
			},
		},
	}, nil
}

// WorkerID returns the credential identity.
func (c *Client) WorkerID() string { return c.workerID }

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, sharederrors.Fatal("encode request body", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Worker-Id", c.workerID)
	req.Header.Set("X-Worker-Key", c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// FetchMaterialRequest asks the master for a cached material blob.
type FetchMaterialRequest struct {
	Token        string `json:"token"`
	PreviewID    string `json:"preview_id,omitempty"`
	MaterialCode string `json:"material_code,omitempty"`
}

// FetchMaterial downloads a worker-cache blob through the master proxy,
// returning the bytes and the reported content type.
func (c *Client) FetchMaterial(ctx context.Context, fetch FetchMaterialRequest) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/internal/worker/materials/fetch", fetch)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", sharederrors.TransientIO("fetch material", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, "", fmt.Errorf("fetch material: status=%d body=%s", resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", sharederrors.TransientIO("read material body", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

type startPayload struct {
	AttemptID string `json:"attempt_id"`
}

// JobStarted notifies the master that the worker accepted a preview,
// retrying transient failures 3× with exponential backoff. A 503 means
// the admission gate denied the worker.
func (c *Client) JobStarted(ctx context.Context, previewID, attemptID string) error {
	path := fmt.Sprintf("/internal/worker/previews/%s/start", previewID)

	const maxRetries = 3
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		req, err := c.newRequest(ctx, http.MethodPost, path, startPayload{AttemptID: attemptID})
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err == nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			switch {
			case resp.StatusCode < 300:
				return nil
			case resp.StatusCode == http.StatusServiceUnavailable:
				return sharederrors.AdmissionDenied(string(body))
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				lastErr = fmt.Errorf("job start rejected: status=%d body=%s", resp.StatusCode, body)
			default:
				return fmt.Errorf("job start rejected: status=%d body=%s", resp.StatusCode, body)
			}
		} else {
			lastErr = err
		}

		if attempt < maxRetries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}
	return sharederrors.TransientIO("notify job start", lastErr)
}

// SubmitResult PUTs the job outcome, retrying server errors and timeouts
// 3× with exponential backoff. Client errors other than 429 are terminal.
func (c *Client) SubmitResult(ctx context.Context, previewID string, result preview.WorkerResult) error {
	path := fmt.Sprintf("/internal/worker/previews/%s/result", previewID)

	const maxRetries = 3
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		req, err := c.newRequest(ctx, http.MethodPut, path, result)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err == nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			switch {
			case resp.StatusCode < 300:
				return nil
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				lastErr = fmt.Errorf("result rejected: status=%d body=%s", resp.StatusCode, body)
				c.logger.Warn("result submission hit server error, retrying",
					zap.String("preview_id", previewID),
					zap.Int("attempt", attempt),
					zap.Int("status", resp.StatusCode))
			default:
				return fmt.Errorf("result rejected: status=%d body=%s", resp.StatusCode, body)
			}
		} else {
			lastErr = err
			c.logger.Warn("result submission failed, retrying",
				zap.String("preview_id", previewID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		if attempt < maxRetries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}
	return sharederrors.TransientIO(fmt.Sprintf("submit result after %d attempts", maxRetries), lastErr)
}

// SendHeartbeat posts one heartbeat and decodes the ack.
func (c *Client) SendHeartbeat(ctx context.Context, hb heartbeat.Request) (*preview.HeartbeatAck, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/internal/worker/heartbeat", hb)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, sharederrors.TransientIO("send heartbeat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("heartbeat rejected: status=%d body=%s", resp.StatusCode, body)
	}

	var ack preview.HeartbeatAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, sharederrors.TransientIO("decode heartbeat ack", err)
	}
	return &ack, nil
}

// PresignRequest asks for a time-limited GET URL on a storage key.
type PresignRequest struct {
	OSSKey     string `json:"oss_key"`
	Operation  string `json:"operation"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// PresignResponse is the issued URL.
type PresignResponse struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expires_in"`
}

// Presign requests a presigned storage URL from the master.
func (c *Client) Presign(ctx context.Context, key string, ttl time.Duration) (*PresignResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/internal/worker/storage/presign", PresignRequest{
		OSSKey:     key,
		Operation:  "get",
		TTLSeconds: int64(ttl.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, sharederrors.TransientIO("presign storage key", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("presign rejected: status=%d body=%s", resp.StatusCode, body)
	}

	var out PresignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, sharederrors.TransientIO("decode presign response", err)
	}
	return &out, nil
}
