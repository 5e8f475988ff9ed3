package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute

	// SecretHeader carries the shared secret on both inbound callbacks and
	// outbound worker notifications.
	SecretHeader = "X-Webhook-Secret"
	// SignatureHeader carries the HMAC of the outbound notification body.
	SignatureHeader = "X-Webhook-Signature"
)

// Notification tells the external worker that an object is uploaded and
// ready for processing, and where to call back.
type Notification struct {
	JobID       string `json:"jobId"`
	Key         string `json:"key"`
	FileName    string `json:"fileName"`
	FileType    string `json:"fileType"`
	CallbackURL string `json:"callbackUrl"`
}

// Notifier dispatches signed notifications to the processing worker.
type Notifier struct {
	secret string
}

func NewNotifier(secret string) *Notifier {
	return &Notifier{secret: secret}
}

// Send dispatches n to workerURL asynchronously. 8 retries max with
// full-jitter exponential backoff (cap 5 min), 30s timeout per request.
// ctx should survive the originating request but stop on server shutdown.
func (no *Notifier) Send(ctx context.Context, workerURL string, n Notification) {
	if err := validateURL(workerURL); err != nil {
		slog.Warn("notify: rejected worker URL", "url", workerURL, "error", err)
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		slog.Error("notify: marshal notification", "job_id", n.JobID, "error", err)
		return
	}
	go no.send(ctx, workerURL, payload)
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (no *Notifier) send(ctx context.Context, workerURL string, payload []byte) {
	client := &http.Client{Timeout: 30 * time.Second}

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := no.post(ctx, client, workerURL, payload)
		if err == nil {
			return
		}
		slog.Warn("notify attempt failed", "attempt", attempt, "url", workerURL, "error", err)
		if attempt < retryAttempts {
			time.Sleep(jitter(attempt))
		}
	}
	slog.Error("notify: all retries exhausted", "url", workerURL)
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
// Full jitter prevents synchronized retries when multiple notifications fail at once.
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt) // base * 2^attempt
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (no *Notifier) post(ctx context.Context, client *http.Client, workerURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, no.secret)
	req.Header.Set(SignatureHeader, no.signBody(payload))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

func (no *Notifier) signBody(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(no.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
