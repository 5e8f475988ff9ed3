// Package webhook implements both sides of the worker callback contract:
// the receiver that authenticates inbound callbacks and drives job state
// transitions, and the notifier that dispatches signed requests to the
// external processing worker.
package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uploadgate/uploadgate/internal/job"
)

// AuthError is any failure of the three authentication layers. Always 401.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

// ValidationError is a malformed payload. Always 400, never mutates state.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Payload is the inbound callback body.
type Payload struct {
	JobID     string          `json:"jobId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *string         `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// Receiver authenticates worker callbacks and applies the resulting state
// transition to the job store.
type Receiver struct {
	store         job.Store
	secret        string
	allowedIPs    []string
	allowUnsigned bool
}

func NewReceiver(store job.Store, secret string, allowedIPs []string, allowUnsigned bool) *Receiver {
	return &Receiver{
		store:         store,
		secret:        secret,
		allowedIPs:    allowedIPs,
		allowUnsigned: allowUnsigned,
	}
}

// Authenticate runs the source gates that do not need the body: the IP
// allow-list and the shared secret header. Called before the payload is
// read so a rejected caller never reaches parsing or state mutation.
func (r *Receiver) Authenticate(remoteIP, providedSecret string) error {
	if !r.ipAllowed(remoteIP) {
		return &AuthError{Reason: fmt.Sprintf("source IP %s not allowed", remoteIP)}
	}
	if providedSecret == "" {
		return &AuthError{Reason: "missing webhook secret header"}
	}
	if subtle.ConstantTimeCompare([]byte(providedSecret), []byte(r.secret)) != 1 {
		return &AuthError{Reason: "invalid webhook secret"}
	}
	return nil
}

// Process validates body, verifies its signature and applies the update.
// It never creates a job: an unknown id surfaces job.ErrNotFound, and a
// stale or regressing transition surfaces job.ErrConflict, with the stored
// record unchanged in both cases.
func (r *Receiver) Process(ctx context.Context, body []byte) (*job.Job, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, &ValidationError{Reason: "invalid JSON payload"}
	}

	if _, err := uuid.Parse(p.JobID); err != nil {
		return nil, &ValidationError{Reason: "jobId must be a valid uuid"}
	}
	status := job.Status(p.Status)
	if !status.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}
	if len(p.Result) > 0 && !looksLikeObjectOrNull(p.Result) {
		return nil, &ValidationError{Reason: "result must be an object or null"}
	}
	if p.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
			return nil, &ValidationError{Reason: "timestamp must be RFC 3339"}
		}
	} else {
		p.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if err := r.verify(&p); err != nil {
		return nil, err
	}

	updated, err := r.store.Apply(ctx, p.JobID, job.Update{
		Status: status,
		Result: collapseNull(p.Result),
		Error:  collapseEmptyError(p.Error),
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// verify checks the body-level HMAC signature. Signatures are mandatory
// unless the transitional allow-unsigned flag is set, in which case a
// missing one is only logged; an invalid one is always fatal.
func (r *Receiver) verify(p *Payload) error {
	if p.Signature == "" {
		if r.allowUnsigned {
			slog.Warn("webhook: unsigned callback accepted", "job_id", p.JobID)
			return nil
		}
		return &AuthError{Reason: "missing payload signature"}
	}
	if len(p.Signature) < 64 {
		return &AuthError{Reason: "malformed payload signature"}
	}
	if !VerifySignature(r.secret, p.JobID, p.Status, p.Result, p.Error, p.Timestamp, p.Signature) {
		return &AuthError{Reason: "invalid payload signature"}
	}
	return nil
}

// ipAllowed matches remoteIP against the allow-list. Entries may use "*"
// for whole segments ("10.0.*.*"). An empty list admits everything, the
// development default.
func (r *Receiver) ipAllowed(remoteIP string) bool {
	if len(r.allowedIPs) == 0 {
		return true
	}
	for _, pattern := range r.allowedIPs {
		if matchIP(pattern, remoteIP) {
			return true
		}
	}
	return false
}

func matchIP(pattern, ip string) bool {
	if pattern == ip {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	ps := strings.Split(pattern, ".")
	is := strings.Split(ip, ".")
	if len(ps) != len(is) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != is[i] {
			return false
		}
	}
	return true
}

// collapseNull treats a literal JSON null the same as an absent result.
func collapseNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// collapseEmptyError drops empty error strings so they never overwrite state.
func collapseEmptyError(e *string) *string {
	if e == nil || *e == "" {
		return nil
	}
	return e
}

func looksLikeObjectOrNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	return trimmed[0] == '{' || string(trimmed) == "null"
}
