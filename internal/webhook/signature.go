package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalPayload fixes the field order the worker and this service agree
// to sign: {jobId, status, result, error, timestamp}. Absent fields are
// serialised as null so both sides produce identical bytes.
type canonicalPayload struct {
	JobID     string          `json:"jobId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
	Error     *string         `json:"error"`
	Timestamp string          `json:"timestamp"`
}

// Sign computes the hex HMAC-SHA256 of the canonical JSON keyed by secret.
func Sign(secret, jobID, status string, result json.RawMessage, errMsg *string, timestamp string) string {
	payload, _ := json.Marshal(canonicalPayload{
		JobID:     jobID,
		Status:    status,
		Result:    result,
		Error:     errMsg,
		Timestamp: timestamp,
	})
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature in constant time.
func VerifySignature(secret, jobID, status string, result json.RawMessage, errMsg *string, timestamp, signature string) bool {
	expected := Sign(secret, jobID, status, result, errMsg, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
