// Package upload validates upload requests and opens the job lifecycle:
// it mints a presigned write URL and records the job in pending state.
package upload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uploadgate/uploadgate/internal/job"
	"github.com/uploadgate/uploadgate/internal/storage"
)

// ValidationError describes a rejected upload request. No job is created
// when initiation fails with one of these.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// allowedTypes maps a file extension to the MIME types accepted for it.
// "audio/*" and "video/*" entries match any subtype.
var allowedTypes = map[string][]string{
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".png":  {"image/png"},
	".gif":  {"image/gif"},
	".webp": {"image/webp"},
	".svg":  {"image/svg+xml"},
	".pdf":  {"application/pdf"},
	".txt":  {"text/plain"},
	".md":   {"text/plain", "text/markdown"},
	".csv":  {"text/csv"},
	".doc":  {"application/msword"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".xls":  {"application/vnd.ms-excel"},
	".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	".mp3":  {"audio/*"},
	".wav":  {"audio/*"},
	".ogg":  {"audio/*"},
	".mp4":  {"video/*"},
	".mov":  {"video/*"},
	".webm": {"video/*", "audio/*"},
}

const maxFileNameLen = 100

// InitRequest is the client's proposed upload.
type InitRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
}

// InitResponse carries everything the client needs to perform the upload
// and follow the job to completion.
type InitResponse struct {
	UploadURL string `json:"uploadUrl"`
	WorkerURL string `json:"workerUrl"`
	JobID     string `json:"jobId"`
	Key       string `json:"key"`
	PublicURL string `json:"publicUrl"`
	ExpiresIn int64  `json:"expiresIn"`
}

// ObjectSigner is the slice of the storage backend the initiator needs.
type ObjectSigner interface {
	PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error)
	PublicURL(key string) string
}

// Initiator validates proposed uploads and creates pending jobs.
type Initiator struct {
	store      job.Store
	signer     ObjectSigner
	workerURL  string
	maxSize    int64
	presignTTL time.Duration
}

func NewInitiator(store job.Store, signer ObjectSigner, workerURL string, maxSize int64, presignTTL time.Duration) *Initiator {
	return &Initiator{
		store:      store,
		signer:     signer,
		workerURL:  workerURL,
		maxSize:    maxSize,
		presignTTL: presignTTL,
	}
}

// Initiate validates req, mints a presigned write URL and records the job
// in pending state. owner is the authenticated caller identity.
func (in *Initiator) Initiate(ctx context.Context, owner string, req InitRequest) (*InitResponse, error) {
	if err := in.validate(req); err != nil {
		return nil, err
	}

	name := SanitizeFileName(req.FileName)
	id := uuid.New().String()
	key := storage.ObjectKey(id, name)

	uploadURL, err := in.signer.PresignUpload(ctx, key, in.presignTTL)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:       id,
		FileName: name,
		FileSize: req.FileSize,
		FileType: req.FileType,
		Status:   job.StatusPending,
		Metadata: map[string]string{
			job.MetaOwner:        owner,
			job.MetaStorageKey:   key,
			job.MetaOriginalName: req.FileName,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	return &InitResponse{
		UploadURL: uploadURL,
		WorkerURL: in.workerURL,
		JobID:     id,
		Key:       key,
		PublicURL: in.signer.PublicURL(key),
		ExpiresIn: int64(in.presignTTL.Seconds()),
	}, nil
}

func (in *Initiator) validate(req InitRequest) error {
	if req.FileName == "" || req.FileType == "" {
		return &ValidationError{Reason: "fileName and fileType are required"}
	}
	if req.FileSize <= 0 {
		return &ValidationError{Reason: "fileSize must be greater than zero"}
	}
	if req.FileSize > in.maxSize {
		return &ValidationError{Reason: fmt.Sprintf("fileSize exceeds the %d byte limit", in.maxSize)}
	}

	ext := strings.ToLower(filepath.Ext(req.FileName))
	mimes, ok := allowedTypes[ext]
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("unsupported file extension %q", ext)}
	}
	if !mimeAllowed(req.FileType, mimes) {
		return &ValidationError{Reason: fmt.Sprintf("file type %q does not match extension %q", req.FileType, ext)}
	}
	return nil
}

func mimeAllowed(fileType string, mimes []string) bool {
	fileType = strings.ToLower(fileType)
	for _, m := range mimes {
		if m == fileType {
			return true
		}
		if prefix, ok := strings.CutSuffix(m, "/*"); ok && strings.HasPrefix(fileType, prefix+"/") {
			return true
		}
	}
	return false
}

// SanitizeFileName strips path separators and control characters, collapses
// repeated dots and caps the length, so the name is safe as an object key
// segment. An empty result falls back to "file".
func SanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			continue
		case r < 0x20 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
	}

	s := b.String()
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.Trim(s, ". ")

	if len(s) > maxFileNameLen {
		// Keep the extension when truncating.
		ext := filepath.Ext(s)
		if len(ext) < maxFileNameLen {
			s = s[:maxFileNameLen-len(ext)] + ext
		} else {
			s = s[:maxFileNameLen]
		}
	}
	if s == "" {
		return "file"
	}
	return s
}
