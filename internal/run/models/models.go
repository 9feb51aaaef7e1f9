// Package models defines the run-side domain types.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RunStatus is the lifecycle state of a run. Transitions are one-way:
// running -> succeeded | failed.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the status is a terminal state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// DeliveryMode controls how a message is handed to an in-flight agent turn.
type DeliveryMode string

const (
	// DeliverySteer interrupts the current turn with a replacing message.
	DeliverySteer DeliveryMode = "steer"
	// DeliveryFollowUp queues the message behind the current turn.
	DeliveryFollowUp DeliveryMode = "followUp"
)

// Valid reports whether the delivery mode is one of the known values.
func (m DeliveryMode) Valid() bool {
	return m == DeliverySteer || m == DeliveryFollowUp
}

// Run is one ingested user message accepted for execution.
type Run struct {
	ID           string       `db:"run_id" json:"run_id"`
	Source       string       `db:"source" json:"source"`
	ThreadKey    string       `db:"thread_key" json:"thread_key"`
	UserKey      string       `db:"user_key" json:"user_key,omitempty"`
	DeliveryMode DeliveryMode `db:"delivery_mode" json:"delivery_mode"`
	InputText    string       `db:"input_text" json:"input_text"`
	Status       RunStatus    `db:"status" json:"status"`
	Output       *RunOutput   `db:"-" json:"output,omitempty"`
	ErrorMessage string       `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// RunOutput is the terminal payload of a succeeded run.
type RunOutput struct {
	Type         string       `json:"type"` // currently always "message"
	Text         string       `json:"text"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	DeliveryMode DeliveryMode `json:"delivery_mode,omitempty"`
}

// IngestImage is an image attached to an ingest request.
type IngestImage struct {
	MIME     string
	Filename string
	Bytes    []byte
}

// IngestRequest is the inbound contract of the run service.
type IngestRequest struct {
	Source         string
	ThreadKey      string
	UserKey        string
	Text           string
	DeliveryMode   DeliveryMode
	IdempotencyKey string
	Images         []IngestImage
}

// IngestResult is the outcome of an ingest: the accepted (or previously
// accepted) run and whether the request was deduplicated.
type IngestResult struct {
	Run          *Run
	Deduplicated bool
}

// ThreadSession is the persistent link from a thread key to its agent
// session. One per thread; destroyed by "reset session" and recreated
// lazily on the next ingest.
type ThreadSession struct {
	ThreadKey       string    `db:"thread_key"`
	SessionID       string    `db:"session_id"`
	SessionFilePath string    `db:"session_file_path"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// InputImage is a stored image scoped to a run, or to the pre-run pending
// buffer while no run has claimed it yet (RunID empty).
type InputImage struct {
	ID        string    `db:"image_id"`
	RunID     string    `db:"run_id"` // empty while pending
	Source    string    `db:"source"`
	ThreadKey string    `db:"thread_key"`
	MIME      string    `db:"mime"`
	Filename  string    `db:"filename"`
	Position  int       `db:"position"`
	Bytes     []byte    `db:"content"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

// InputImageTTL is how long input images are retained before opportunistic
// purging removes them.
const InputImageTTL = 72 * time.Hour

// HashIngestPayload computes the canonical payload hash used to verify that
// a re-sent idempotency key carries the same request. The hash covers the
// thread key, text, delivery mode, and for each image its MIME type,
// filename, and content digest.
func HashIngestPayload(req *IngestRequest) string {
	h := sha256.New()
	h.Write([]byte(req.ThreadKey))
	h.Write([]byte{0})
	h.Write([]byte(req.Text))
	h.Write([]byte{0})
	h.Write([]byte(req.DeliveryMode))
	for _, img := range req.Images {
		content := sha256.Sum256(img.Bytes)
		h.Write([]byte{0})
		h.Write([]byte(img.MIME))
		h.Write([]byte{0})
		h.Write([]byte(img.Filename))
		h.Write([]byte{0})
		h.Write(content[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
