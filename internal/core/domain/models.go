package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// State is the lifecycle stage of a job.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateProcessing  State = "processing"
	StateDone        State = "done"
	StateError       State = "error"
	StateExpired     State = "expired"
)

// rank orders states for forward-only progression.
var rank = map[State]int{
	StateQueued:      0,
	StateDownloading: 1,
	StateProcessing:  2,
	StateDone:        3,
	StateError:       3,
	StateExpired:     4,
}

// IsActive reports whether a worker currently owns the job.
func (s State) IsActive() bool {
	return s == StateDownloading || s == StateProcessing
}

// IsTerminal reports whether the fetch finished, successfully or not.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateError
}

// CanTransition reports whether moving from s to next is allowed.
// Any non-terminal state may fail; only done may expire.
func (s State) CanTransition(next State) bool {
	switch {
	case next == StateError:
		return !s.IsTerminal() && s != StateExpired
	case next == StateExpired:
		return s == StateDone
	case s.IsTerminal() || s == StateExpired:
		return false
	case s == StateQueued:
		return next == StateDownloading
	default:
		return rank[next] > rank[s]
	}
}

// Format is the output container.
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatWEBM Format = "webm"
)

// DefaultAudioBitrate is used when the request does not name one.
const DefaultAudioBitrate = 192

// ParseFormat normalizes a format name; empty means mp4.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "mp4":
		return FormatMP4, nil
	case "webm":
		return FormatWEBM, nil
	default:
		return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, raw)
	}
}

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RequestSpec describes what to fetch.
type RequestSpec struct {
	VideoID      string `json:"video_id"`
	Format       Format `json:"format"`
	MaxHeight    int    `json:"max_height,omitempty"` // 0 means no cap
	AudioBitrate int    `json:"audio_bitrate"`
}

// Validate rejects malformed specs and fills defaults.
func (r *RequestSpec) Validate() error {
	r.VideoID = strings.TrimSpace(r.VideoID)
	if r.VideoID == "" {
		return fmt.Errorf("%w: missing video id", ErrInvalidInput)
	}
	if !videoIDPattern.MatchString(r.VideoID) {
		return fmt.Errorf("%w: malformed video id %q", ErrInvalidInput, r.VideoID)
	}
	format, err := ParseFormat(string(r.Format))
	if err != nil {
		return err
	}
	r.Format = format
	if r.MaxHeight < 0 {
		return fmt.Errorf("%w: max height must not be negative", ErrInvalidInput)
	}
	if r.AudioBitrate == 0 {
		r.AudioBitrate = DefaultAudioBitrate
	}
	if r.AudioBitrate < 0 {
		return fmt.Errorf("%w: audio bitrate must be positive", ErrInvalidInput)
	}
	return nil
}

// Progress is the transfer state reported by the fetcher.
type Progress struct {
	Percent         float64  `json:"percent"`
	SpeedBps        *float64 `json:"speed_bps"`
	ETASeconds      *int64   `json:"eta_seconds"`
	DownloadedBytes int64    `json:"downloaded_bytes"`
	TotalBytes      *int64   `json:"total_bytes"`
}

// JobRecord is one job under one token.
type JobRecord struct {
	Token        string      `json:"token"`
	OwnerIP      string      `json:"-"`
	Spec         RequestSpec `json:"spec"`
	State        State       `json:"status"`
	Progress     Progress    `json:"progress"`
	ErrorDetail  string      `json:"error,omitempty"`
	ArtifactPath string      `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    time.Time   `json:"started_at,omitzero"`
	CompletedAt  time.Time   `json:"completed_at,omitzero"`
}

// Projection is what a poller sees.
type Projection struct {
	Token           string   `json:"token"`
	Status          State    `json:"status"`
	Percent         float64  `json:"percent"`
	SpeedBps        *float64 `json:"speed_bps"`
	ETASeconds      *int64   `json:"eta_seconds"`
	DownloadedBytes int64    `json:"downloaded_bytes"`
	TotalBytes      *int64   `json:"total_bytes"`
	Format          Format   `json:"format"`
	Elapsed         float64  `json:"elapsed"`
	Ready           bool     `json:"ready"`
	Error           *string  `json:"error"`
}

// Project builds the poll view of a record at time now.
func (j JobRecord) Project(now time.Time) Projection {
	p := Projection{
		Token:           j.Token,
		Status:          j.State,
		Percent:         j.Progress.Percent,
		SpeedBps:        j.Progress.SpeedBps,
		ETASeconds:      j.Progress.ETASeconds,
		DownloadedBytes: j.Progress.DownloadedBytes,
		TotalBytes:      j.Progress.TotalBytes,
		Format:          j.Spec.Format,
		Ready:           j.State == StateDone,
	}
	elapsed := now.Sub(j.CreatedAt).Seconds()
	p.Elapsed = float64(int64(elapsed*100+0.5)) / 100
	if j.ErrorDetail != "" {
		detail := j.ErrorDetail
		p.Error = &detail
	}
	return p
}
