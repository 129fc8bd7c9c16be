package ports

import (
	"context"
	"io"
	"time"

	"tubebroker/internal/core/domain"
)

// FetchRequest is everything a fetcher needs to produce one artifact.
type FetchRequest struct {
	Token        string
	VideoID      string
	Format       domain.Format
	MaxHeight    int
	AudioBitrate int
}

// Fetcher defines the contract for the external media retrieval engine.
type Fetcher interface {
	// Fetch starts retrieval and returns a stream of events.
	// The stream ends with one EventDone or EventFailed, then is closed.
	// A non-nil error means nothing was started.
	Fetch(ctx context.Context, req FetchRequest) (<-chan domain.FetchEvent, error)
}

// Artifact is an opened finished file.
type Artifact struct {
	Content io.ReadSeekCloser
	Name    string
	Size    int64
	ModTime time.Time
}

// Storage defines the contract for artifact files on disk.
type Storage interface {
	// ArtifactPath returns where the artifact for a token is written.
	ArtifactPath(token string, format domain.Format) string

	// Open opens a finished artifact for reading.
	Open(path string) (*Artifact, error)

	// Delete removes one artifact. A missing file is not an error.
	Delete(path string) error

	// PurgeToken removes every file belonging to a token, including partials.
	PurgeToken(token string) (int, error)
}

// QuotaStore holds per-IP daily counters.
type QuotaStore interface {
	// Admit increments the counter for (ip, day) if it is below limit.
	// It must be atomic with respect to concurrent calls.
	Admit(ctx context.Context, ip, day string, limit int) (bool, error)

	// Prune drops counters of days other than current.
	Prune(ctx context.Context, current string) error
}
