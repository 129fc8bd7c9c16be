package domain

// EventKind tags a FetchEvent.
type EventKind int

const (
	// EventProgress carries a transfer update.
	EventProgress EventKind = iota
	// EventProcessing signals that all streams are fetched and muxing started.
	EventProcessing
	// EventDone carries the final artifact path.
	EventDone
	// EventFailed carries the failure.
	EventFailed
)

// FetchEvent is one item of a fetcher's event stream.
// The stream ends with exactly one EventDone or EventFailed and is then closed.
type FetchEvent struct {
	Kind     EventKind
	Progress Progress
	Path     string
	Err      error
}
