package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"tubebroker/internal/core/domain"
	"tubebroker/internal/core/ports"
	"tubebroker/internal/logger"
)

const (
	defaultBinary    = "yt-dlp"
	defaultFragments = 8
	maxStderrKeep    = 8192
	eventBuffer      = 16
)

// Config configures the yt-dlp fetcher.
type Config struct {
	Binary    string // path or name on PATH
	Fragments int    // concurrent fragment downloads
}

// Downloader implements ports.Fetcher by running the local yt-dlp binary.
type Downloader struct {
	binaryPath string
	fragments  int
	storage    ports.Storage
	logger     logger.Logger
}

// NewDownloader creates a fetcher writing artifacts where storage says.
func NewDownloader(cfg Config, storage ports.Storage, log logger.Logger) *Downloader {
	binary := cfg.Binary
	if binary == "" {
		binary = defaultBinary
		// Prefer a binary shipped next to the service.
		if _, err := os.Stat("yt-dlp.exe"); err == nil {
			binary = ".\\yt-dlp.exe"
		}
	}
	fragments := cfg.Fragments
	if fragments <= 0 {
		fragments = defaultFragments
	}
	return &Downloader{
		binaryPath: binary,
		fragments:  fragments,
		storage:    storage,
		logger:     log,
	}
}

// Check verifies the binary can be found.
func (d *Downloader) Check() error {
	if _, err := exec.LookPath(d.binaryPath); err != nil {
		return fmt.Errorf("yt-dlp binary %q not found: %w", d.binaryPath, err)
	}
	return nil
}

// Fetch starts yt-dlp and streams its progress. Nothing is started when an
// error is returned.
func (d *Downloader) Fetch(ctx context.Context, req ports.FetchRequest) (<-chan domain.FetchEvent, error) {
	output := d.storage.ArtifactPath(req.Token, req.Format)
	cmd := exec.CommandContext(ctx, d.binaryPath, buildArgs(req, output, d.fragments)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("setup stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyStart(err)
	}
	d.logger.Debug("yt-dlp started",
		logger.String("token", req.Token),
		logger.String("output", output),
	)

	events := make(chan domain.FetchEvent, eventBuffer)
	go d.supervise(cmd, stdout, stderr, output, events)
	return events, nil
}

// supervise drains both pipes, forwards progress and ends the stream with
// exactly one terminal event.
func (d *Downloader) supervise(cmd *exec.Cmd, stdout, stderr io.Reader, output string, events chan<- domain.FetchEvent) {
	defer close(events)

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		errTail strings.Builder
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		var lp lineParser
		scanLines(stdout, func(line string) { forward(&lp, line, events) })
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			errMu.Lock()
			appendLimited(&errTail, line)
			errMu.Unlock()
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		events <- domain.FetchEvent{
			Kind: domain.EventFailed,
			Err:  classifyExit(err, errTail.String()),
		}
		return
	}
	if _, err := os.Stat(output); err != nil {
		events <- domain.FetchEvent{
			Kind: domain.EventFailed,
			Err:  fmt.Errorf("%w: yt-dlp exited cleanly but produced no artifact", domain.ErrFetchFailure),
		}
		return
	}
	events <- domain.FetchEvent{Kind: domain.EventDone, Path: output}
}

func forward(lp *lineParser, line string, events chan<- domain.FetchEvent) {
	switch kind, p := lp.parse(line); kind {
	case lineProgress:
		events <- domain.FetchEvent{Kind: domain.EventProgress, Progress: p}
	case lineProcessing:
		events <- domain.FetchEvent{Kind: domain.EventProcessing, Progress: p}
	}
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string) {
	if b.Len() >= maxStderrKeep {
		return
	}
	toWrite := line + "\n"
	if remain := maxStderrKeep - b.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

func classifyStart(err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: yt-dlp binary not found", domain.ErrFetchFailure)
	}
	return fmt.Errorf("%w: start yt-dlp: %v", domain.ErrFetchFailure, err)
}

// classifyExit turns a non-zero exit into a readable failure.
func classifyExit(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	reason := lastErrorLine(stderr)

	switch {
	case strings.Contains(lower, "requested format is not available"):
		return fmt.Errorf("%w: unsupported format: %s", domain.ErrFetchFailure, reason)
	case containsAny(lower,
		"unable to download", "http error", "timed out", "connection",
		"network is unreachable", "name or service not known", "temporary failure in name resolution"):
		return fmt.Errorf("%w: network failure: %s", domain.ErrFetchFailure, reason)
	case containsAny(lower, "video unavailable", "private video", "sign in to confirm"):
		return fmt.Errorf("%w: video unavailable: %s", domain.ErrFetchFailure, reason)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && !exitErr.Exited() {
		return fmt.Errorf("%w: yt-dlp crashed: %v", domain.ErrFetchFailure, err)
	}
	if reason == "" {
		return fmt.Errorf("%w: yt-dlp failed: %v", domain.ErrFetchFailure, err)
	}
	return fmt.Errorf("%w: %s", domain.ErrFetchFailure, reason)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// lastErrorLine picks the most useful stderr line, preferring ERROR: lines.
func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if msg, ok := strings.CutPrefix(strings.TrimSpace(lines[i]), "ERROR:"); ok {
			return strings.TrimSpace(msg)
		}
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
