package ytdlp

import (
	"fmt"
	"strconv"

	"tubebroker/internal/core/domain"
	"tubebroker/internal/core/ports"
)

const (
	watchURL = "https://www.youtube.com/watch?v="

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// progressPrefix marks lines produced by progressTemplate.
	progressPrefix   = "tb|"
	progressTemplate = progressPrefix +
		"%(progress.status)s|%(progress.downloaded_bytes)s|%(progress.total_bytes)s|" +
		"%(progress.total_bytes_estimate)s|%(progress.speed)s|%(progress.eta)s"
)

// streamExts maps a container to its video and audio stream extensions.
func streamExts(f domain.Format) (video, audio string) {
	if f == domain.FormatWEBM {
		return "webm", "webm"
	}
	return "mp4", "m4a"
}

// buildFormat returns the yt-dlp format selector. A zero maxHeight leaves the
// video height unbounded.
func buildFormat(f domain.Format, maxHeight, audioBitrate int) string {
	videoExt, audioExt := streamExts(f)
	video := fmt.Sprintf("bestvideo[ext=%s]", videoExt)
	if maxHeight > 0 {
		video += fmt.Sprintf("[height<=%d]", maxHeight)
	}
	audio := fmt.Sprintf("bestaudio[ext=%s][abr<=%d]", audioExt, audioBitrate)
	return video + "+" + audio + "/best"
}

// buildArgs assembles the full yt-dlp command line for one job.
func buildArgs(req ports.FetchRequest, output string, fragments int) []string {
	return []string{
		"-f", buildFormat(req.Format, req.MaxHeight, req.AudioBitrate),
		"-o", output,
		"--merge-output-format", string(req.Format),
		"--concurrent-fragments", strconv.Itoa(fragments),
		"--retries", "10",
		"--fragment-retries", "10",
		"--no-warnings",
		"--no-playlist",
		"--newline",
		"--progress-template", "download:" + progressTemplate,
		"--add-header", "User-Agent:" + userAgent,
		"--add-header", "Accept:text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"--add-header", "Accept-Language:en-us,en;q=0.5",
		"--add-header", "Sec-Fetch-Mode:navigate",
		"--extractor-args", "youtube:player_client=android,web;player_skip=webpage,configs",
		watchURL + req.VideoID,
	}
}
