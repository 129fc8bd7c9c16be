package ytdlp

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"tubebroker/internal/core/domain"
)

// postProcessors are the line tags yt-dlp prints once the download itself is
// over and local work (merge, remux, fixups) begins.
var postProcessors = []string{
	"[Merger]",
	"[VideoRemuxer]",
	"[VideoConvertor]",
	"[FixupM3u8]",
	"[FixupM4a]",
	"[FixupStretched]",
	"[FixupDuplicateMoov]",
	"[FixupTimestamp]",
	"[FixupDuration]",
	"[ffmpeg]",
}

// lineKind classifies one line of yt-dlp output.
type lineKind int

const (
	lineOther lineKind = iota
	lineProgress
	lineProcessing
)

// formatCount matches the line announcing how many streams will be fetched,
// e.g. "[info] abc: Downloading 2 format(s): 137+140".
var formatCount = regexp.MustCompile(`^\[info\] .*: Downloading (\d+) format\(s\):`)

// lineParser interprets the output of one yt-dlp run. A "finished" status
// fires once per stream, so it only means processing once every announced
// stream has finished; otherwise processing starts with a post-processor line.
type lineParser struct {
	streams  int
	finished int
}

func (lp *lineParser) parse(line string) (lineKind, domain.Progress) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, progressPrefix); ok {
		p, status, ok := parseProgress(rest)
		if !ok {
			return lineOther, domain.Progress{}
		}
		if status == "finished" {
			lp.finished++
			if lp.streams > 0 && lp.finished >= lp.streams {
				return lineProcessing, p
			}
		}
		return lineProgress, p
	}
	if m := formatCount.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			lp.streams = n
		}
		return lineOther, domain.Progress{}
	}
	for _, tag := range postProcessors {
		if strings.HasPrefix(line, tag) {
			return lineProcessing, domain.Progress{}
		}
	}
	return lineOther, domain.Progress{}
}

// parseProgress reads status|downloaded|total|estimate|speed|eta.
func parseProgress(s string) (domain.Progress, string, bool) {
	parts := strings.Split(s, "|")
	if len(parts) != 6 {
		return domain.Progress{}, "", false
	}
	status := parts[0]

	var p domain.Progress
	if v, ok := number(parts[1]); ok {
		p.DownloadedBytes = int64(v)
	}
	total, ok := number(parts[2])
	if !ok {
		total, ok = number(parts[3])
	}
	if ok && total > 0 {
		t := int64(total)
		p.TotalBytes = &t
		p.Percent = math.Round(float64(p.DownloadedBytes)/total*10000) / 100
		p.Percent = min(p.Percent, 100)
	}
	if v, ok := number(parts[4]); ok {
		p.SpeedBps = &v
	}
	if v, ok := number(parts[5]); ok {
		eta := int64(v)
		p.ETASeconds = &eta
	}
	return p, status, true
}

// number parses a template field. yt-dlp prints NA or None for missing values.
func number(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" || s == "None" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
