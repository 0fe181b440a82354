package api

import (
	"fmt"
	"strings"

	"github.com/dalston-ai/dalston/pkg/models"
)

// formatSRT renders a transcript as SubRip subtitles.
func formatSRT(t *models.Transcript) string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1,
			formatTimestamp(seg.Start, ","),
			formatTimestamp(seg.End, ","),
			segmentText(seg))
	}
	return b.String()
}

// formatVTT renders a transcript as WebVTT.
func formatVTT(t *models.Transcript) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			formatTimestamp(seg.Start, "."),
			formatTimestamp(seg.End, "."),
			segmentText(seg))
	}
	return b.String()
}

// formatTXT renders the plain transcript text, one segment per line.
func formatTXT(t *models.Transcript) string {
	if len(t.Segments) == 0 {
		return t.Text
	}
	var b strings.Builder
	for _, seg := range t.Segments {
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// segmentText prefixes the speaker label when diarization produced one.
func segmentText(seg models.Segment) string {
	text := strings.TrimSpace(seg.Text)
	if seg.Speaker != "" {
		return seg.Speaker + ": " + text
	}
	return text
}

// formatTimestamp renders seconds as HH:MM:SS<sep>mmm.
func formatTimestamp(seconds float64, msSep string) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int(seconds*1000 + 0.5)
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, msSep, ms%1000)
}
