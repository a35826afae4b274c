// Package assemble merges completed chunk texts into one transcript,
// trimming the words duplicated by the overlap windows, and derives the
// recording-level progress and status from the chunk states.
package assemble

import (
	"math"
	"strings"

	"scribe.town/db"
)

// Speech runs about 2.5 words per second; used to size the overlap search.
const wordsPerSecond = 2.5

// minWordsForTrim is the floor below which texts are too short to trim safely.
const minWordsForTrim = 5

// partialMatchRate is the token match rate that qualifies an inexact overlap.
const partialMatchRate = 0.7

// RemoveOverlap drops the leading words of current that duplicate the trailing
// words of previous, where the duplication is expected to span overlapSeconds
// of speech. It is a greedy longest-acceptable-overlap heuristic: removing
// duplication wins over preserving borderline content.
func RemoveOverlap(previous, current string, overlapSeconds float64) string {
	if previous == "" || current == "" || overlapSeconds <= 0 {
		return current
	}

	prevWords := strings.Fields(previous)
	currWords := strings.Fields(current)

	if len(prevWords) < minWordsForTrim || len(currWords) < minWordsForTrim {
		return current
	}

	estimated := int(math.Round(overlapSeconds * wordsPerSecond))
	if estimated <= 0 {
		return current
	}

	maxCheck := estimated + 5
	if half := len(prevWords) / 2; half < maxCheck {
		maxCheck = half
	}
	if half := len(currWords) / 2; half < maxCheck {
		maxCheck = half
	}

	bestMatch := 0
	for i := 1; i <= maxCheck; i++ {
		prevSuffix := prevWords[len(prevWords)-i:]
		currPrefix := currWords[:i]

		if wordsEqual(prevSuffix, currPrefix) {
			bestMatch = i
		} else if matchRate(prevSuffix, currPrefix) >= partialMatchRate {
			bestMatch = i
		}
	}

	if bestMatch > 0 {
		return strings.TrimSpace(strings.Join(currWords[bestMatch:], " "))
	}

	return current
}

func wordsEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func matchRate(a, b []string) float64 {
	matches := 0
	for i := range a {
		if strings.EqualFold(a[i], b[i]) {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// Merge joins the completed chunks' texts in index order, trimming each
// boundary overlap against the previous chunk's raw text. The scan walks ALL
// indices in order and stops at the first chunk that has not completed yet:
// a chunk finishing ahead of an earlier still-pending index stays out of the
// merge until the gap fills, so partial output is always a stable
// prefix-ordered transcript.
func Merge(chunks []db.Chunk) string {
	var parts []string

	for i, chunk := range chunks {
		if chunk.Status != db.StatusCompleted {
			break
		}
		if chunk.Text == "" {
			continue
		}

		text := strings.TrimSpace(chunk.Text)

		if len(parts) > 0 && i > 0 {
			prev := chunks[i-1]
			if prev.Text != "" {
				overlap := prev.EndTime - chunk.StartTime
				if overlap > 0 {
					text = RemoveOverlap(prev.Text, text, overlap)
				}
			}
		}

		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " ")
}

// Progress derives the transcript-level progress percentage and status from
// the chunk state counts. segmentationDone guards against declaring
// completion while the segmenter may still be producing chunks.
func Progress(counts db.StatusCounts, segmentationDone bool) (int, string) {
	if counts.Total == 0 {
		return 0, db.StatusPending
	}

	progress := counts.Completed * 100 / counts.Total

	switch {
	case counts.Failed == counts.Total:
		return progress, db.StatusFailed
	case counts.Terminal() == counts.Total && segmentationDone:
		// At least one chunk succeeded and nothing is outstanding. Failed
		// chunks cap the progress below 100 but the recording is done.
		return progress, db.StatusCompleted
	case counts.Processing > 0 || counts.Completed > 0 || counts.Failed > 0:
		return progress, db.StatusProcessing
	default:
		return progress, db.StatusPending
	}
}
