package segment

import (
	"context"
	"fmt"
	"path/filepath"
)

// ChunkDir is the per-recording directory that holds extracted chunk files,
// alongside the source audio.
func ChunkDir(recordingPath string) string {
	return filepath.Join(filepath.Dir(recordingPath), "chunks")
}

// ChunkFileName encodes the index and time bounds so chunk files are easy to
// inspect by hand.
func ChunkFileName(index int, w Window) string {
	return fmt.Sprintf("chunk_%03d_%.1fs-%.1fs.wav", index, w.Start, w.End)
}

// Extract re-encodes one window of the source audio into dst as 16 kHz mono
// WAV, the format the transcription engines expect.
func Extract(ctx context.Context, src, dst string, w Window) error {
	return extract(ctx, osCommandRunner{}, src, dst, w)
}

func extract(ctx context.Context, cmd commandRunner, src, dst string, w Window) error {
	out, err := cmd.CombinedOutput(ctx, "ffmpeg", []string{
		"-y",
		"-i", src,
		"-ss", fmt.Sprintf("%.3f", w.Start),
		"-to", fmt.Sprintf("%.3f", w.End),
		"-ac", "1", "-ar", "16000",
		"-f", "wav",
		dst,
	})
	if err != nil {
		return fmt.Errorf("extract %.1fs-%.1fs from %s: %w\n%s",
			w.Start, w.End, src, err, string(out))
	}
	return nil
}
