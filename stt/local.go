package stt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

// Local runs a whisper-style command line engine on the host. The command is
// expected to accept --model/--language/--output_format/--output_dir flags
// (openai-whisper and whisper-ctranslate2 both do).
type Local struct {
	Command string // defaults to "whisper"
	Model   string
	Logger  *log.Logger
}

func NewLocal(model string, logger *log.Logger) *Local {
	if model == "" {
		model = "base"
	}
	return &Local{Command: "whisper", Model: model, Logger: logger}
}

func (l *Local) Transcribe(ctx context.Context, audioPath string, language string) (string, error) {
	command := l.Command
	if command == "" {
		command = "whisper"
	}

	outDir, err := os.MkdirTemp("", "scribe-local-*")
	if err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	args := []string{
		audioPath,
		"--model", l.Model,
		"--output_format", "txt",
		"--output_dir", outDir,
		"--fp16", "False",
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	l.Logger.Debug("running local engine", "command", command, "audio", audioPath)

	// CommandContext kills the engine process when the invoker's deadline
	// expires, which is as close to cooperative cancellation as a CLI engine
	// gets.
	cmd := exec.CommandContext(ctx, command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("local engine failed: %w\n%s", err, string(out))
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	text, err := os.ReadFile(filepath.Join(outDir, base+".txt"))
	if err != nil {
		return "", fmt.Errorf("read engine output: %w", err)
	}

	return strings.TrimSpace(string(text)), nil
}
