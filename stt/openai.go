package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI transcribes through the hosted Whisper API with bounded retry.
// Transient failures back off exponentially starting at one second; client
// errors (400/401/403) abort immediately.
type OpenAI struct {
	// MaxRetries bounds the retry attempts after the first call. Adjust
	// before the first Transcribe.
	MaxRetries uint64

	client *openai.Client
	model  string
	logger *log.Logger
}

func NewOpenAI(apiKey, model string, logger *log.Logger) *OpenAI {
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAI{
		MaxRetries: 2,
		client:     openai.NewClient(apiKey),
		model:      model,
		logger:     logger,
	}
}

// NewOpenAIWithConfig exists so tests can point the client at a fake server.
func NewOpenAIWithConfig(config openai.ClientConfig, model string, logger *log.Logger) *OpenAI {
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAI{
		MaxRetries: 2,
		client:     openai.NewClientWithConfig(config),
		model:      model,
		logger:     logger,
	}
}

func (o *OpenAI) Transcribe(ctx context.Context, audioPath string, language string) (string, error) {
	req := openai.AudioRequest{
		Model:    o.model,
		FilePath: audioPath,
		Language: language,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second

	var text string
	operation := func() error {
		resp, err := o.client.CreateTranscription(ctx, req)
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				switch apiErr.HTTPStatusCode {
				case 400, 401, 403:
					return backoff.Permanent(fmt.Errorf("%w: %v", ErrNonRetriable, err))
				}
			}
			o.logger.Warn("transcription request failed, will retry", "error", err)
			return err
		}
		text = resp.Text
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, o.MaxRetries), ctx))
	if err != nil {
		return "", err
	}

	return text, nil
}
