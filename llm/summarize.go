package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"scribe.town/db"
)

// SummarizeTranscript asks the chat model for a short synopsis of one
// recording's finished transcript.
func SummarizeTranscript(ctx context.Context, openaiAPIKey, recordingID string, store *db.DB) (string, error) {
	transcript, err := store.GetTranscript(recordingID)
	if err != nil {
		return "", fmt.Errorf("get transcript: %w", err)
	}

	if transcript.Status != db.StatusCompleted {
		return "", fmt.Errorf("transcript for %s is %s, not completed", recordingID, transcript.Status)
	}

	if transcript.Text == "" {
		return "No transcript text to summarize", nil
	}

	client := openai.NewClient(openaiAPIKey)

	req := openai.ChatCompletionRequest{
		Model:     openai.GPT4o,
		MaxTokens: 500,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "Summarize the following audio transcript as a narrative synopsis. " +
					"Write punchy single sentence paragraphs. " +
					"Emphasize key words and salient concepts with CAPS. " +
					"Keep it real, authentic, and not too long.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: transcript.Text,
			},
		},
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	return resp.Choices[0].Message.Content, nil
}
