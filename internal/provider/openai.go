package provider

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"github.com/zairovarsen/telegram-bot/internal/config"
)

// OpenAI adapts the OpenAI API to the Operation interface.
type OpenAI struct {
	client *openai.Client
	cfg    config.OpenAIConfig
}

// NewOpenAI creates an OpenAI-backed provider.
func NewOpenAI(cfg config.OpenAIConfig) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(cfg.APIKey),
		cfg:    cfg,
	}
}

// Completion returns an operation answering a text prompt. The debited
// cost is the provider-reported total token usage.
func (o *OpenAI) Completion(prompt string) Operation {
	return func(ctx context.Context) (*Result, error) {
		resp, err := o.client.CreateChatCompletion(
			ctx,
			openai.ChatCompletionRequest{
				Model: o.cfg.CompletionModel,
				Messages: []openai.ChatCompletionMessage{
					{
						Role:    openai.ChatMessageRoleUser,
						Content: prompt,
					},
				},
			},
		)
		if err != nil {
			return nil, fmt.Errorf("chat completion failed: %w", err)
		}

		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("chat completion returned no choices")
		}

		return &Result{
			Content:    resp.Choices[0].Message.Content,
			ActualCost: int64(resp.Usage.TotalTokens),
		}, nil
	}
}

// Transcription returns an operation transcribing a voice note.
// Whisper does not report token usage, so ActualCost stays zero and
// the duration-based estimate is debited.
func (o *OpenAI) Transcription(audio io.Reader, filename string) Operation {
	return func(ctx context.Context) (*Result, error) {
		resp, err := o.client.CreateTranscription(
			ctx,
			openai.AudioRequest{
				Model:    o.cfg.TranscriptionModel,
				Reader:   audio,
				FilePath: filename,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("transcription failed: %w", err)
		}

		return &Result{Content: resp.Text}, nil
	}
}

// ImageGeneration returns an operation generating one image from a
// prompt. Image operations cost a fixed number of credits, so no
// actual cost is reported.
func (o *OpenAI) ImageGeneration(prompt string) Operation {
	return func(ctx context.Context) (*Result, error) {
		resp, err := o.client.CreateImage(
			ctx,
			openai.ImageRequest{
				Prompt:         prompt,
				Size:           o.cfg.ImageSize,
				N:              1,
				ResponseFormat: openai.CreateImageResponseFormatURL,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("image generation failed: %w", err)
		}

		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("image generation returned no data")
		}

		return &Result{Content: resp.Data[0].URL}, nil
	}
}
