package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/proctor/internal/llm/prompts"
	"github.com/pavelanni/proctor/internal/model"
	"github.com/pavelanni/proctor/internal/scoring"
)

// ErrNotFreeResponse is returned when a suggestion is asked for an objective answer.
var ErrNotFreeResponse = errors.New("suggestions are only available for free-response answers")

// Suggestion is the model's advisory score for one free-response answer.
// It is never applied to a record automatically.
type Suggestion struct {
	QuestionID string `json:"question_id"`
	Score      int    `json:"score"`
	MaxPoints  int    `json:"max_points"`
	Feedback   string `json:"feedback"`
}

type suggestionResponse struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
}

// New creates a new LLM client. An empty variant selects the standard prompt.
func New(baseURL, apiKey, modelName string, variant prompts.PromptVariant) (*Client, error) {
	if variant == "" {
		variant = prompts.PromptStandard
	}
	if !prompts.IsValidVariant(string(variant)) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	if err := prompts.Load(); err != nil {
		return nil, err
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
	}, nil
}

// SuggestScore asks the model to grade a free-response answer of a record.
func (c *Client) SuggestScore(ctx context.Context, answer model.Answer) (*Suggestion, error) {
	if answer.Type != model.QuestionFree {
		return nil, ErrNotFreeResponse
	}
	prompt, err := prompts.BuildGradePrompt(c.variant, prompts.GradeData{
		QuestionText:    answer.QuestionText,
		MaxPoints:       answer.MaxPoints,
		ReferenceAnswer: answer.CorrectAnswer,
		Answer:          answer.Response,
	})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices for grading")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return parseSuggestion(raw, answer)
}

func parseSuggestion(raw string, answer model.Answer) (*Suggestion, error) {
	var r suggestionResponse
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	return &Suggestion{
		QuestionID: answer.QuestionID,
		Score:      scoring.Clamp(int(math.Round(r.Score)), answer.MaxPoints),
		MaxPoints:  answer.MaxPoints,
		Feedback:   r.Feedback,
	}, nil
}
