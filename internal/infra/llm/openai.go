package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/charhub/populator/internal/pipeline/metrics"
)

const profileSystemPrompt = `You are a character writer for a roleplay platform.
Given an image description, produce a JSON object with fields:
"name", "persona", "greeting", "gender", "species", "tags" (array of strings).
Respond with JSON only.`

// Profile is the LLM-authored character sheet.
type Profile struct {
	Name     string   `json:"name"`
	Persona  string   `json:"persona"`
	Greeting string   `json:"greeting"`
	Gender   string   `json:"gender"`
	Species  string   `json:"species"`
	Tags     []string `json:"tags"`
}

// OpenAIClient generates character profiles via chat completions.
type OpenAIClient struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

// NewOpenAIClient creates an OpenAI-backed profile generator.
func NewOpenAIClient(apiKey, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
		log:    slog.Default(),
	}, nil
}

// GenerateProfile writes a character profile from candidate metadata.
func (o *OpenAIClient) GenerateProfile(ctx context.Context, description string) (*Profile, error) {
	o.log.Debug("Generating character profile", "model", o.model)

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: profileSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: description},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	metrics.ProviderCalls.WithLabelValues("openai").Inc()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai api call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var profile Profile
	if err := json.Unmarshal([]byte(content), &profile); err != nil {
		return nil, fmt.Errorf("invalid profile JSON from model: %w", err)
	}
	if profile.Name == "" || profile.Persona == "" {
		return nil, fmt.Errorf("validation failed: profile name and persona are required")
	}
	return &profile, nil
}

// Describe summarizes an image's tags into a one-paragraph description used
// to seed profile generation.
func (o *OpenAIClient) Describe(ctx context.Context, tags []string, ageRating string) (string, error) {
	prompt := fmt.Sprintf(
		"Describe a character suitable for age rating %s based on these visual tags: %s",
		ageRating, strings.Join(tags, ", "))

	metrics.ProviderCalls.WithLabelValues("openai").Inc()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai api call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai api returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
