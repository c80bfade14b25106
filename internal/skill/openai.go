package skill

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const defaultModel = openai.GPT4oMini

// OpenAIClient backs the generation boundary with chat completions in JSON
// mode.
type OpenAIClient struct {
	API   *openai.Client
	Model string
}

func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = defaultModel
	}
	return &OpenAIClient{API: openai.NewClient(apiKey), Model: model}
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	system := req.Prompt
	if req.OutputSchema != "" && req.OutputSchema != "{}" {
		system += "\n\nOutput JSON schema:\n" + req.OutputSchema
	}
	resp, err := c.API.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.Model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: req.InputJSON},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return json.RawMessage(resp.Choices[0].Message.Content), nil
}
