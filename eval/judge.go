package eval

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Verdict is a judge's answer on an argument match.
type Verdict struct {
	Match  bool   `json:"match"`
	Reason string `json:"reason"`
}

// Judge decides whether observed tool arguments satisfy an expectation
// that strict equality cannot express.
type Judge interface {
	MatchArgs(ctx context.Context, background, toolName string, expected, actual map[string]any) (*Verdict, error)
}

// OpenAIJudge implements Judge over the chat completions API in JSON mode.
type OpenAIJudge struct {
	client *openai.Client
	model  string
}

// NewOpenAIJudge creates a judge. model defaults to gpt-4o-mini.
func NewOpenAIJudge(apiKey, model string) *OpenAIJudge {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIJudge{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

const judgeSystemPrompt = `You compare tool call arguments for a workflow test harness.
Given expected and actual arguments, decide whether the actual call satisfies the intent of the expected one.
Differences in formatting, prefixes, or extra fields are acceptable when the substance matches.
Answer with a JSON object: {"match": bool, "reason": string}.`

// MatchArgs asks the model whether actual satisfies expected.
func (j *OpenAIJudge) MatchArgs(ctx context.Context, background, toolName string, expected, actual map[string]any) (*Verdict, error) {
	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		return nil, err
	}
	actualJSON, err := json.Marshal(actual)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf("Tool: %s\nExpected args: %s\nActual args: %s", toolName, expectedJSON, actualJSON)
	if background != "" {
		prompt = "Background: " + background + "\n" + prompt
	}

	resp, err := j.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: j.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: judgeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("judge request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("judge returned no choices")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &verdict); err != nil {
		return nil, fmt.Errorf("judge returned malformed verdict: %w", err)
	}
	return &verdict, nil
}
