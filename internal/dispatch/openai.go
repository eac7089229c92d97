package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// skillFile is written inside directory artifacts.
const skillFile = "SKILL.md"

const systemPrompt = "You are a careful editor working from a book's full text. " +
	"Reply with the requested document only, formatted as Markdown, " +
	"with no preamble."

// OpenAIRunner generates artifacts through the chat completions API instead
// of a local CLI. The reply is written to the invocation's output path.
type OpenAIRunner struct {
	Model string
	Opts  []option.RequestOption
}

// NewOpenAIRunner creates an OpenAIRunner. baseURL may point at any
// compatible endpoint.
func NewOpenAIRunner(model, apiKey, baseURL string) (*OpenAIRunner, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key missing; set tool.api_key or OPENAI_API_KEY")
	}
	if model == "" {
		return nil, errors.New("tool.model is required for the openai tool")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIRunner{Model: model, Opts: opts}, nil
}

// Run sends the prompt and document text, then writes the reply.
func (r *OpenAIRunner) Run(ctx context.Context, inv Invocation) Result {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	client := openai.NewClient(r.Opts...)

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(inv.Prompt + "\n\n---\n\n" + inv.Text),
		},
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{ExitCode: -1, TimedOut: true}
		}
		return Result{ExitCode: -1, Err: fmt.Errorf("chat completion: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return Result{ExitCode: 1, Stderr: []byte("openai: empty choices")}
	}

	content := resp.Choices[0].Message.Content
	path, err := artifactPath(inv)
	if err != nil {
		return Result{ExitCode: -1, Err: err}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("writing artifact: %w", err)}
	}

	return Result{Stdout: []byte(content)}
}

func artifactPath(inv Invocation) (string, error) {
	if inv.OutputPath == "" {
		return "", errors.New("invocation has no output path")
	}
	if !inv.OutputIsDir {
		return inv.OutputPath, nil
	}
	if err := os.MkdirAll(inv.OutputPath, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	return filepath.Join(inv.OutputPath, skillFile), nil
}
