package smartrule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentgate/internal/policy"
)

const systemPrompt = `You judge whether a tool call matches a policy condition.
You are given the tool name, its redacted arguments, and the condition.
Respond with ONLY a JSON object, no prose: {"matches": <bool>, "reason": "<one sentence>"}.
"matches" is true only when the call clearly satisfies the condition. When in doubt, answer false.`

const maxVerdictTokens = 256

// Anthropic evaluates smart conditions with a single structured Claude call.
// Any provider error degrades to the Heuristic fallback so a model outage
// never turns into a gateway outage.
type Anthropic struct {
	client   anthropic.Client
	model    string
	fallback Heuristic
}

// NewAnthropic builds an evaluator against the given model name.
func NewAnthropic(apiKey, model string) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (a *Anthropic) Evaluate(ctx context.Context, toolName string, args map[string]any, condition string) (policy.SmartResult, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}

	prompt := fmt.Sprintf("Tool: %s\nArguments: %s\nCondition: %s", toolName, argsJSON, condition)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   maxVerdictTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		slog.Warn("smart condition model call failed, using heuristic", "err", err)
		return a.fallback.Evaluate(ctx, toolName, args, condition)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	res, err := parseVerdict(text)
	if err != nil {
		slog.Warn("smart condition verdict unparseable, using heuristic",
			"err", err, "raw", truncate(text, 200))
		return a.fallback.Evaluate(ctx, toolName, args, condition)
	}
	return res, nil
}

// parseVerdict extracts the {"matches":..., "reason":...} object from model
// output, tolerating fenced code blocks and surrounding prose.
func parseVerdict(text string) (policy.SmartResult, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}

	var res policy.SmartResult
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return policy.SmartResult{}, fmt.Errorf("smartrule: parse verdict: %w", err)
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
