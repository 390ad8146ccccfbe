package duelrank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/pkoukk/tiktoken-go"
)

// OpenAIConfig configures a judge backed by an OpenAI-compatible chat model.
type OpenAIConfig struct {
	InitialPrompt string           `json:"initial_prompt"`
	Model         openai.ChatModel `json:"openai_model"`
	Key           string           `json:"-"`
	APIURL        string           `json:"-"`
	Encoding      string           `json:"encoding"`
	TokenLimit    int              `json:"token_limit"`  // Max prompt tokens for one comparison
	Timeout       time.Duration    `json:"timeout"`      // Per request
	MaxAttempts   int              `json:"max_attempts"` // Invalid responses tolerated per gate
	DryRun        bool             `json:"-"`
	Seed          int64            `json:"seed"` // Seeds the left/right presentation swap
	Logger        *slog.Logger     `json:"-"`
}

func (c *OpenAIConfig) Validate() error {
	if c.InitialPrompt == "" {
		return fmt.Errorf("initial prompt cannot be empty")
	}
	if c.TokenLimit < 0 {
		return fmt.Errorf("token limit must not be negative")
	}
	// Only require API key if not using a custom endpoint
	if c.APIURL == "" && c.Key == "" && !c.DryRun {
		return fmt.Errorf("openai key cannot be empty")
	}
	if c.Model == "" {
		c.Model = openai.ChatModelGPT4oMini
	}
	if c.Encoding == "" {
		c.Encoding = "o200k_base"
	}
	if c.TokenLimit == 0 {
		c.TokenLimit = int(0.95 * 128000)
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// OpenAIJudge asks a chat model which of two items ranks higher. It never
// discards. If the model cannot produce a usable answer the judge gives up on
// the session through its quit callback.
type OpenAIJudge struct {
	cfg      *OpenAIConfig
	encoding *tiktoken.Tiktoken
	quit     func(error)

	rngMu sync.Mutex
	rng   *rand.Rand

	errMu   sync.Mutex
	lastErr error
}

type judgmentResponse struct {
	Winner string `json:"winner" jsonschema_description:"ID of the item that ranks higher"`
}

func generateSchema[T any]() interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)
	return schema
}

var judgmentResponseSchema = generateSchema[judgmentResponse]()

const promptFmt = "id: `%s`\nvalue:\n```\n%s\n```\n\n"

var promptDisclaimer = "\n\nREMEMBER to:\n" +
	"- ALWAYS respond with the short ID of the item you prefer, found above its value " +
	"(i.e., I'll provide you with `id: <ID>` above the value, and you should respond with that same ID)\n" +
	"- NEVER respond with the actual value!\n" +
	"- NEVER include backticks around the ID in your response!\n" +
	"- Pick exactly ONE of the two items; ties are not allowed\n" +
	"- Respond in JSON format, with the following schema:\n  {\"winner\": \"<ID>\"}\n\n" +
	"Here are the two items to compare:\n\n"

const unknownIDStr = "Your last response named %q, which is not one of the two IDs [%s]. " +
	"Try again and respond with exactly one of those IDs in the JSON format specified!"

const invalidJSONStr = "Your last response was not valid JSON. Try again!"

// NewOpenAIJudge builds a judge. quit receives the error that made the judge
// give up.
func NewOpenAIJudge(cfg *OpenAIConfig, quit func(error)) (*OpenAIJudge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if quit == nil {
		quit = func(error) {}
	}

	j := &OpenAIJudge{
		cfg:  cfg,
		quit: quit,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}

	// Use tiktoken for OpenAI endpoints, simple approximation for custom endpoints
	if cfg.APIURL == "" && !cfg.DryRun {
		encoding, err := tiktoken.GetEncoding(cfg.Encoding)
		if err != nil {
			return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
		}
		j.encoding = encoding
	}
	return j, nil
}

// Err returns the error that made the judge give up, if any.
func (j *OpenAIJudge) Err() error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.lastErr
}

// CheckItems rejects items that cannot fit a comparison prompt next to any
// other item.
func (j *OpenAIJudge) CheckItems(items []Item) error {
	for _, item := range items {
		tokens := j.estimateTokens([]Item{item, item})
		if tokens > j.cfg.TokenLimit {
			return fmt.Errorf("object is too large with %d tokens:\n%s", tokens, item.Value)
		}
	}
	return nil
}

func (j *OpenAIJudge) estimateTokens(group []Item) int {
	text := j.cfg.InitialPrompt + promptDisclaimer
	for _, item := range group {
		text += fmt.Sprintf(promptFmt, item.ID, item.Value)
	}
	if j.encoding != nil {
		return len(j.encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// Present blocks the lane until the model answered or gave up.
func (j *OpenAIJudge) Present(ctx context.Context, gate *Gate) {
	if j.cfg.DryRun {
		// prefer the lexically smaller value so dry runs produce a stable order
		outcome := PickLeft
		if gate.Right.Value < gate.Left.Value {
			outcome = PickRight
		}
		j.cfg.Logger.Debug("Dry run judgment", "gate", gate.ID, "outcome", outcome)
		j.resolve(gate, outcome)
		return
	}

	winner, err := j.judge(ctx, gate)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		j.errMu.Lock()
		j.lastErr = err
		j.errMu.Unlock()
		j.cfg.Logger.Error("Judge gave up", "gate", gate.ID, "error", err)
		j.quit(err)
		return
	}

	outcome := PickLeft
	if winner == gate.Right.ID {
		outcome = PickRight
	}
	j.resolve(gate, outcome)
}

func (j *OpenAIJudge) resolve(gate *Gate, outcome Outcome) {
	if err := gate.Resolve(outcome); err != nil {
		j.cfg.Logger.Debug("Dropping judgment for stale gate", "gate", gate.ID, "error", err)
	}
}

func (j *OpenAIJudge) judge(ctx context.Context, gate *Gate) (string, error) {
	// models favour one position; randomize which item is listed first
	first, second := gate.Left, gate.Right
	j.rngMu.Lock()
	swap := j.rng.Intn(2) == 1
	j.rngMu.Unlock()
	if swap {
		first, second = second, first
	}

	prompt := j.cfg.InitialPrompt + promptDisclaimer
	prompt += fmt.Sprintf(promptFmt, first.ID, first.Value)
	prompt += fmt.Sprintf(promptFmt, second.ID, second.Value)

	j.cfg.Logger.Debug("Asking model", "gate", gate.ID, "round", gate.Round,
		"estimated_tokens", j.estimateTokens([]Item{first, second}), "swapped", swap)

	inputIDs := map[string]bool{gate.Left.ID: true, gate.Right.ID: true}
	return j.callOpenAI(ctx, prompt, gate.ID, inputIDs)
}

type customTransport struct {
	Transport  http.RoundTripper
	Headers    http.Header
	StatusCode int
	Body       []byte
}

func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	t.Headers = resp.Header
	t.StatusCode = resp.StatusCode

	t.Body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	resp.Body = io.NopCloser(bytes.NewBuffer(t.Body))

	return resp, nil
}

// validateWinner maps a possibly mis-cased or backticked answer onto one of
// the input IDs.
func validateWinner(winner string, inputIDs map[string]bool) (string, error) {
	winner = strings.TrimSpace(strings.ReplaceAll(winner, "`", ""))
	for id := range inputIDs {
		if strings.EqualFold(id, winner) {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown id %q", winner)
}

func (j *OpenAIJudge) callOpenAI(ctx context.Context, prompt string, gateID int, inputIDs map[string]bool) (string, error) {
	customTransport := &customTransport{Transport: http.DefaultTransport}
	customClient := &http.Client{Transport: customTransport}

	clientOptions := []option.RequestOption{
		option.WithAPIKey(j.cfg.Key),
		option.WithHTTPClient(customClient),
		option.WithMaxRetries(5),
	}

	// Add base URL option if specified
	if j.cfg.APIURL != "" {
		// Ensure the URL ends with a trailing slash
		baseURL := j.cfg.APIURL
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		clientOptions = append(clientOptions, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(clientOptions...)

	backoff := time.Second

	conversationHistory := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(prompt),
	}

	ids := make([]string, 0, len(inputIDs))
	for id := range inputIDs {
		ids = append(ids, id)
	}

	for attempt := 1; ; attempt++ {
		if attempt > j.cfg.MaxAttempts {
			return "", fmt.Errorf("gate %d: no usable answer after %d attempts", gateID, j.cfg.MaxAttempts)
		}

		callCtx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
		completion, err := client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
			Messages: conversationHistory,
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
					JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:        "judgment_response",
						Description: openai.String("ID of the preferred item"),
						Schema:      judgmentResponseSchema,
						Strict:      openai.Bool(true),
					},
				},
			},
			Model: j.cfg.Model,
		})
		cancel()

		if err == nil {
			if len(completion.Choices) == 0 {
				return "", fmt.Errorf("gate %d: response has no choices", gateID)
			}
			content := completion.Choices[0].Message.Content
			j.cfg.Logger.Debug("Received response from OpenAI API", "gate", gateID,
				"prompt_tokens", completion.Usage.PromptTokens, "completion_tokens", completion.Usage.CompletionTokens)

			conversationHistory = append(conversationHistory, openai.AssistantMessage(content))

			var resp judgmentResponse
			if err := json.Unmarshal([]byte(content), &resp); err != nil {
				j.cfg.Logger.Debug("Error unmarshalling response", "gate", gateID, "error", err, "content", strings.TrimSpace(content))
				conversationHistory = append(conversationHistory, openai.UserMessage(invalidJSONStr))
				continue
			}

			winner, err := validateWinner(resp.Winner, inputIDs)
			if err != nil {
				j.cfg.Logger.Debug("Unknown winner ID", "gate", gateID, "winner", resp.Winner)
				conversationHistory = append(conversationHistory,
					openai.UserMessage(fmt.Sprintf(unknownIDStr, resp.Winner, strings.Join(ids, ", "))),
				)
				continue
			}
			return winner, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if errors.Is(err, context.DeadlineExceeded) {
			j.cfg.Logger.Debug("Context deadline exceeded, retrying...", "gate", gateID, "backoff", backoff)
			if err := sleepContext(ctx, backoff); err != nil {
				return "", err
			}
			backoff *= 2
			continue
		}

		if customTransport.StatusCode == http.StatusTooManyRequests {
			for key, values := range customTransport.Headers {
				if strings.HasPrefix(key, "X-Ratelimit") {
					for _, value := range values {
						j.cfg.Logger.Debug("Rate limit header", "gate", gateID, "header", key, "value", value)
					}
				}
			}

			remainingTokens, _ := strconv.Atoi(customTransport.Headers.Get("X-Ratelimit-Remaining-Tokens"))
			resetDuration, _ := time.ParseDuration(customTransport.Headers.Get("X-Ratelimit-Reset-Tokens"))

			wait := backoff
			if resetDuration > 0 {
				wait = resetDuration
			} else {
				backoff *= 2
			}
			j.cfg.Logger.Info("Rate limit exceeded, waiting before retrying", "gate", gateID,
				"wait", wait, "remaining_tokens", remainingTokens)
			if err := sleepContext(ctx, wait); err != nil {
				return "", err
			}
			continue
		}

		return "", fmt.Errorf("gate %d: unexpected error: %w", gateID, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
