package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// --- Summarizer Model Prompts ---
const SummarizerSystemPrompt = "You are a precise financial analyst. Your task is to summarize report documents, preserving every key figure and finding."
const SummarizerUserPrompt = `Summarize the following report content. Keep the summary short, factual, and focused on the key points:

---
%s
---`

// --- Analyst Model Prompts ---
const AnalystSystemPrompt = "You are a specialist report analysis tool. Your task is to analyze a report document and respond with a single valid JSON object. Do not include any text before or after the JSON object."
const AnalystUserPrompt = `Analyze the following report content.

Your response must be a single JSON object with exactly three keys:
- "main_findings": a string summarizing the most important findings.
- "potential_risks": a string describing risks the report implies.
- "suggested_actions": a string with concrete recommended actions.

Report content:
---
%s
---`

// ErrorKind tags the failure modes of the Gemini client so callers can
// match on them exhaustively instead of inspecting message strings.
type ErrorKind string

const (
	KindNotConfigured ErrorKind = "not_configured"
	KindEmptyInput    ErrorKind = "empty_input"
	KindBlocked       ErrorKind = "blocked"
	KindEmptyResponse ErrorKind = "empty_response"
	KindParse         ErrorKind = "parse_error"
	KindAPI           ErrorKind = "api_error"
)

// AnalysisError is the tagged error payload for both Gemini operations. For
// parse failures RawText carries the unmodified model output so it can be
// persisted for manual review.
type AnalysisError struct {
	Kind    ErrorKind `json:"error_kind"`
	Message string    `json:"error"`
	RawText string    `json:"raw_text,omitempty"`
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("gemini %s: %s", e.Kind, e.Message)
}

// generativeModel is the seam between the client and the Gemini SDK; tests
// substitute a fake.
type generativeModel interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiClient holds pre-configured generative models for summarization and
// structured analysis, plus the retry policy both operations share.
type GeminiClient struct {
	mu              sync.RWMutex
	baseClient      *genai.Client
	summarizerModel generativeModel
	analystModel    generativeModel

	modelName  string
	maxRetries int
	retryDelay time.Duration
}

// NewGeminiClient creates the client. An empty apiKey is not an error: the
// client starts unconfigured and every operation fails fast until Configure
// is called with a valid key.
func NewGeminiClient(ctx context.Context, apiKey, modelName string, maxRetries int, retryDelay time.Duration) (*GeminiClient, error) {
	if modelName == "" {
		return nil, fmt.Errorf("NewGeminiClient: modelName cannot be empty")
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("NewGeminiClient: maxRetries cannot be negative")
	}

	c := &GeminiClient{
		modelName:  modelName,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}

	if apiKey == "" {
		slog.Warn("Gemini API key not set; analysis operations are disabled until a key is configured.")
		return c, nil
	}

	if err := c.Configure(ctx, apiKey); err != nil {
		return nil, err
	}
	return c, nil
}

// Configure swaps in a live set of models built from apiKey. It is safe to
// call while operations are in flight; in-flight attempts keep the model
// they started with.
func (c *GeminiClient) Configure(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("Configure: apiKey cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return fmt.Errorf("genai.NewClient: %w", err)
	}

	// --- Configure the summarizer model ---
	summarizerModel := baseClient.GenerativeModel(c.modelName)
	summarizerModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SummarizerSystemPrompt)},
	}
	summarizerModel.SetTemperature(0.2)

	// --- Configure the analyst model ---
	analystModel := baseClient.GenerativeModel(c.modelName)
	analystModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(AnalystSystemPrompt)},
	}
	analystModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	c.mu.Lock()
	old := c.baseClient
	c.baseClient = baseClient
	c.summarizerModel = summarizerModel
	c.analystModel = analystModel
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	slog.Info("Gemini client configured.", "model", c.modelName)
	return nil
}

// Configured reports whether the client holds a usable credential.
func (c *GeminiClient) Configured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.analystModel != nil
}

func (c *GeminiClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

func (c *GeminiClient) models() (summarizer, analyst generativeModel) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summarizerModel, c.analystModel
}

// Summarize returns a plain-text summary of text. It fails fast when the
// client is unconfigured or the input is blank, retries transient failures
// up to maxRetries times with a fixed delay, and returns immediately when
// the prompt is blocked by the remote safety system.
func (c *GeminiClient) Summarize(ctx context.Context, text string) (string, error) {
	summarizer, _ := c.models()
	if summarizer == nil {
		return "", &AnalysisError{Kind: KindNotConfigured, Message: "gemini client is not configured with an API key"}
	}
	if strings.TrimSpace(text) == "" {
		return "", &AnalysisError{Kind: KindEmptyInput, Message: "input text cannot be empty"}
	}

	prompt := fmt.Sprintf(SummarizerUserPrompt, text)
	logCtx := slog.With("operation", "summarize", "model", c.modelName)

	var lastErr *AnalysisError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			logCtx.Info("Retrying after delay.", "attempt", attempt+1, "delay", c.retryDelay)
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return "", &AnalysisError{Kind: KindAPI, Message: err.Error()}
			}
		}

		resp, err := summarizer.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			logCtx.Error("Gemini summarize call failed.", "attempt", attempt+1, "error", err)
			lastErr = &AnalysisError{Kind: KindAPI, Message: err.Error()}
			continue
		}

		content, blockErr := extractResponseText(resp)
		if blockErr != nil {
			logCtx.Warn("Prompt blocked by safety system.", "reason", blockErr.Message)
			return "", blockErr
		}
		if content == "" {
			logCtx.Warn("Gemini returned no textual content.", "attempt", attempt+1)
			lastErr = &AnalysisError{Kind: KindEmptyResponse, Message: "gemini returned an empty response"}
			continue
		}
		return content, nil
	}

	logCtx.Error("Summarize failed after all attempts.", "attempts", c.maxRetries+1)
	return "", lastErr
}

// Analyze asks the analyst model for a structured result and coerces the
// response into a JSON object, tolerating markdown code fences and leading
// or trailing prose around the object. A parse failure that survives all
// retries returns a terminal error carrying the raw model output.
func (c *GeminiClient) Analyze(ctx context.Context, text string) (map[string]any, error) {
	_, analyst := c.models()
	if analyst == nil {
		return nil, &AnalysisError{Kind: KindNotConfigured, Message: "gemini client is not configured with an API key"}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &AnalysisError{Kind: KindEmptyInput, Message: "input text cannot be empty"}
	}

	prompt := fmt.Sprintf(AnalystUserPrompt, text)
	logCtx := slog.With("operation", "analyze", "model", c.modelName)

	var lastErr *AnalysisError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			logCtx.Info("Retrying after delay.", "attempt", attempt+1, "delay", c.retryDelay)
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return nil, &AnalysisError{Kind: KindAPI, Message: err.Error()}
			}
		}

		resp, err := analyst.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			logCtx.Error("Gemini analyze call failed.", "attempt", attempt+1, "error", err)
			lastErr = &AnalysisError{Kind: KindAPI, Message: err.Error()}
			continue
		}

		rawText, blockErr := extractResponseText(resp)
		if blockErr != nil {
			logCtx.Warn("Prompt blocked by safety system.", "reason", blockErr.Message)
			return nil, blockErr
		}
		if rawText == "" {
			logCtx.Warn("Gemini returned no textual content.", "attempt", attempt+1)
			lastErr = &AnalysisError{Kind: KindEmptyResponse, Message: "gemini returned an empty response"}
			continue
		}

		jsonText := extractJSONObject(rawText)
		var result map[string]any
		if err := json.Unmarshal([]byte(jsonText), &result); err != nil {
			logCtx.Error("Failed to parse Gemini response as JSON.", "attempt", attempt+1, "error", err, "rawText", rawText)
			lastErr = &AnalysisError{Kind: KindParse, Message: fmt.Sprintf("parse analysis response: %v", err), RawText: rawText}
			continue
		}
		return result, nil
	}

	logCtx.Error("Analyze failed after all attempts.", "attempts", c.maxRetries+1)
	return nil, lastErr
}

// extractResponseText concatenates the text parts of the first candidate.
// An empty response with a block reason is reported as a blocked error,
// which must not be retried.
func extractResponseText(resp *genai.GenerateContentResponse) (string, *AnalysisError) {
	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				sb.WriteString(string(txt))
			}
		}
	}

	content := strings.TrimSpace(sb.String())
	if content == "" && resp != nil && resp.PromptFeedback != nil &&
		resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", &AnalysisError{
			Kind:    KindBlocked,
			Message: fmt.Sprintf("prompt was blocked: %s", resp.PromptFeedback.BlockReason),
		}
	}
	return content, nil
}

// extractJSONObject strips markdown code fences and surrounding prose so
// that the remainder can be unmarshalled as a JSON object.
func extractJSONObject(raw string) string {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```json"); idx != -1 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	} else if strings.Contains(s, "```") && !strings.HasPrefix(s, "{") {
		if start := strings.Index(s, "```"); start != -1 {
			s = s[start+len("```"):]
			if end := strings.Index(s, "```"); end != -1 {
				s = s[:end]
			}
		}
	}
	s = strings.TrimSpace(s)

	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start != -1 && end > start {
			s = s[start : end+1]
		}
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
