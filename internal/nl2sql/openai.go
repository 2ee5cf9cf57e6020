package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/schemapilot/schemapilot/internal/config"
)

const defaultTimeout = 30 * time.Second

// OpenAITranslator speaks the OpenAI chat completion protocol, which covers
// OpenRouter and most self-hosted gateways.
type OpenAITranslator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

// NewOpenAITranslator builds a translator from the translator section of the
// application config.
func NewOpenAITranslator(cfg config.TranslatorConfig) (*OpenAITranslator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("translator base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("translator API key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "deepseek/deepseek-chat"
	}
	return &OpenAITranslator{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(t.payload(req))
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("request chat completion: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, raw)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode chat completion: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("chat completion returned no choices")
	}

	sql := stripMarkdownSQL(parsed.Choices[0].Message.Content)
	if sql == "" {
		return Result{}, fmt.Errorf("model returned empty SQL")
	}
	return Result{SQL: sql, Model: t.model}, nil
}

const systemPrompt = "You convert natural language questions into a single PostgreSQL SELECT query. " +
	"Use only the tables described in the provided schema context. " +
	"Return ONLY SQL. No markdown, no explanation."

func (t *OpenAITranslator) payload(req Request) map[string]any {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\n\nSchema context:\n", req.DB)
	for _, snippet := range req.Snippets {
		b.WriteString(snippet)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nQuestion:\n%s\n\nRules:\n"+
		"- Read-only SELECT statements only.\n"+
		"- Use only the listed tables and columns.\n"+
		"- Output exactly one SQL statement, nothing else.",
		strings.TrimSpace(req.Question))

	return map[string]any{
		"model": t.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": b.String()},
		},
		"temperature": t.temperature,
	}
}

// stripMarkdownSQL unwraps the ```sql fences models add despite being told
// not to.
func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
	}
	return strings.TrimSpace(trimmed)
}
