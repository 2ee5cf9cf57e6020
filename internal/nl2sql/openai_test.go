package nl2sql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemapilot/schemapilot/internal/config"
)

func newTestTranslator(t *testing.T, handler http.HandlerFunc) *OpenAITranslator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr, err := NewOpenAITranslator(config.TranslatorConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "deepseek/deepseek-chat",
	})
	require.NoError(t, err)
	return tr
}

func completionResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(body)
}

func TestTranslate_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	tr := newTestTranslator(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionResponse("SELECT title FROM film")))
	})

	res, err := tr.Translate(context.Background(), Request{
		DB:       "pagila",
		Question: "list film titles",
		Snippets: []string{"Table public.film: film_id (integer), title (text)"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT title FROM film", res.SQL)
	assert.Equal(t, "deepseek/deepseek-chat", res.Model)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "deepseek/deepseek-chat", gotBody["model"])

	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 2)
	user := messages[1].(map[string]any)["content"].(string)
	assert.Contains(t, user, "public.film")
	assert.Contains(t, user, "list film titles")
}

func TestTranslate_StripsMarkdownFences(t *testing.T) {
	tr := newTestTranslator(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(completionResponse("```sql\nSELECT 1\n```")))
	})

	res, err := tr.Translate(context.Background(), Request{Question: "one"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", res.SQL)
}

func TestTranslate_UpstreamError(t *testing.T) {
	tr := newTestTranslator(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	})

	_, err := tr.Translate(context.Background(), Request{Question: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}

func TestTranslate_EmptyChoices(t *testing.T) {
	tr := newTestTranslator(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	_, err := tr.Translate(context.Background(), Request{Question: "q"})
	assert.ErrorContains(t, err, "no choices")
}

func TestTranslate_EmptySQL(t *testing.T) {
	tr := newTestTranslator(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(completionResponse("```sql\n```")))
	})

	_, err := tr.Translate(context.Background(), Request{Question: "q"})
	assert.ErrorContains(t, err, "empty SQL")
}

func TestNewOpenAITranslator_Validation(t *testing.T) {
	_, err := NewOpenAITranslator(config.TranslatorConfig{APIKey: "k"})
	assert.ErrorContains(t, err, "base URL")

	_, err = NewOpenAITranslator(config.TranslatorConfig{BaseURL: "https://openrouter.ai/api"})
	assert.ErrorContains(t, err, "API key")
}

func TestStripMarkdownSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                     "SELECT 1",
		"```sql\nSELECT 1\n```":        "SELECT 1",
		"```\nSELECT 1\n```":           "SELECT 1",
		"  SELECT 1  ":                 "SELECT 1",
		"```sql\nSELECT 1; -- x\n```":  "SELECT 1; -- x",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripMarkdownSQL(in), "input %q", in)
	}
}
