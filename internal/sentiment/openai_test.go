package sentiment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, answer string, seen *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if seen != nil && len(req.Messages) > 0 {
			*seen = req.Messages[0].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": answer},
			}},
		})
	}))
}

func TestClassify_NormalizesAnswer(t *testing.T) {
	var prompt string
	srv := completionServer(t, " Frustrated.\n", &prompt)
	defer srv.Close()

	c := New(Config{APIKey: "test", BaseURL: srv.URL + "/v1", MaxChars: 10})
	got, err := c.Classify(context.Background(), "user: this is the third time I am calling")
	require.NoError(t, err)
	assert.Equal(t, Frustrated, got)
	assert.True(t, strings.HasSuffix(prompt, "user: this"), "transcript should be truncated, got %q", prompt)
}

func TestClassify_EmptyTranscriptSkipsRequest(t *testing.T) {
	c := New(Config{APIKey: "test", BaseURL: "http://127.0.0.1:1/v1"})
	got, err := c.Classify(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, Unknown, got)
}

func TestClassify_ServerErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "test", BaseURL: srv.URL + "/v1"})
	_, err := c.Classify(context.Background(), "hello")
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"positive":            Positive,
		"NEUTRAL":             Neutral,
		"negative, mostly":    Negative,
		"The caller was calm": Unknown,
		"":                    Unknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}
