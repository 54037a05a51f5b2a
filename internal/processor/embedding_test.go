package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/adverant/nexus/answerscan-worker/internal/logging"
)

func voyageServer(t *testing.T, dims int, seen *voyageEmbeddingRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "voyage-3",
			"data":  []map[string]interface{}{{"index": 0, "embedding": make([]float32, dims)}},
			"usage": map[string]int{"total_tokens": 7},
		})
	}))
}

func TestGenerateEmbedding(t *testing.T) {
	var seen voyageEmbeddingRequest
	srv := voyageServer(t, voyageDimensions, &seen)
	defer srv.Close()

	client, err := NewEmbeddingClient(EmbeddingConfig{APIKey: "test-key", BaseURL: srv.URL, Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("NewEmbeddingClient: %v", err)
	}

	vec, err := client.GenerateEmbedding(context.Background(), "FOR i = 1 TO n")
	if err != nil {
		t.Fatalf("GenerateEmbedding: %v", err)
	}
	if len(vec) != voyageDimensions {
		t.Fatalf("dimensions = %d", len(vec))
	}
	if seen.Model != defaultVoyageModel || seen.Input != "FOR i = 1 TO n" || seen.InputType != "document" {
		t.Fatalf("request = %+v", seen)
	}
}

func TestGenerateEmbeddingTruncatesByRune(t *testing.T) {
	var seen voyageEmbeddingRequest
	srv := voyageServer(t, voyageDimensions, &seen)
	defer srv.Close()

	client, _ := NewEmbeddingClient(EmbeddingConfig{APIKey: "test-key", BaseURL: srv.URL, Logger: logging.NewNop()})
	if _, err := client.GenerateEmbedding(context.Background(), strings.Repeat("Σ", maxEmbeddingRunes+10)); err != nil {
		t.Fatalf("GenerateEmbedding: %v", err)
	}
	if n := utf8.RuneCountInString(seen.Input); n != maxEmbeddingRunes || !utf8.ValidString(seen.Input) {
		t.Fatalf("sent %d runes (valid=%v)", n, utf8.ValidString(seen.Input))
	}
}

func TestGenerateEmbeddingErrors(t *testing.T) {
	var seen voyageEmbeddingRequest
	wrongDims := voyageServer(t, 8, &seen)
	defer wrongDims.Close()

	tests := []struct {
		name string
		key  string
		url  string
		text string
	}{
		{"empty text", "test-key", wrongDims.URL, ""},
		{"bad key", "other", wrongDims.URL, "x"},
		{"wrong dimensions", "test-key", wrongDims.URL, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := NewEmbeddingClient(EmbeddingConfig{APIKey: tt.key, BaseURL: tt.url, Logger: logging.NewNop()})
			if _, err := client.GenerateEmbedding(context.Background(), tt.text); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := NewEmbeddingClient(EmbeddingConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}
