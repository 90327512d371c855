package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompute_SendsPromptAndReadsResponse(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "Bonjour"})
	}))
	defer srv.Close()

	backend := NewOllamaBackend(srv.URL, "llama3")
	out, err := backend.Compute(context.Background(), "Translate 'hello' to French")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if out != "Bonjour" {
		t.Fatalf("output = %q", out)
	}
	if got.Model != "llama3" || got.Stream {
		t.Fatalf("request = %+v", got)
	}
	if got.Prompt != "Translate 'hello' to French" {
		t.Fatalf("prompt = %q", got.Prompt)
	}
}

func TestCompute_SurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	backend := NewOllamaBackend(srv.URL, "llama3")
	if _, err := backend.Compute(context.Background(), "hi"); err == nil {
		t.Fatal("server error must fail the compute call")
	}
}
