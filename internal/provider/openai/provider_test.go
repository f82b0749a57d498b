package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"prompt-bridge/internal/models"
	"prompt-bridge/internal/provider"
)

func TestClientStreamSendsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if got := r.Header.Get("X-Extra"); got != "yes" {
			t.Errorf("missing extra header, got %q", got)
		}

		var body struct {
			Model    string           `json:"model"`
			Stream   bool             `json:"stream"`
			Messages []models.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Model != "m1" || !body.Stream {
			t.Errorf("unexpected body: %+v", body)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" || body.Messages[0].Content != "sys" {
			t.Errorf("system message not prepended: %+v", body.Messages)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, err := New("test", server.URL+"/v1/", map[string]string{"X-Extra": "yes"}, server.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	body, err := client.Stream(context.Background(), provider.Call{
		Credential: "test-key",
		Model:      "m1",
		Messages:   models.WithSystem("sys", []models.Message{{Role: "user", Content: "hi"}}),
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer body.Close()

	data, _ := io.ReadAll(body)
	if string(data) != "data: [DONE]\n\n" {
		t.Fatalf("unexpected body: %q", data)
	}
}

func TestClientStreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		message string
	}{
		{
			name: "error body is the message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
			},
			status:  http.StatusTooManyRequests,
			message: "rate limited",
		},
		{
			name: "empty error body uses status text",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			status:  http.StatusUnauthorized,
			message: "Unauthorized",
		},
		{
			name: "success without body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "0")
				w.WriteHeader(http.StatusOK)
			},
			status:  http.StatusOK,
			message: "OK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client, err := New("test", server.URL, nil, server.Client())
			if err != nil {
				t.Fatalf("new client: %v", err)
			}

			_, err = client.Stream(context.Background(), provider.Call{Credential: "k", Model: "m"})
			var upErr *provider.UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("expected UpstreamError, got %v", err)
			}
			if upErr.Status != tt.status || upErr.Message != tt.message {
				t.Fatalf("got status=%d message=%q", upErr.Status, upErr.Message)
			}
		})
	}
}

func TestClientStreamTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := New("test", url, nil, &http.Client{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Stream(context.Background(), provider.Call{Credential: "k", Model: "m"})
	var upErr *provider.UpstreamError
	if !errors.As(err, &upErr) || upErr.Message == "" {
		t.Fatalf("expected UpstreamError with message, got %v", err)
	}
}

func TestClientStreamRequiresCredential(t *testing.T) {
	client, err := New("test", "http://127.0.0.1:1", nil, &http.Client{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Stream(context.Background(), provider.Call{}); !errors.Is(err, provider.ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New("x", "https://example.com", nil, nil); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := New("x", "/", nil, &http.Client{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
