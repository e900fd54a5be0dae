package kling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"creatorforge/internal/capability"
)

func TestSubmitVideoCarriesCallbackURL(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/videos/image2video" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    0,
			"message": "ok",
			"data":    map[string]any{"task_id": "task-42"},
		})
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	taskID, err := client.SubmitVideo(context.Background(), capability.Input{
		ImageURL:    "https://cdn/base.png",
		Prompt:      "slow pan",
		DurationSec: 5,
		Resolution:  "1080p",
		Tier:        "pro",
	}, "https://api.example.com/v1/callbacks/kling")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if taskID != "task-42" {
		t.Fatalf("task id = %q", taskID)
	}
	if gotBody["callback_url"] != "https://api.example.com/v1/callbacks/kling" {
		t.Fatalf("callback_url = %v", gotBody["callback_url"])
	}
	if gotBody["mode"] != "pro" {
		t.Fatalf("mode = %v, want pro", gotBody["mode"])
	}
}

func TestSubmitVideoSurfacesProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    1102,
			"message": "balance exhausted",
		})
	}))
	defer server.Close()

	client, err := NewClient(Options{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.SubmitVideo(context.Background(), capability.Input{ImageURL: "https://cdn/x.png"}, "https://cb")
	if err == nil {
		t.Fatalf("expected error")
	}
	if want := "kling: balance exhausted (1102)"; err.Error() != want {
		t.Fatalf("err = %q, want %q", err.Error(), want)
	}
}
