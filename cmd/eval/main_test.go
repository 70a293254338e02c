package main

import (
	"testing"

	"github.com/bbiangul/hybrideval"
)

func TestResolveAlphas(t *testing.T) {
	fallback := []float64{1, 0.5, 0}
	tests := []struct {
		name    string
		single  string
		list    string
		want    []float64
		wantErr bool
	}{
		{"config default", "", "", fallback, false},
		{"single wins", "0.3", "1,0", []float64{0.3}, false},
		{"list", "", "0.2, 0.8", []float64{0.2, 0.8}, false},
		{"single out of range", "1.5", "", nil, true},
		{"single not a number", "half", "", nil, true},
		{"list out of range", "", "0.5,-1", nil, true},
		{"single NaN", "NaN", "", nil, true},
		{"list with NaN", "", "1,NaN", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveAlphas(tt.single, tt.list, fallback)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := hybrideval.DefaultConfig()
	cfg.Chat.APIKey = "sk-secret"
	cfg.PostgresDSN = "postgres://u:p@host/db"

	r := redacted(cfg)
	if r.Chat.APIKey != "***" || r.PostgresDSN != "***" {
		t.Errorf("credentials leaked: %+v %q", r.Chat, r.PostgresDSN)
	}
	if r.Embedding.APIKey != "" {
		t.Errorf("empty key should stay empty, got %q", r.Embedding.APIKey)
	}
	if cfg.Chat.APIKey != "sk-secret" {
		t.Error("redacted modified the caller's config")
	}
}
