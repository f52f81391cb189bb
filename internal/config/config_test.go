package config

import (
	"errors"
	"testing"
	"time"
)

func TestValidate_Defaults(t *testing.T) {
	if err := defaults().Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidate_OverlapBounds(t *testing.T) {
	cases := []struct {
		name    string
		size    int
		overlap int
		wantErr bool
	}{
		{"overlap smaller than size", 500, 100, false},
		{"zero overlap", 500, 0, false},
		{"overlap equal to size", 500, 500, true},
		{"overlap larger than size", 100, 500, true},
		{"negative overlap", 500, -1, true},
		{"zero size", 0, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Chunking.Size = tc.size
			cfg.Chunking.Overlap = tc.overlap

			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected *ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestValidate_UnknownMetric(t *testing.T) {
	cfg := defaults()
	cfg.Index.Metric = "euclidean"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}

func TestValidate_PineconeRequiresBaseURL(t *testing.T) {
	cfg := defaults()
	cfg.Index.Backend = "pinecone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for pinecone backend without base url")
	}
	cfg.Index.PineconeBaseURL = "https://example-index.svc.pinecone.io"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CITESEEK_CHUNK_SIZE", "256")
	t.Setenv("CITESEEK_CHUNK_OVERLAP", "32")
	t.Setenv("CITESEEK_MIN_RETRIEVAL_SCORE", "0.55")
	t.Setenv("CITESEEK_REQUEST_TIMEOUT", "45s")
	t.Setenv("CITESEEK_MAX_DOCUMENT_BYTES", "1048576")

	cfg := defaults()
	applyEnv(&cfg)

	if cfg.Chunking.Size != 256 {
		t.Errorf("chunk size = %d, want 256", cfg.Chunking.Size)
	}
	if cfg.Chunking.Overlap != 32 {
		t.Errorf("chunk overlap = %d, want 32", cfg.Chunking.Overlap)
	}
	if cfg.Retrieval.MinScore != 0.55 {
		t.Errorf("min score = %v, want 0.55", cfg.Retrieval.MinScore)
	}
	if cfg.Answering.RequestTimeout != 45*time.Second {
		t.Errorf("request timeout = %v, want 45s", cfg.Answering.RequestTimeout)
	}
	if cfg.Limits.MaxDocumentBytes != 1<<20 {
		t.Errorf("max document bytes = %d, want %d", cfg.Limits.MaxDocumentBytes, 1<<20)
	}
}

func TestEnvOverrides_MalformedValuesKeepDefaults(t *testing.T) {
	t.Setenv("CITESEEK_CHUNK_SIZE", "not-a-number")

	cfg := defaults()
	applyEnv(&cfg)

	if cfg.Chunking.Size != 500 {
		t.Errorf("chunk size = %d, want default 500", cfg.Chunking.Size)
	}
}
