package embeddings

import (
	"context"
	"log/slog"
	"testing"
)

func TestNoopClient(t *testing.T) {
	client := NewNoopClient()

	vec, err := client.EmbedQuery(context.Background(), "any query")
	if err != nil || vec != nil {
		t.Errorf("EmbedQuery() = %v, %v, want nil, nil", vec, err)
	}

	vecs, err := client.EmbedDocuments(context.Background(), []string{"a", "b"})
	if err != nil || vecs != nil {
		t.Errorf("EmbedDocuments() = %v, %v, want nil, nil", vecs, err)
	}
}

func TestNoopService_Disabled(t *testing.T) {
	svc := NewNoopService(slog.Default())
	if svc.IsEnabled() {
		t.Error("noop service must report disabled")
	}

	// The noop client flows through the Service passthroughs unchanged.
	vec, err := svc.EmbedQuery(context.Background(), "q")
	if err != nil || vec != nil {
		t.Errorf("EmbedQuery() = %v, %v, want nil, nil", vec, err)
	}
	vecs, err := svc.EmbedDocuments(context.Background(), []string{"d"})
	if err != nil || vecs != nil {
		t.Errorf("EmbedDocuments() = %v, %v, want nil, nil", vecs, err)
	}
}

func TestEmbeddingDimensionMatchesSchema(t *testing.T) {
	// The vector(N) columns in the chunk tables are created with this width.
	if EmbeddingDimension != 1536 {
		t.Errorf("EmbeddingDimension = %d, want 1536", EmbeddingDimension)
	}
}
