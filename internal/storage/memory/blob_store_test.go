package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "documents/pima/1/abc.pdf", "application/pdf",
		strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	require.Equal(t, "memory://documents/pima/1/abc.pdf", uri)

	data, err := store.GetObject(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(data))

	// Idempotent rewrite.
	_, err = store.PutObject(context.Background(), "documents/pima/1/abc.pdf", "", strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	_, err = store.GetObject(context.Background(), "memory://missing")
	require.ErrorIs(t, err, lien.ErrNotFound)
	_, err = store.GetObject(context.Background(), "gs://bucket/x")
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}
