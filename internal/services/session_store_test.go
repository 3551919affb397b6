package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

func TestFileSessionStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "session.json")
	store := NewFileSessionStore(path)

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Session{}, empty)

	want := models.Session{Active: true, Range: models.SingleDay(testDay)}
	require.NoError(t, store.Save(ctx, want))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"isProcessing": true`)
	assert.Contains(t, string(raw), `"startDate": "2026-10-14"`)

	got, err := NewFileSessionStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))
	cleared, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, cleared.Active)
}

func TestFileSessionStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileSessionStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	want := models.Session{Active: true, Range: models.SingleDay(testDay)}

	require.NoError(t, store.Save(ctx, want))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, store.Clear(ctx))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Session{}, got)
}
