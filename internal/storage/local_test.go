package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageUpload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir, "http://localhost:8083/uploads/")
	require.NoError(t, err)

	resp, err := store.Upload(context.Background(), &UploadRequest{
		Key:         "chat-photos/u1/1700000000000.jpg",
		Reader:      strings.NewReader("jpeg-bytes"),
		ContentType: "image/jpeg",
	})
	require.NoError(t, err)

	assert.Equal(t, "chat-photos/u1/1700000000000.jpg", resp.Key)
	assert.Equal(t, "http://localhost:8083/uploads/chat-photos/u1/1700000000000.jpg", resp.URL)

	data, err := os.ReadFile(filepath.Join(dir, "chat-photos", "u1", "1700000000000.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestLocalStorageKeepsKeysInsideBase(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(filepath.Join(dir, "base"), "http://cdn")
	require.NoError(t, err)

	resp, err := store.Upload(context.Background(), &UploadRequest{Key: "../../escape.txt", Reader: strings.NewReader("x")})
	require.NoError(t, err)

	assert.Equal(t, "escape.txt", resp.Key)
	_, err = os.Stat(filepath.Join(dir, "base", "escape.txt"))
	assert.NoError(t, err)
}

func TestLocalStorageHonoursCancelledContext(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir(), "http://cdn")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Upload(ctx, &UploadRequest{Key: "a.jpg", Reader: strings.NewReader("x")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Settings{Provider: "ftp"})
	assert.Error(t, err)
}
