package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func newTestStore(t *testing.T) *AudioStore {
	t.Helper()
	store, err := NewAudioStore(t.TempDir(), "uploads/", zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestSaveUploadAndOpen(t *testing.T) {
	store := newTestStore(t)

	up, err := store.SaveUpload("m1-user-speech.webm", strings.NewReader("RIFF-audio"), 0)
	require.NoError(t, err)
	assert.Equal(t, "m1-user-speech.webm", up.FileName)
	assert.Equal(t, "/uploads/user/m1-user-speech.webm", up.Locator)
	assert.Equal(t, int64(10), up.Size)

	for _, ref := range []string{up.FileName, up.Locator} {
		f, err := store.OpenUpload(ref)
		require.NoError(t, err)
		data, err := io.ReadAll(f)
		require.NoError(t, f.Close())
		require.NoError(t, err)
		assert.Equal(t, "RIFF-audio", string(data))
	}
}

func TestSaveUploadGeneratesName(t *testing.T) {
	store := newTestStore(t)

	up, err := store.SaveUpload("", strings.NewReader("x"), 0)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(up.FileName, UserSpeechSuffix))
}

func TestSaveUploadRejectsTraversal(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"../escape.webm", "a/b.webm", `..\x.webm`, "..", ".hidden"} {
		_, err := store.SaveUpload(name, strings.NewReader("x"), 0)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestSaveUploadTooLarge(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SaveUpload("big.webm", strings.NewReader("0123456789"), 4)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = os.Stat(filepath.Join(store.Root(), userDir, "big.webm"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOpenUploadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.OpenUpload("nope.webm")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteSpeechReplacesArtifact(t *testing.T) {
	store := newTestStore(t)

	first, err := store.WriteSpeech("msg-1", "wav", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, "/uploads/msg-1-speech.wav", first.Locator)
	assert.Equal(t, "msg-1", first.OwningMessageID)

	second, err := store.WriteSpeech("msg-1", "wav", []byte("two!"))
	require.NoError(t, err)
	assert.Equal(t, first.Locator, second.Locator)

	data, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, "two!", string(data))

	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestWriteSpeechRejectsUnsafeID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.WriteSpeech("../x", "wav", []byte("a"))
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestWriteSpeechDistinctLocators(t *testing.T) {
	store := newTestStore(t)

	rapid.Check(t, func(t *rapid.T) {
		a := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(t, "a")
		b := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(t, "b")
		if a == b {
			t.Skip("same id")
		}
		artA, err := store.WriteSpeech(a, "wav", []byte("a"))
		if err != nil {
			t.Fatal(err)
		}
		artB, err := store.WriteSpeech(b, "wav", []byte("b"))
		if err != nil {
			t.Fatal(err)
		}
		if artA.Locator == artB.Locator {
			t.Fatalf("ids %q and %q share locator %s", a, b, artA.Locator)
		}
	})
}

func TestSweepRemovesOldFiles(t *testing.T) {
	store := newTestStore(t)

	old, err := store.WriteSpeech("old", "wav", []byte("a"))
	require.NoError(t, err)
	fresh, err := store.SaveUpload("fresh.webm", strings.NewReader("b"), 0)
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old.Path, past, past))

	removed, err := store.Sweep(time.Now(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(old.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(fresh.Path)
	assert.NoError(t, err)
}

func TestSweeperDisabled(t *testing.T) {
	store := newTestStore(t)
	sw := NewSweeper(store, 0, time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- sw.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper should return immediately")
	}
}
