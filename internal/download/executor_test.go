package download_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mediavault/fetchd/internal/download"
	"github.com/mediavault/fetchd/internal/fault"
	"github.com/mediavault/fetchd/internal/platform"
	"github.com/stretchr/testify/assert"
)

func streamServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func Test_Fetch_VerifiedTransfer(t *testing.T) {
	t.Parallel()
	payload := []byte("some reasonably sized media payload")
	server := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})

	tempPath := filepath.Join(t.TempDir(), "job.partial")
	media := &platform.ResolvedMedia{StreamURL: server.URL, ExpectedSize: int64(len(payload)), Filename: "clip.mp4"}

	meta, err := download.NewExecutor().Fetch(context.Background(), media, tempPath, nil)
	assert.Nil(t, err)
	assert.Equal(t, int64(len(payload)), meta.Size)
	assert.Equal(t, "clip.mp4", meta.Filename)

	expectedHash := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(expectedHash[:]), meta.ContentHash)

	written, err := os.ReadFile(tempPath)
	assert.Nil(t, err)
	assert.Equal(t, payload, written)
}

func Test_Fetch_SizeMismatchRemovesTempFile(t *testing.T) {
	t.Parallel()
	server := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("short"))
	})

	tempPath := filepath.Join(t.TempDir(), "job.partial")
	media := &platform.ResolvedMedia{StreamURL: server.URL, ExpectedSize: 9999}

	_, err := download.NewExecutor().Fetch(context.Background(), media, tempPath, nil)
	assert.Equal(t, fault.IncompleteTransfer, fault.KindOf(err))
	assert.NoFileExists(t, tempPath)
}

func Test_Fetch_CancellationRemovesTempFile(t *testing.T) {
	t.Parallel()
	blocked := make(chan struct{})
	server := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		<-blocked
	})
	t.Cleanup(func() { close(blocked) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Millisecond * 100)
		cancel()
	}()

	tempPath := filepath.Join(t.TempDir(), "job.partial")
	media := &platform.ResolvedMedia{StreamURL: server.URL, ExpectedSize: 1 << 20}

	_, err := download.NewExecutor().Fetch(ctx, media, tempPath, nil)
	assert.Error(t, err)
	assert.NoFileExists(t, tempPath)
}

func Test_Fetch_StreamStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		summary      string
		status       int
		expectedKind fault.Kind
	}{
		{"gone stream is terminal", http.StatusGone, fault.NotFound},
		{"rejected stream is expired auth", http.StatusForbidden, fault.AuthExpired},
		{"throttled stream is rate limited", http.StatusTooManyRequests, fault.RateLimited},
		{"server error is unexpected", http.StatusBadGateway, fault.Unexpected},
	}

	for _, test := range tests {
		test := test
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()
			server := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(test.status)
			})

			tempPath := filepath.Join(t.TempDir(), "job.partial")
			media := &platform.ResolvedMedia{StreamURL: server.URL}

			_, err := download.NewExecutor().Fetch(context.Background(), media, tempPath, nil)
			assert.Equal(t, test.expectedKind, fault.KindOf(err))
			assert.NoFileExists(t, tempPath)
		})
	}
}

func Test_Fetch_ReportsProgress(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 4096)
	server := streamServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})

	var final download.ProgressUpdate
	tempPath := filepath.Join(t.TempDir(), "job.partial")
	media := &platform.ResolvedMedia{StreamURL: server.URL, ExpectedSize: int64(len(payload))}

	_, err := download.NewExecutor().Fetch(context.Background(), media, tempPath, func(update download.ProgressUpdate) {
		final = update
	})

	assert.Nil(t, err)
	assert.Equal(t, int64(len(payload)), final.BytesWritten)
	assert.Equal(t, int64(len(payload)), final.ExpectedSize)
}
