package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mediavault/fetchd/internal/fault"
	"github.com/mediavault/fetchd/internal/platform"
	"github.com/mediavault/fetchd/pkg/logger"
)

var log = logger.Get("Download")

const copyBufferSize = 256 * 1024

type (
	// ArtifactMeta describes the bytes an executor landed on disk. The
	// content hash is computed over the stream as it is written, so the
	// file never needs a second read.
	ArtifactMeta struct {
		Size        int64
		ContentHash string
		Filename    string
	}

	// ProgressUpdate is emitted periodically while a transfer is in
	// flight. ExpectedSize is zero when the platform did not declare one.
	ProgressUpdate struct {
		BytesWritten int64
		ExpectedSize int64
	}

	ProgressHandler func(ProgressUpdate)

	// Executor streams resolved media to local temporary storage. It is
	// stateless and safe for concurrent use by multiple worker slots.
	Executor struct {
		client *http.Client
	}
)

func NewExecutor() *Executor {
	return &Executor{
		client: &http.Client{Timeout: 0},
	}
}

// Fetch streams the media's content to tempPath, verifying the byte count
// against the platform's declared size. On any failure, including context
// cancellation, the partially-written temp file is removed; a temp file only
// survives this call when the transfer completed and verified.
func (executor *Executor) Fetch(ctx context.Context, media *platform.ResolvedMedia, tempPath string, onProgress ProgressHandler) (*ArtifactMeta, error) {
	if err := os.MkdirAll(filepath.Dir(tempPath), 0755); err != nil {
		return nil, fault.New(fault.IOFailure, fmt.Errorf("failed to create temp dir: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, media.StreamURL, nil)
	if err != nil {
		return nil, fault.New(fault.Unexpected, err)
	}

	resp, err := executor.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, classifyStreamStatus(resp)
	}

	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fault.New(fault.IOFailure, fmt.Errorf("failed to open temp file: %w", err))
	}

	hasher := sha256.New()
	written, err := executor.copyStream(ctx, io.MultiWriter(out, hasher), resp.Body, media.ExpectedSize, onProgress)
	closeErr := out.Close()

	if err == nil && closeErr != nil {
		err = fault.New(fault.IOFailure, fmt.Errorf("failed to flush temp file: %w", closeErr))
	}
	if err == nil && media.ExpectedSize > 0 && written != media.ExpectedSize {
		err = fault.Newf(fault.IncompleteTransfer, "transfer ended after %d of %d bytes", written, media.ExpectedSize)
	}

	if err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil && !os.IsNotExist(removeErr) {
			log.Warnf("Failed to remove partial temp file %s: %v\n", tempPath, removeErr)
		}

		return nil, err
	}

	return &ArtifactMeta{
		Size:        written,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		Filename:    media.Filename,
	}, nil
}

// copyStream copies src to dst in fixed-size chunks, checking for context
// cancellation between chunks and emitting throttled progress updates.
func (executor *Executor) copyStream(ctx context.Context, dst io.Writer, src io.Reader, expectedSize int64, onProgress ProgressHandler) (int64, error) {
	buffer := make([]byte, copyBufferSize)
	var written int64
	lastReport := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, fault.New(fault.IOFailure, fmt.Errorf("transfer cancelled: %w", err))
		}

		n, readErr := src.Read(buffer)
		if n > 0 {
			if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
				return written, fault.New(fault.IOFailure, fmt.Errorf("failed to write chunk: %w", writeErr))
			}

			written += int64(n)
			if onProgress != nil && time.Since(lastReport) > time.Second {
				lastReport = time.Now()
				onProgress(ProgressUpdate{BytesWritten: written, ExpectedSize: expectedSize})
			}
		}

		if readErr == io.EOF {
			if onProgress != nil {
				onProgress(ProgressUpdate{BytesWritten: written, ExpectedSize: expectedSize})
			}

			return written, nil
		} else if readErr != nil {
			return written, fault.Newf(fault.IncompleteTransfer, "stream read failed after %d bytes: %v", written, readErr)
		}
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fault.New(fault.IOFailure, fmt.Errorf("transfer cancelled: %w", ctx.Err()))
	}

	return fault.Newf(fault.IncompleteTransfer, "stream request failed: %v", err)
}

func classifyStreamStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fault.Newf(fault.AuthExpired, "stream host rejected credentials (status %d)", resp.StatusCode)
	case http.StatusNotFound, http.StatusGone:
		return fault.Newf(fault.NotFound, "stream no longer available (status %d)", resp.StatusCode)
	case http.StatusTooManyRequests:
		return fault.NewRateLimited(fmt.Errorf("stream host throttled the transfer"), 0)
	default:
		return fault.Newf(fault.Unexpected, "stream host returned status %d", resp.StatusCode)
	}
}
