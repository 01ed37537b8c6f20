package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dorcha-inc/toolhost/internal/core"
	"go.uber.org/zap"
)

const (
	// DefaultRetries is the number of download attempts before giving up
	DefaultRetries = 3

	backoffBase = time.Second
	backoffMax  = 10 * time.Second

	copyBufferSize = 32 * 1024
)

// downloadProgress is called with the bytes written so far and the total size,
// which is zero when the server did not announce one
type downloadProgress func(done int64, total int64)

// backoff returns the wait before the given retry (1-based): 1s, 2s, 4s, capped at 10s
func backoff(retry int) time.Duration {
	delay := backoffBase << (retry - 1)
	if delay > backoffMax || delay <= 0 {
		return backoffMax
	}
	return delay
}

// download streams url into dest, retrying transient failures. A retry resumes from
// the bytes already on disk with a Range request.
func (i *Installer) download(ctx context.Context, url string, dest string, onProgress downloadProgress) error {
	var lastErr error
	for attempt := 1; attempt <= i.retries; attempt++ {
		if attempt > 1 {
			delay := backoff(attempt - 1)
			zap.L().Warn("Download failed, retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := i.clock.NewTimer(delay)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("download cancelled: %w", ctx.Err())
			}
		}

		lastErr = i.downloadOnce(ctx, url, dest, onProgress)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("download cancelled: %w", ctx.Err())
		}

		var statusErr *HTTPStatusError
		if errors.As(lastErr, &statusErr) && !statusErr.Retryable() {
			return lastErr
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", i.retries, lastErr)
}

func (i *Installer) downloadOnce(ctx context.Context, url string, dest string, onProgress downloadProgress) error {
	var offset int64
	if info, err := os.Stat(dest); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer core.LogDeferredError(resp.Body.Close)

	flags := os.O_CREATE | os.O_WRONLY
	var total int64
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
		total = contentRangeTotal(resp.Header.Get("Content-Range"))
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// the previous attempt already received every byte
		onProgress(offset, offset)
		return nil
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
	default:
		return NewHTTPStatusError(url, resp.StatusCode)
	}

	// #nosec G304 -- dest is a job-scoped path inside the host's temp directory
	file, err := os.OpenFile(dest, flags, 0600)
	if err != nil {
		return fmt.Errorf("failed to open download file: %w", err)
	}
	defer core.LogDeferredError(file.Close)

	done := offset
	onProgress(done, total)

	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write download file: %w", err)
			}
			done += int64(n)
			onProgress(done, total)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read download body: %w", readErr)
		}
	}

	if total > 0 && done < total {
		return fmt.Errorf("download of %s ended early: received %d of %d bytes", url, done, total)
	}
	return nil
}

// contentRangeTotal parses the complete length from "bytes 100-199/200"
func contentRangeTotal(header string) int64 {
	_, size, ok := strings.Cut(header, "/")
	if !ok || size == "*" {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0
	}
	return total
}

// hashFile returns the hex SHA-256 digest of the file at path
func hashFile(path string) (string, error) {
	// #nosec G304 -- path is a job-scoped download inside the host's temp directory
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer core.LogDeferredError(file.Close)

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// normalizeChecksum lowercases a hex digest and strips an optional "sha256:" prefix
func normalizeChecksum(checksum string) string {
	checksum = strings.ToLower(strings.TrimSpace(checksum))
	return strings.TrimPrefix(checksum, "sha256:")
}

// verifyChecksum compares the SHA-256 of path against expected
func verifyChecksum(toolID string, path string, expected string) error {
	actual, err := hashFile(path)
	if err != nil {
		return err
	}
	if actual != normalizeChecksum(expected) {
		return NewIntegrityError(toolID, normalizeChecksum(expected), actual)
	}
	return nil
}
