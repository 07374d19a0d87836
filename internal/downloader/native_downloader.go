package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/justchokingaround/mbplay/internal/metrics"
)

const progressInterval = 500 * time.Millisecond

// transfer streams url into path, updating t as bytes arrive
func (m *Manager) transfer(ctx context.Context, t *Transfer, url string, headers map[string]string, path string) (int64, error) {
	body, size, err := m.http.Stream(ctx, url, headers)
	if err != nil {
		return 0, fmt.Errorf("failed to download: %w", err)
	}
	defer func() { _ = body.Close() }()
	t.setTotal(size)

	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = out.Close() }()

	buffer := make([]byte, 32*1024)
	var downloaded int64
	lastUpdate := time.Now()
	lastDownloaded := int64(0)

	for {
		if err := ctx.Err(); err != nil {
			return downloaded, err
		}

		n, err := body.Read(buffer)
		if n > 0 {
			if _, writeErr := out.Write(buffer[:n]); writeErr != nil {
				return downloaded, fmt.Errorf("failed to write to file: %w", writeErr)
			}
			downloaded += int64(n)
			metrics.AddDownloadBytes(n)

			elapsed := time.Since(lastUpdate)
			if elapsed >= progressInterval {
				t.update(downloaded, int64(float64(downloaded-lastDownloaded)/elapsed.Seconds()))
				lastUpdate = time.Now()
				lastDownloaded = downloaded
				if m.onProgress != nil {
					m.onProgress(t)
				}
			} else {
				t.update(downloaded, -1)
			}
		}

		if err != nil {
			if err == io.EOF {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return downloaded, ctxErr
			}
			return downloaded, fmt.Errorf("error reading response: %w", err)
		}
	}

	if size > 0 && downloaded != size {
		return downloaded, fmt.Errorf("short download: got %d of %d bytes", downloaded, size)
	}
	if err := out.Close(); err != nil {
		return downloaded, fmt.Errorf("error closing output file: %w", err)
	}
	return downloaded, nil
}
