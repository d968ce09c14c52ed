package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
)

// maxTileSize bounds a single response body; vector tiles are far smaller.
const maxTileSize = 16 << 20

// Response is a fully read tile response.
type Response struct {
	Status     int
	Body       []byte
	RetryAfter time.Duration
}

// Fetcher performs one tile request. A returned error means no HTTP response
// was received.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Response, error)
}

// HTTPFetcher fetches tiles over HTTP with a fixed User-Agent.
type HTTPFetcher struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	now        func() time.Time
}

// NewHTTPFetcher creates a fetcher whose requests time out after timeout.
func NewHTTPFetcher(timeout time.Duration, userAgent string, logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		userAgent: userAgent,
		logger:    logger,
		now:       time.Now,
	}
}

// Fetch requests url and reads the whole body, so a tile is either complete
// or not returned at all.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("%w: create request: %v", apperrors.ErrTransport, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.Debug("tile request failed",
			"url", url,
			"error", err,
		)
		return Response{}, fmt.Errorf("%w: %v", apperrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, io.LimitReader(resp.Body, maxTileSize+1)); err != nil {
		return Response{}, fmt.Errorf("%w: read body: %v", apperrors.ErrTransport, err)
	}
	if buf.Len() > maxTileSize {
		return Response{}, fmt.Errorf("%w: body exceeds %d bytes", apperrors.ErrTransport, maxTileSize)
	}

	return Response{
		Status:     resp.StatusCode,
		Body:       buf.Bytes(),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), f.now()),
	}, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
			nr, err := src.Read(buf)
			if nr > 0 {
				nw, werr := dst.Write(buf[:nr])
				total += int64(nw)
				if werr != nil {
					return total, werr
				}
			}
			if err != nil {
				if err == io.EOF {
					return total, nil
				}
				return total, err
			}
		}
	}
}

// parseRetryAfter accepts both forms of the header: delay seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
