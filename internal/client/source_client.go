package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/yajmaan/sevaflow/internal/config"
	"go.uber.org/zap"
)

// Video is a downloaded source video held in memory
type Video struct {
	Data        []byte
	ContentType string
	Ext         string
}

// Size returns the length of the video in bytes
func (v *Video) Size() int64 {
	return int64(len(v.Data))
}

// VideoSource fetches the video behind a batch link
type VideoSource interface {
	Fetch(ctx context.Context, url string) (*Video, error)
}

// HTTPSourceClient downloads videos over HTTP(S). Share links (Canva exports,
// CDN URLs) are expected to resolve to the file itself after redirects.
type HTTPSourceClient struct {
	httpClient *http.Client
	maxBytes   int64
	userAgent  string
	logger     *zap.Logger
}

// NewHTTPSourceClient creates a source client from config
func NewHTTPSourceClient(cfg *config.SourceConfig, logger *zap.Logger) *HTTPSourceClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxMB := cfg.MaxVideoMB
	if maxMB <= 0 {
		maxMB = 256
	}
	return &HTTPSourceClient{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   int64(maxMB) << 20,
		userAgent:  cfg.UserAgent,
		logger:     logger.Named("source"),
	}
}

// Fetch downloads the video and checks that it really is one
func (c *HTTPSourceClient) Fetch(ctx context.Context, rawURL string) (*Video, error) {
	if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid source url %q", ErrSourceInvalidFormat, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.logger.Debug("fetching source video", zap.String("url", rawURL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("source request failed", zap.String("url", rawURL), zap.Bool("timeout", isTimeout(err)), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("source returned non-2xx", zap.String("url", rawURL), zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnreachable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrSourceUnreachable, err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("%w: video exceeds %d bytes", ErrSourceInvalidFormat, c.maxBytes)
	}

	video, err := DetectVideo(data)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched source video",
		zap.String("url", rawURL),
		zap.Int("bytes", len(data)),
		zap.String("content_type", video.ContentType),
	)
	return video, nil
}

// DetectVideo sniffs data and rejects anything that is not a video
func DetectVideo(data []byte) (*Video, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrSourceInvalidFormat)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "video/") {
		return nil, fmt.Errorf("%w: got %s", ErrSourceInvalidFormat, mt.String())
	}
	contentType := mt.String()
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return &Video{
		Data:        data,
		ContentType: contentType,
		Ext:         strings.TrimPrefix(mt.Extension(), "."),
	}, nil
}

// Reader returns a fresh reader over the video bytes
func (v *Video) Reader() io.Reader {
	return bytes.NewReader(v.Data)
}

// MockSourceClient returns a tiny MP4 for every link
type MockSourceClient struct{}

// Fetch returns a placeholder video
func (MockSourceClient) Fetch(_ context.Context, rawURL string) (*Video, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty url", ErrSourceInvalidFormat)
	}
	return DetectVideo(MockMP4)
}

// MockMP4 is the smallest byte sequence mimetype recognises as video/mp4
var MockMP4 = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'm', 'p', '4', '2', 0x00, 0x00, 0x00, 0x00,
	'm', 'p', '4', '2', 'i', 's', 'o', 'm',
}
