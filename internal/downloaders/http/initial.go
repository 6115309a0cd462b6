package reelhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// FileSize reports the resource length from a HEAD request.
func (c *Client) FileSize(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating HEAD request: %v", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error checking URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("URL not found (404)")
	} else if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("server returned error: %d", resp.StatusCode)
	}
	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		return 0, errors.New("server didn't provide Content-Length header")
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, errors.New("invalid file size reported by server")
	}
	c.log.Debug().Str("op", "http/initial").Str("url", url).Int64("size", size).Msg("Resolved file size")
	return size, nil
}

// SupportsRanges asks for the first two bytes and reports whether the server
// answered with 206 Partial Content.
func (c *Client) SupportsRanges(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("error creating range probe: %v", err)
	}
	req.Header.Set("Range", "bytes=0-1")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("error probing range support: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 2))
	supported := resp.StatusCode == http.StatusPartialContent
	c.log.Debug().Str("op", "http/initial").Str("url", url).Int("status", resp.StatusCode).Bool("rangeSupported", supported).Msg("Probed range support")
	return supported, nil
}
