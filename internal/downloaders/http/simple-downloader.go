package reelhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Download fetches the whole resource in one request. It is the fallback
// for servers that ignore Range headers.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{URL: url, Reason: "error creating GET request", Err: err}
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: url, Reason: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("unexpected status code: %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("error reading response body: %v", err), Err: err}
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("size mismatch: expected %d bytes, got %d", resp.ContentLength, len(data))}
	}
	c.log.Info().Str("op", "http/simple-downloader").Str("url", url).Int("bytes", len(data)).Msg("Simple download successful")
	return data, nil
}
