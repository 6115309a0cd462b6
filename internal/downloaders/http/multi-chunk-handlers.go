package reelhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// DownloadChunk fetches [offset, offset+size) with one range request. The
// response must be 200 or 206 and carry exactly size bytes; anything else is
// a *DownloadError and no bytes are returned.
func (c *Client) DownloadChunk(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	if offset < 0 || size <= 0 {
		return nil, &DownloadError{URL: url, Reason: fmt.Sprintf("invalid range offset=%d size=%d", offset, size)}
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+size-1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{URL: url, Reason: "error creating request", Err: err}
	}
	req.Header.Set("Range", rangeHeader)
	req.Header.Set("Connection", "keep-alive")
	c.log.Debug().Str("op", "http/chunk").Str("range", rangeHeader).Msg("Sending range request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: url, Reason: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("unexpected status code: %d", resp.StatusCode)}
	}
	// read one byte past the range so oversized bodies are caught
	data := make([]byte, 0, size)
	buf := make([]byte, min(size+1, 256*1024))
	body := io.LimitReader(resp.Body, size+1)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("error reading response body: %v", readErr), Err: readErr}
		}
	}
	if int64(len(data)) != size {
		c.log.Debug().Str("op", "http/chunk").Str("range", rangeHeader).Int64("expected", size).Int("got", len(data)).Msg("Size mismatch on chunk download")
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("size mismatch: expected %d bytes, got %d", size, len(data))}
	}
	return data, nil
}
