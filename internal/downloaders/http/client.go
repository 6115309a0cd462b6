package reelhttp

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tanq16/reelfetch/internal/utils"
)

var ErrDownloadFailed = errors.New("download failed")

// DownloadError describes why a single request did not produce the
// expected bytes. StatusCode is zero for transport failures.
type DownloadError struct {
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download failed (HTTP %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("download failed: %s", e.Reason)
}

func (e *DownloadError) Is(target error) bool {
	return target == ErrDownloadFailed
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Client issues byte-range requests against HTTP(S) resources. It does not
// retry; the fetch orchestrator owns retry policy.
type Client struct {
	http utils.HTTPDoer
	log  zerolog.Logger
}

func NewClient(cfg utils.HTTPClientConfig) *Client {
	return NewClientWithDoer(utils.NewReelHTTPClient(cfg))
}

func NewClientWithDoer(doer utils.HTTPDoer) *Client {
	return &Client{
		http: doer,
		log:  utils.GetLogger("http"),
	}
}
