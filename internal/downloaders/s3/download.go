package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	reelhttp "github.com/tanq16/reelfetch/internal/downloaders/http"
	"github.com/tanq16/reelfetch/internal/utils"
)

// DownloadChunk issues one ranged GetObject. Like the HTTP client it only
// succeeds when exactly size bytes come back.
func (s *Source) DownloadChunk(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, &reelhttp.DownloadError{URL: url, Reason: err.Error(), Err: err}
	}
	if offset < 0 || size <= 0 {
		return nil, &reelhttp.DownloadError{URL: url, Reason: fmt.Sprintf("invalid range offset=%d size=%d", offset, size)}
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+size-1)
	s.log.Debug().Str("op", "s3/download").Str("key", key).Str("range", rangeHeader).Msg("Requesting object range")
	result, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, &reelhttp.DownloadError{URL: url, StatusCode: statusCode(err), Reason: fmt.Sprintf("error getting object: %v", err), Err: err}
	}
	defer result.Body.Close()
	data, err := io.ReadAll(io.LimitReader(result.Body, size+1))
	if err != nil {
		return nil, &reelhttp.DownloadError{URL: url, Reason: fmt.Sprintf("error reading object body: %v", err), Err: err}
	}
	if int64(len(data)) != size {
		return nil, &reelhttp.DownloadError{URL: url, Reason: fmt.Sprintf("size mismatch: expected %d bytes, got %d", size, len(data))}
	}
	return data, nil
}

// Download fetches the whole object with the transfer manager.
func (s *Source) Download(ctx context.Context, url string) ([]byte, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, &reelhttp.DownloadError{URL: url, Reason: err.Error(), Err: err}
	}
	downloader := manager.NewDownloader(s.api, func(d *manager.Downloader) {
		d.PartSize = 2 * utils.DefaultChunkSize
		d.Concurrency = 4
	})
	buf := manager.NewWriteAtBuffer(nil)
	n, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &reelhttp.DownloadError{URL: url, StatusCode: statusCode(err), Reason: fmt.Sprintf("error downloading S3 object: %v", err), Err: err}
	}
	s.log.Info().Str("op", "s3/download").Str("bucket", bucket).Str("key", key).Int64("bytes", n).Msg("Object download complete")
	return buf.Bytes()[:n], nil
}
