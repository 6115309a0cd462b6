package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func (s *Source) FileSize(ctx context.Context, url string) (int64, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return 0, err
	}
	headObj, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("error accessing S3 object: %w", err)
	}
	if headObj.ContentLength == nil || *headObj.ContentLength <= 0 {
		return 0, fmt.Errorf("S3 object s3://%s/%s reported no size", bucket, key)
	}
	s.log.Debug().Str("op", "s3/initial").Str("bucket", bucket).Str("key", key).Int64("size", *headObj.ContentLength).Msg("Resolved object size")
	return *headObj.ContentLength, nil
}

// SupportsRanges is always true for S3 once the URL is well formed.
func (s *Source) SupportsRanges(ctx context.Context, url string) (bool, error) {
	if _, _, err := parseS3URL(url); err != nil {
		return false, err
	}
	return true, nil
}
