package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reelhttp "github.com/tanq16/reelfetch/internal/downloaders/http"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

type fakeS3 struct {
	objects map[string][]byte
	gets    atomic.Int32
	short   bool
}

func (f *fakeS3) lookup(in *string) ([]byte, error) {
	data, ok := f.objects[aws.ToString(in)]
	if !ok {
		return nil, &statusErr{404}
	}
	return data, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, err := f.lookup(in.Key)
	if err != nil {
		return nil, err
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets.Add(1)
	data, err := f.lookup(in.Key)
	if err != nil {
		return nil, err
	}
	if in.Range == nil {
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(data)),
			ContentLength: aws.Int64(int64(len(data))),
		}, nil
	}
	var start, end int64
	if _, err := fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &start, &end); err != nil {
		return nil, &statusErr{416}
	}
	if start >= int64(len(data)) {
		return nil, &statusErr{416}
	}
	end = min(end, int64(len(data))-1)
	part := data[start : end+1]
	if f.short {
		part = part[:len(part)/2]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(part)),
		ContentLength: aws.Int64(int64(len(part))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))),
	}, nil
}

func newFake() *fakeS3 {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 7)
	}
	return &fakeS3{objects: map[string][]byte{"videos/reel.mp4": data}}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		url, bucket, key string
		wantErr          bool
	}{
		{"s3://media/videos/reel.mp4", "media", "videos/reel.mp4", false},
		{"s3://media/reel.mp4", "media", "reel.mp4", false},
		{"s3://media", "", "", true},
		{"s3://media/folder/", "", "", true},
		{"s3:///key", "", "", true},
		{"https://media/key", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			bucket, key, err := parseS3URL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestFileSizeAndRanges(t *testing.T) {
	src := NewFromAPI(newFake())
	size, err := src.FileSize(context.Background(), "s3://media/videos/reel.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), size)

	_, err = src.FileSize(context.Background(), "s3://media/missing.mp4")
	assert.Error(t, err)

	ok, err := src.SupportsRanges(context.Background(), "s3://media/videos/reel.mp4")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = src.SupportsRanges(context.Background(), "s3://media")
	assert.Error(t, err)
}

func TestDownloadChunk(t *testing.T) {
	fake := newFake()
	src := NewFromAPI(fake)
	got, err := src.DownloadChunk(context.Background(), "s3://media/videos/reel.mp4", 1000, 1500)
	require.NoError(t, err)
	assert.Equal(t, fake.objects["videos/reel.mp4"][1000:2500], got)
}

func TestDownloadChunkFailures(t *testing.T) {
	fake := newFake()
	src := NewFromAPI(fake)

	_, err := src.DownloadChunk(context.Background(), "s3://media/missing.mp4", 0, 10)
	var dErr *reelhttp.DownloadError
	require.True(t, errors.As(err, &dErr))
	assert.Equal(t, 404, dErr.StatusCode)
	assert.ErrorIs(t, err, reelhttp.ErrDownloadFailed)

	fake.short = true
	_, err = src.DownloadChunk(context.Background(), "s3://media/videos/reel.mp4", 0, 100)
	require.True(t, errors.As(err, &dErr))
	assert.Contains(t, dErr.Reason, "size mismatch")
}

func TestDownloadWholeObject(t *testing.T) {
	fake := newFake()
	src := NewFromAPI(fake)
	got, err := src.Download(context.Background(), "s3://media/videos/reel.mp4")
	require.NoError(t, err)
	assert.Equal(t, fake.objects["videos/reel.mp4"], got)
	assert.GreaterOrEqual(t, fake.gets.Load(), int32(1))
}
