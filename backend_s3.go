package nbdcache

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/pkg/errors"
)

const (
	defaultS3Chunk  = 1024 * 1024
	defaultS3Chunks = 64
)

// S3API is the part of the S3 client the backend uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// NewS3Client builds a client from the default AWS configuration, with
// static credentials and a custom endpoint when configured.
func NewS3Client(ctx context.Context, cfg *S3Config) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, func(lo *config.LoadOptions) error {
		lo.Region = cfg.Region

		if cfg.AccessKey != "" {
			lo.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "initializing S3 configuration")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.URL != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.URL)
		}
	}), nil
}

// S3Backend serves an S3 object as a read only export. The object is read
// in fixed size chunks with ranged GETs, recently used chunks are kept in
// memory.
type S3Backend struct {
	log    hclog.Logger
	sc     S3API
	bucket string
	key    string
	size   int64
	chunk  int64

	lru *lru.Cache[int64, []byte]
}

var _ nbd.Backend = &S3Backend{}

func translateS3Error(err error, bucket, key string) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return errors.Wrapf(os.ErrNotExist, "s3://%s/%s", bucket, key)
		}
	}

	return errors.Wrapf(err, "s3://%s/%s", bucket, key)
}

func NewS3Backend(ctx context.Context, log hclog.Logger, sc S3API, bucket, key string) (*S3Backend, error) {
	out, err := sc.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, translateS3Error(err, bucket, key)
	}

	l, err := lru.New[int64, []byte](defaultS3Chunks)
	if err != nil {
		return nil, err
	}

	return &S3Backend{
		log:    log.Named("s3").With("bucket", bucket, "key", key),
		sc:     sc,
		bucket: bucket,
		key:    key,
		size:   aws.ToInt64(out.ContentLength),
		chunk:  defaultS3Chunk,
		lru:    l,
	}, nil
}

func (b *S3Backend) fetchChunk(idx int64) ([]byte, error) {
	if data, ok := b.lru.Get(idx); ok {
		return data, nil
	}

	start := idx * b.chunk
	end := start + b.chunk
	if end > b.size {
		end = b.size
	}

	rng := fmt.Sprintf("bytes=%d-%d", start, end-1)

	b.log.Trace("fetching chunk", "range", rng)

	out, err := b.sc.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &b.key,
		Range:  &rng,
	})
	if err != nil {
		return nil, translateS3Error(err, b.bucket, b.key)
	}

	defer out.Body.Close()

	data := make([]byte, end-start)

	if _, err := io.ReadFull(out.Body, data); err != nil {
		return nil, errors.Wrapf(err, "reading %s of s3://%s/%s", rng, b.bucket, b.key)
	}

	b.lru.Add(idx, data)

	return data, nil
}

func (b *S3Backend) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, io.EOF
	}

	var n int

	for n < len(p) && off < b.size {
		data, err := b.fetchChunk(off / b.chunk)
		if err != nil {
			return n, err
		}

		c := copy(p[n:], data[off%b.chunk:])
		n += c
		off += int64(c)
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (b *S3Backend) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrReadOnlyBackend
}

func (b *S3Backend) Trim(off, sz int64) error {
	return ErrReadOnlyBackend
}

func (b *S3Backend) Size() (int64, error) {
	return b.size, nil
}

func (b *S3Backend) Sync() error {
	return nil
}
