package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3Scheme = "s3://"

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config locates the bucket uploads go to.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
	MaxBytes  int64
	// SpoolDir holds the temporary copy made before upload; empty means the OS temp dir.
	SpoolDir string
}

// S3 stores uploads as objects addressed by s3://bucket/key paths.
type S3 struct {
	client s3API
	cfg    S3Config
}

// NewS3 builds an S3 store from the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3WithClient(client, cfg), nil
}

func newS3WithClient(client s3API, cfg S3Config) *S3 {
	return &S3{client: client, cfg: cfg}
}

// Save spools r to a temporary file so the size is known and enforced, then uploads it.
func (s *S3) Save(ctx context.Context, name string, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.cfg.SpoolDir, "upload-*.csv")
	if err != nil {
		return "", 0, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	n, err := copyLimited(tmp, r, s.cfg.MaxBytes)
	if err != nil {
		return "", 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewind spool file: %w", err)
	}

	key := path.Join(strings.Trim(s.cfg.Prefix, "/"), objectName(name))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          tmp,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String("text/csv"),
	})
	if err != nil {
		return "", 0, fmt.Errorf("put object: %w", err)
	}
	return s3Scheme + s.cfg.Bucket + "/" + key, n, nil
}

// Open streams the object. Every call issues a fresh GetObject.
func (s *S3) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	bucket, key, err := splitS3Path(p)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotExist)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// Exists reports whether the object is present.
func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	bucket, key, err := splitS3Path(p)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head object: %w", err)
	}
	return true, nil
}

// Remove deletes the object.
func (s *S3) Remove(ctx context.Context, p string) error {
	bucket, key, err := splitS3Path(p)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func splitS3Path(p string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(p, s3Scheme)
	if ok {
		bucket, key, ok = strings.Cut(rest, "/")
	}
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 path %q", p)
	}
	return bucket, key, nil
}
