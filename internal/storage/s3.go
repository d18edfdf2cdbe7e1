package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/jo-hoe/heic2png/internal/common"
	"github.com/jo-hoe/heic2png/internal/config"
)

const s3Scheme = "s3://"

// S3Store writes artifacts to <prefix>results/<id>/ in an S3 compatible
// bucket. References have the form s3://<bucket>/<key>.
type S3Store struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

var _ ArtifactStore = (*S3Store)(nil)

func NewS3Store(cfg config.S3Settings) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3Store{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

func (s *S3Store) key(jobID string, idx int, ext string) string {
	return s.prefix + path.Join(common.ResultsDirName, jobID, artifactName(idx, ext))
}

func (s *S3Store) Save(ctx context.Context, jobID, ext, contentType string, artifacts [][]byte) (string, error) {
	if len(artifacts) == 0 {
		return "", errors.New("no artifacts to save")
	}
	for i, data := range artifacts {
		input := &s3manager.UploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(jobID, i, ext)),
			Body:   bytes.NewReader(data),
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
			return "", fmt.Errorf("upload artifact %d: %w", i, err)
		}
	}
	return s3Scheme + s.bucket + "/" + s.key(jobID, 0, ext), nil
}

func (s *S3Store) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	bucket, key, ok := parseS3Ref(ref)
	if !ok || bucket != s.bucket {
		return nil, 0, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
		}
		return nil, 0, fmt.Errorf("get artifact: %w", err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func parseS3Ref(ref string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(ref, s3Scheme) {
		return "", "", false
	}
	bucket, key, ok = strings.Cut(strings.TrimPrefix(ref, s3Scheme), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey
}
