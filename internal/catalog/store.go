// Package catalog talks to the remote object store that holds the source
// volumes: listing subjects, sizing objects and streaming them down.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hcptensor/hcptensor/internal/config"
)

// Store is the read-only view of the remote collection used by the pipeline.
type Store interface {
	// ListPrefixes returns the names of the first-level children of prefix.
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)
	// Head returns the size of an object, or ErrNotFound.
	Head(ctx context.Context, key string) (int64, error)
	// Get opens a streamed read of an object, or returns ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// S3Store implements Store over an S3 bucket.
type S3Store struct {
	client       s3iface.S3API
	bucket       string
	requestPayer *string
}

var _ Store = (*S3Store)(nil)

// NewS3Store wraps an S3 client. An empty requestPayer omits the header.
func NewS3Store(client s3iface.S3API, bucket, requestPayer string) *S3Store {
	s := &S3Store{client: client, bucket: bucket}
	if requestPayer != "" {
		s.requestPayer = aws.String(requestPayer)
	}
	return s
}

// NewSession builds an AWS session whose HTTP transport retries transient
// failures with backoff. The SDK's own retryer is disabled so attempts are
// bounded in one place.
func NewSession(cfg config.RemoteConfig) (*session.Session, error) {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxAttempts - 1
	rc.Logger = leveledLogger{log.With().Str("component", "transport").Logger()}
	// Return the last response instead of a synthetic error so the SDK can
	// decode the service error body.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	awsCfg := &aws.Config{
		Region:     aws.String(cfg.Region),
		HTTPClient: rc.StandardClient(),
		MaxRetries: aws.Int(0),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return sess, nil
}

// CheckCredentials resolves the session's credentials.
func CheckCredentials(ctx context.Context, sess *session.Session) error {
	if sess.Config.Credentials == nil {
		return ErrNoCredentials
	}
	if _, err := sess.Config.Credentials.GetWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	return nil
}

// ListPrefixes walks every page of a delimited listing.
func (s *S3Store) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket:       aws.String(s.bucket),
		Prefix:       aws.String(prefix),
		Delimiter:    aws.String("/"),
		RequestPayer: s.requestPayer,
	}

	var names []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(cp.Prefix), prefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
	}
	return names, nil
}

// Head returns the content length of key.
func (s *S3Store) Head(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		RequestPayer: s.requestPayer,
	})
	if err != nil {
		if IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("head s3://%s/%s: %w", s.bucket, key, err)
	}
	return aws.Int64Value(out.ContentLength), nil
}

// Get opens a streamed read of key. The caller closes the body.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		RequestPayer: s.requestPayer,
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	return out.Body, nil
}

// IsNotFound reports whether err says the object does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}

// leveledLogger routes retryablehttp's messages through zerolog.
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.event(z.l.Error(), msg, kv) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.event(z.l.Warn(), msg, kv) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.event(z.l.Debug(), msg, kv) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.event(z.l.Trace(), msg, kv) }

func (z leveledLogger) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(k, kv[i+1])
	}
	e.Msg(msg)
}
