package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// L4 defaults.
const (
	DefaultColdRetentionDays = 90
	DefaultColdTimeout       = 5 * time.Second
	DefaultCleanupInterval   = 24 * time.Hour

	coldPrefix      = "cache/"
	coldIndexPrefix = "cache/index/"
	coldDateLayout  = "2006/01/02"
	deleteBatchSize = 1000
)

// ObjectStore is the subset of the S3 API used by ColdTier. *s3.Client
// satisfies it.
type ObjectStore interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// ColdTier is the L4 tier: long-retention cache entries in an object store.
//
// Entries are written to cache/YYYY/MM/DD/<key> (UTC date of the write) plus
// a pointer object cache/index/<key> holding the dated object key, so Get
// finds an entry whatever day it was written.
//
// A disabled tier misses on Get and does nothing on Put and Cleanup.
type ColdTier struct {
	store   ObjectStore
	bucket  string
	enabled bool
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// ColdOption configures a ColdTier.
type ColdOption func(*ColdTier)

// WithColdTimeout bounds each object store call.
func WithColdTimeout(d time.Duration) ColdOption {
	return func(c *ColdTier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithColdLogger sets the logger used by RunJanitor.
func WithColdLogger(l *slog.Logger) ColdOption {
	return func(c *ColdTier) {
		if l != nil {
			c.log = l
		}
	}
}

// NewColdTier returns an L4 tier over store. It is disabled when enabled is
// false or store is nil.
func NewColdTier(store ObjectStore, bucket string, enabled bool, opts ...ColdOption) *ColdTier {
	c := &ColdTier{
		store:   store,
		bucket:  bucket,
		enabled: enabled && store != nil,
		timeout: DefaultColdTimeout,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether the tier is active.
func (c *ColdTier) Enabled() bool { return c != nil && c.enabled }

// ObjectKey returns the dated object key for key written at t.
func ObjectKey(key string, t time.Time) string {
	return coldPrefix + t.UTC().Format(coldDateLayout) + "/" + key
}

// Get returns the stored response or (nil, nil) on a miss.
func (c *ColdTier) Get(ctx context.Context, key string) (*providers.Response, error) {
	if !c.Enabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pointer, found, err := c.read(ctx, coldIndexPrefix+key)
	if err != nil || !found {
		return nil, err
	}

	data, found, err := c.read(ctx, strings.TrimSpace(string(pointer)))
	if err != nil || !found {
		return nil, err
	}

	return decodeResponse(TierL4, data)
}

// Put writes the dated object and then the index pointer.
func (c *ColdTier) Put(ctx context.Context, key string, resp *providers.Response) error {
	if !c.Enabled() {
		return nil
	}

	data, err := encodeResponse(TierL4, resp)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	objectKey := ObjectKey(key, c.now())

	_, err = c.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return &TierError{Tier: TierL4, Op: "put", Err: err}
	}

	_, err = c.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(coldIndexPrefix + key),
		Body:        strings.NewReader(objectKey),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return &TierError{Tier: TierL4, Op: "put_index", Err: err}
	}
	return nil
}

// Cleanup deletes dated objects whose path date is before now-retentionDays
// and index pointers last modified before that cutoff. It returns the number
// of deleted objects. Running it twice is harmless.
func (c *ColdTier) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}
	if retentionDays <= 0 {
		retentionDays = DefaultColdRetentionDays
	}

	cutoff := c.now().UTC().AddDate(0, 0, -retentionDays)
	cutoffDay := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)

	var (
		batch   []types.ObjectIdentifier
		deleted int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.deleteBatch(ctx, batch)
		deleted += n
		batch = batch[:0]
		return err
	}

	pager := s3.NewListObjectsV2Paginator(c.store, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(coldPrefix),
	})

	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return deleted, &TierError{Tier: TierL4, Op: "list", Err: err}
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !expired(key, obj.LastModified, cutoff, cutoffDay) {
				continue
			}
			batch = append(batch, types.ObjectIdentifier{Key: aws.String(key)})
			if len(batch) == deleteBatchSize {
				if err := flush(); err != nil {
					return deleted, err
				}
			}
		}
	}

	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// RunJanitor calls Cleanup every interval until ctx is done. A failed run is
// logged and retried on the next tick.
func (c *ColdTier) RunJanitor(ctx context.Context, interval time.Duration, retentionDays int, onDeleted func(int)) error {
	if !c.Enabled() {
		return nil
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := c.Cleanup(ctx, retentionDays)
			if err != nil {
				c.log.WarnContext(ctx, "cold_cleanup_error",
					slog.Int("deleted", n),
					slog.String("error", err.Error()),
				)
			} else {
				c.log.InfoContext(ctx, "cold_cleanup_done",
					slog.Int("deleted", n),
					slog.Int("retention_days", retentionDays),
				)
			}
			if onDeleted != nil && n > 0 {
				onDeleted(n)
			}
		}
	}
}

// Ping checks that the bucket is reachable.
func (c *ColdTier) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return errors.New("cache: l4 disabled")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.store.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return &TierError{Tier: TierL4, Op: "ping", Err: err}
	}
	return nil
}

func (c *ColdTier) read(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := c.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, &TierError{Tier: TierL4, Op: "get", Err: err}
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, &TierError{Tier: TierL4, Op: "read", Err: err}
	}
	return data, true, nil
}

func (c *ColdTier) deleteBatch(ctx context.Context, objs []types.ObjectIdentifier) (int, error) {
	out, err := c.store.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(c.bucket),
		Delete: &types.Delete{
			Objects: append([]types.ObjectIdentifier(nil), objs...),
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return 0, &TierError{Tier: TierL4, Op: "delete", Err: err}
	}

	n := len(objs) - len(out.Errors)
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return n, &TierError{
			Tier: TierL4,
			Op:   "delete",
			Err:  fmt.Errorf("%d objects not deleted, first %s: %s", len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message)),
		}
	}
	return n, nil
}

// expired decides whether key falls outside retention. Dated objects are
// judged by the date in their path; pointers and anything unparsable by
// LastModified.
func expired(key string, lastModified *time.Time, cutoff, cutoffDay time.Time) bool {
	if !strings.HasPrefix(key, coldIndexPrefix) {
		rest := strings.TrimPrefix(key, coldPrefix)
		if len(rest) > len(coldDateLayout) {
			if day, err := time.Parse(coldDateLayout, rest[:len(coldDateLayout)]); err == nil {
				return day.Before(cutoffDay)
			}
		}
	}
	return lastModified != nil && lastModified.Before(cutoff)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// S3Config describes how to reach the cold tier bucket.
type S3Config struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client. Static credentials are used when set,
// otherwise the default AWS credential chain applies. Endpoint and path
// style target S3-compatible stores such as MinIO or LocalStack.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("cache: l4: load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}
