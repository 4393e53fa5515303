// Package objectstore implements the Object Storage Port (spec §4.D) over
// objstore://bucket/key URIs, backed by the AWS SDK v2 S3 client. This
// dependency has no analogue in the teacher repo; it is grounded on the
// other_examples manifests that pull in aws-sdk-go-v2/service/s3, and is
// wired here exactly as the spec's workspace/artifact storage concern
// (DESIGN.md records the out-of-pack justification).
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/streamspace/sandboxd/internal/apperr"
)

// URI identifies a bucket/key pair addressed via the objstore:// scheme
// (spec §3 workspace_uri / §4.D).
type URI struct {
	Bucket string
	Key    string
}

// ParseURI parses "objstore://bucket/key/with/slashes".
func ParseURI(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "objstore" {
		return URI{}, apperr.ValidationError(fmt.Sprintf("invalid objstore uri: %q", raw))
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return URI{}, apperr.ValidationError(fmt.Sprintf("objstore uri missing bucket or key: %q", raw))
	}
	return URI{Bucket: u.Host, Key: key}, nil
}

// String renders the URI back into objstore:// form.
func (u URI) String() string {
	return fmt.Sprintf("objstore://%s/%s", u.Bucket, u.Key)
}

// ObjectInfo is the result of Info/List (spec §4.D).
type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
	ETag         string
}

// Store is the Object Storage Port implementation.
type Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
}

// Config configures the S3-backed store. Endpoint is optional and, when
// set, points at an S3-compatible endpoint (e.g. MinIO) rather than AWS.
type Config struct {
	Bucket   string
	Endpoint string
	Region   string
}

// New builds a Store from the default AWS credential chain, optionally
// overriding the endpoint for S3-compatible deployments.
func New(ctx context.Context, cfg Config) (*Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "load aws config", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
			o.EndpointResolverV2 = staticEndpointResolver{url: endpoint}
		})
	}

	client := s3.NewFromConfig(awsCfg, opts...)
	return &Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
	}, nil
}

type staticEndpointResolver struct {
	url string
}

func (r staticEndpointResolver) ResolveEndpoint(ctx context.Context, params s3.EndpointParameters) (smithyendpoints.Endpoint, error) {
	u, err := url.Parse(r.url)
	if err != nil {
		return smithyendpoints.Endpoint{}, err
	}
	return smithyendpoints.Endpoint{URI: *u}, nil
}

// Upload writes data to uri, using the multipart uploader for large bodies.
func (s *Store) Upload(ctx context.Context, uri URI, data io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
		Body:   data,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "upload object", err)
	}
	return nil
}

// Download streams uri's contents into w.
func (s *Store) Download(ctx context.Context, uri URI, w io.WriterAt) error {
	_, err := s.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return apperr.NotFound("object", uri.String())
		}
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "download object", err)
	}
	return nil
}

// DownloadBytes is a convenience wrapper returning the full object body.
func (s *Store) DownloadBytes(ctx context.Context, uri URI) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("object", uri.String())
		}
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "get object", err)
	}
	defer out.Body.Close()
	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "read object body", err)
	}
	return buf.Bytes(), nil
}

// Exists reports whether uri names a live object.
func (s *Store) Exists(ctx context.Context, uri URI) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, apperr.Wrap(apperr.KindUpstreamUnavailable, "head object", err)
}

// Info returns object metadata without the body.
func (s *Store) Info(ctx context.Context, uri URI) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, apperr.NotFound("object", uri.String())
		}
		return ObjectInfo{}, apperr.Wrap(apperr.KindUpstreamUnavailable, "head object", err)
	}
	info := ObjectInfo{Key: uri.Key}
	if out.ContentLength != nil {
		info.SizeBytes = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	if out.ETag != nil {
		info.ETag = *out.ETag
	}
	return info, nil
}

// List returns every object under the given prefix within bucket.
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "list objects", err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.SizeBytes = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			if obj.ETag != nil {
				info.ETag = *obj.ETag
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// Delete removes a single object. Idempotent: deleting an absent object is
// not an error.
func (s *Store) Delete(ctx context.Context, uri URI) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "delete object", err)
	}
	return nil
}

// DeletePrefix removes every object under prefix, in batches of 1000 (the
// S3 DeleteObjects limit), used to tear down a session's workspace.
func (s *Store) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	objs, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	const batchSize = 1000
	for i := 0; i < len(objs); i += batchSize {
		end := i + batchSize
		if end > len(objs) {
			end = len(objs)
		}
		ids := make([]types.ObjectIdentifier, 0, end-i)
		for _, o := range objs[i:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(o.Key)})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids},
		}); err != nil {
			return apperr.Wrap(apperr.KindUpstreamUnavailable, "delete object batch", err)
		}
	}
	return nil
}

// Presign returns a time-limited GET URL for uri. No other package in this
// module calls it.
func (s *Store) Presign(ctx context.Context, uri URI, expiry time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "presign object url", err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404")
}
