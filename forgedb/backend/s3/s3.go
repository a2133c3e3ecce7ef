// Package s3 implements the object-store backend against S3-compatible
// storage. Commit serialisation relies on conditional PUT (If-None-Match: *),
// supported by AWS S3 and MinIO.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cristalhq/hedgedhttp"
	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/deltaforge/deltaforge/forgedb/backend"
)

type readerWriter struct {
	logger gkLog.Logger
	cfg    *Config
	client *minio.Client
	// hedged client is used for read paths only; hedging a conditional PUT
	// could fire the same create twice.
	hedgedClient *minio.Client
}

// New creates an S3 backend and verifies the bucket is reachable.
func New(cfg *Config, logger gkLog.Logger) (backend.RawBackend, error) {
	return internalNew(cfg, logger, true)
}

// NewNoConfirm creates an S3 backend without probing the bucket.
func NewNoConfirm(cfg *Config, logger gkLog.Logger) (backend.RawBackend, error) {
	return internalNew(cfg, logger, false)
}

func internalNew(cfg *Config, logger gkLog.Logger, confirm bool) (backend.RawBackend, error) {
	client, err := createClient(cfg, false)
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	hedgedClient, err := createClient(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("creating hedged s3 client: %w", err)
	}

	if confirm {
		exists, err := client.BucketExists(context.Background(), cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
		}
		if !exists {
			return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
		}
	}

	return &readerWriter{logger: logger, cfg: cfg, client: client, hedgedClient: hedgedClient}, nil
}

func createClient(cfg *Config, hedge bool) (*minio.Client, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey.String(),
			},
		},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{
			Client: &http.Client{Transport: http.DefaultTransport},
		},
	})

	customTransport, err := minio.DefaultTransport(!cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("create minio.DefaultTransport: %w", err)
	}
	if cfg.InsecureSkipVerify {
		customTransport.TLSClientConfig.InsecureSkipVerify = true
	}
	if cfg.MaxConnections > 0 {
		customTransport.MaxIdleConnsPerHost = cfg.MaxConnections
	}

	var transport http.RoundTripper = customTransport
	if hedge && cfg.HedgeRequestsAt != 0 {
		transport, err = hedgedhttp.NewRoundTripper(cfg.HedgeRequestsAt, cfg.HedgeRequestsUpTo, transport)
		if err != nil {
			return nil, err
		}
	}

	opts := &minio.Options{
		Region:    cfg.Region,
		Secure:    !cfg.Insecure,
		Creds:     creds,
		Transport: transport,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	return minio.New(cfg.Endpoint, opts)
}

func (rw *readerWriter) Read(ctx context.Context, path string) ([]byte, error) {
	obj, err := rw.hedgedClient.GetObject(ctx, rw.cfg.Bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, readError(err)
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, readError(err)
	}
	return b, nil
}

func (rw *readerWriter) List(ctx context.Context, prefix string) ([]string, error) {
	attrs, err := rw.ListWithAttributes(ctx, prefix)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(attrs))
	for _, a := range attrs {
		paths = append(paths, a.Path)
	}
	return paths, nil
}

func (rw *readerWriter) ListWithAttributes(ctx context.Context, prefix string) ([]backend.ObjectAttrs, error) {
	var objects []backend.ObjectAttrs
	for obj := range rw.client.ListObjects(ctx, rw.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, obj.Err)
		}
		objects = append(objects, backend.ObjectAttrs{
			Path:         obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return objects, nil
}

func (rw *readerWriter) Write(ctx context.Context, path string, data io.Reader, size int64) error {
	info, err := rw.client.PutObject(ctx, rw.cfg.Bucket, path, data, size, minio.PutObjectOptions{
		PartSize: rw.cfg.PartSize,
	})
	if err != nil {
		return fmt.Errorf("writing object %s: %w", path, err)
	}
	level.Debug(rw.logger).Log("msg", "object uploaded to s3", "object", path, "size", info.Size)
	return nil
}

func (rw *readerWriter) CreateIfNotExists(ctx context.Context, path string, data []byte) error {
	opts := minio.PutObjectOptions{}
	// If-None-Match: * makes the PUT succeed only when no object exists.
	opts.SetMatchETagExcept("*")

	_, err := rw.client.PutObject(ctx, rw.cfg.Bucket, path, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed {
			return backend.ErrAlreadyExists
		}
		return fmt.Errorf("conditional create of %s: %w", path, err)
	}
	return nil
}

func (rw *readerWriter) Delete(ctx context.Context, path string) error {
	err := rw.client.RemoveObject(ctx, rw.cfg.Bucket, path, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func readError(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return backend.ErrDoesNotExist
	}
	return err
}
