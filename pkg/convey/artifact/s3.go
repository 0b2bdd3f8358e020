// Package artifact stores build artifacts in S3 and hands back their public
// URL for linking.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/convey-ci/convey/pkg/convey/scm"
)

// defaultPartSize is the part size for S3 multipart uploads.
const defaultPartSize = 5 * 1024 * 1024

// S3Config holds the configuration for the S3 artifact store.
type S3Config struct {
	BucketName string
	Region     string
	PartSize   int64
}

// uploader is the part of the S3 manager uploader the store uses. Tests fake
// this interface.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store implements scm.ArtifactStore using AWS S3.
type S3Store struct {
	cfg      S3Config
	uploader uploader
}

var _ scm.ArtifactStore = (*S3Store)(nil)

// NewS3Store produces a store uploading to the configured bucket. AWS
// credentials come from the default credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.BucketName == "" {
		return nil, xerrors.Errorf("bucket name is required")
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = defaultPartSize
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Errorf("cannot load AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}

	client := s3.NewFromConfig(awsCfg)
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
	})

	return &S3Store{cfg: cfg, uploader: up}, nil
}

// objectKey computes the bucket key for one artifact.
func objectKey(app scm.AppInfo, path string) string {
	return fmt.Sprintf("%s/%s/%s/%s", app.Owner, app.Name, app.Sha, filepath.Base(path))
}

// StoreFile implements scm.ArtifactStore. The artifact is uploaded under
// {owner}/{repo}/{sha}/{basename} and its public object URL returned.
func (s *S3Store) StoreFile(ctx context.Context, app scm.AppInfo, path string, creds scm.Credentials) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Errorf("cannot open artifact %s: %w", path, err)
	}
	defer f.Close()

	key := objectKey(app, path)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", xerrors.Errorf("cannot upload artifact: %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", xerrors.Errorf("cannot upload artifact: %w", err)
	}

	url := fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.cfg.BucketName, key)
	log.WithFields(log.Fields{"key": key, "bucket": s.cfg.BucketName}).Debug("artifact uploaded")
	return url, nil
}
