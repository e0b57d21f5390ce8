package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"capsule-go/internal/capsule"
	"capsule-go/internal/config"
)

// s3Timeout bounds each vault operation; the Vault interface carries no
// context of its own.
const s3Timeout = 10 * time.Minute

// versionKey is the user metadata key holding a metadata item's version.
const versionKey = "capsule-version"

// S3Vault stores content and metadata as objects in one bucket:
//
//	<prefix>content/<checksum>
//	<prefix>metadata/<instance>/<name>    with the version in object metadata
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Vault builds a client from cfg. Static keys are used when set,
// otherwise the default AWS credential chain. S3Endpoint points the client
// at an S3-compatible service.
func NewS3Vault(ctx context.Context, cfg config.VaultConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})

	return &S3Vault{
		name:     cfg.Name,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (v *S3Vault) contentKey(checksum string) string {
	return v.prefix + path.Join("content", checksum)
}

func (v *S3Vault) metadataKey(instanceID, name string) string {
	return v.prefix + path.Join("metadata", instanceID, name)
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s3Timeout)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// PutContent uploads content unless an object with this checksum exists.
func (v *S3Vault) PutContent(checksum string, r io.Reader, size int64) error {
	exists, err := v.HasContent(checksum)
	if err != nil {
		return err
	}
	if exists {
		_, err := io.Copy(io.Discard, r)
		return err
	}
	return v.upload(v.contentKey(checksum), r, size, nil)
}

func (v *S3Vault) upload(key string, r io.Reader, size int64, meta map[string]string) error {
	ctx, cancel := opContext()
	defer cancel()

	counted := &countingReader{r: r}
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(v.bucket),
		Key:      aws.String(key),
		Body:     counted,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	if counted.n != size {
		return fmt.Errorf("size mismatch for %s: expected %d bytes, got %d", key, size, counted.n)
	}
	return nil
}

func (v *S3Vault) GetContent(checksum string, w io.Writer) error {
	return v.download(v.contentKey(checksum), w, "content "+checksum)
}

func (v *S3Vault) download(key string, w io.Writer, what string) error {
	ctx, cancel := opContext()
	defer cancel()

	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("fetching %s: %w", key, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

func (v *S3Vault) head(key string) (*s3.HeadObjectOutput, error) {
	ctx, cancel := opContext()
	defer cancel()
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", key, err)
	}
	return out, nil
}

func (v *S3Vault) HasContent(checksum string) (bool, error) {
	out, err := v.head(v.contentKey(checksum))
	return out != nil, err
}

func (v *S3Vault) PutMetadata(instanceID, name string, r io.Reader, size int64, version int64) error {
	meta := map[string]string{versionKey: strconv.FormatInt(version, 10)}
	return v.upload(v.metadataKey(instanceID, name), r, size, meta)
}

func (v *S3Vault) GetMetadata(instanceID, name string, w io.Writer) error {
	return v.download(v.metadataKey(instanceID, name), w, fmt.Sprintf("metadata %s/%s", instanceID, name))
}

// GetMetadataVersion returns 0 when the item does not exist.
func (v *S3Vault) GetMetadataVersion(instanceID, name string) (int64, error) {
	out, err := v.head(v.metadataKey(instanceID, name))
	if err != nil || out == nil {
		return 0, err
	}
	raw, ok := out.Metadata[versionKey]
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing metadata version %q: %w", raw, err)
	}
	return version, nil
}

// ValidateSetup checks that the bucket exists and is reachable with the
// configured credentials.
func (v *S3Vault) ValidateSetup() error {
	ctx, cancel := opContext()
	defer cancel()
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("vault %s: bucket %s not reachable: %w", v.name, v.bucket, err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ capsule.Vault = (*S3Vault)(nil)
