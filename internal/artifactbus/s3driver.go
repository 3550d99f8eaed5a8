package artifactbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3DriverConfig configures an S3-compatible artifact payload store, used in
// place of FSDriver for multi-host deployments where workers don't share a
// local disk.
type S3DriverConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Driver persists artifact payloads as S3 objects keyed by session/ref.
type S3Driver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Driver constructs an S3-backed Driver.
func NewS3Driver(ctx context.Context, cfg S3DriverConfig) (*S3Driver, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3driver: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3driver: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Driver{client: client, bucket: bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (d *S3Driver) objectKey(sessionID, ref, mime string) string {
	key := path.Join(sessionID, "payloads", ref+"."+ext(mime))
	if d.prefix == "" {
		return key
	}
	return path.Join(d.prefix, key)
}

func (d *S3Driver) WritePayload(ctx context.Context, sessionID, ref string, payload any, mime string) error {
	var blob []byte
	var err error
	switch mime {
	case "application/json":
		blob, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("s3driver: marshal payload: %w", err)
		}
	case "text/plain":
		s, _ := payload.(string)
		blob = []byte(s)
	default:
		b, _ := payload.([]byte)
		blob = b
	}

	key := d.objectKey(sessionID, ref, mime)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String(mime),
	})
	if err != nil {
		return fmt.Errorf("s3driver: put object: %w", err)
	}
	return nil
}

func (d *S3Driver) ReadPayload(ctx context.Context, sessionID, ref, mime string) (any, error) {
	key := d.objectKey(sessionID, ref, mime)
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3driver: get object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3driver: read object body: %w", err)
	}
	return decodePayload(data, mime)
}

func (d *S3Driver) DeletePayload(ctx context.Context, sessionID, ref, mime string) error {
	key := d.objectKey(sessionID, ref, mime)
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3driver: delete object: %w", err)
	}
	return nil
}
