package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config — параметры подключения к S3.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint — S3-совместимое хранилище (MinIO, localstack); пусто — AWS
	Endpoint     string
	UsePathStyle bool
}

// S3API — подмножество s3.Client, используемое хранилищем.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store — хранилище объектов в S3.
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store создаёт S3Store с клиентом из стандартной цепочки учётных данных AWS.
// При заданном Endpoint все запросы направляются на него.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StoreWithClient(client, cfg.Bucket), nil
}

// NewS3StoreWithClient создаёт S3Store с готовым клиентом (тесты).
func NewS3StoreWithClient(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// loadAWSConfig загружает конфигурацию AWS; endpoint задаёт фиксированный адрес.
func loadAWSConfig(ctx context.Context, region, endpoint string) (aws.Config, error) {
	if endpoint == "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, r string, _ ...any) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               endpoint,
			HostnameImmutable: true,
			PartitionID:       "aws",
		}, nil
	})
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithEndpointResolverWithOptions(resolver), //nolint:staticcheck // совместимо с MinIO/localstack
	)
}

func (s *S3Store) Download(ctx context.Context, key string) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrapErr("чтения", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения тела объекта %s: %w", key, err)
	}

	info := ObjectInfo{
		Key:      key,
		Size:     int64(len(data)),
		Checksum: trimETag(aws.ToString(out.ETag)),
		Metadata: out.Metadata,
	}
	info.ContentType = aws.ToString(out.ContentType)
	if out.LastModified != nil {
		info.LastModified = out.LastModified.UTC()
	}
	return &Object{Data: data, Info: info}, nil
}

func (s *S3Store) Upload(
	ctx context.Context, key string, data []byte, contentType string, meta map[string]string,
) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      meta,
	})
	if err != nil {
		return nil, s.wrapErr("записи", key, err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		Checksum:     trimETag(aws.ToString(out.ETag)),
		Metadata:     meta,
		LastModified: time.Now().UTC(),
	}, nil
}

func (s *S3Store) Copy(ctx context.Context, src, dst string) error {
	if err := validateKey(src); err != nil {
		return err
	}
	if err := validateKey(dst); err != nil {
		return err
	}

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(s.bucket + "/" + src),
	})
	if err != nil {
		return s.wrapErr("копирования", src, err)
	}
	return nil
}

func (s *S3Store) Info(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrapErr("получения информации об", key, err)
	}

	info := &ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: strings.ToLower(aws.ToString(out.ContentType)),
		Checksum:    trimETag(aws.ToString(out.ETag)),
		Metadata:    make(map[string]string, len(out.Metadata)),
	}
	// Ключи пользовательских метаданных приводим к нижнему регистру
	for k, v := range out.Metadata {
		info.Metadata[strings.ToLower(k)] = v
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.UTC()
	}
	return info, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		wrapped := s.wrapErr("удаления", key, err)
		if errors.Is(wrapped, ErrNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

// CheckReady реализует handlers.ReadinessChecker: бакет доступен.
func (s *S3Store) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return "fail", fmt.Sprintf("S3 бакет %s недоступен: %v", s.bucket, err)
	}
	return "ok", "S3 бакет доступен"
}

// wrapErr приводит ошибки «нет объекта» к ErrNotFound.
func (s *S3Store) wrapErr(op, key string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("ошибка %s объекта %s: %w", op, key, err)
}

func trimETag(etag string) string {
	return strings.Trim(etag, "\"")
}
