package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"filevault/internal/domain"
	"filevault/internal/service"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultChunkSize = 5 * 1024 * 1024 // 5MB, минимальный размер части multipart
	handlePrefix     = "versions/"
)

// objectAPI подмножество методов s3.Client, которые использует хранилище
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client хранилище blob поверх S3-совместимого бакета
type Client struct {
	client    objectAPI
	bucket    string
	chunkSize int
}

var _ service.BlobStore = (*Client)(nil)

// NewClient создает новый экземпляр клиента S3 и проверяет доступ к бакету
func NewClient(conf *Config) (*Client, error) {
	if conf == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	if conf.AccessKeyID == "" || conf.SecretAccessKey == "" || conf.Bucket == "" {
		return nil, fmt.Errorf("missing required configuration: accessKeyID, secretAccessKey, and bucket are required")
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		conf.AccessKeyID,
		conf.SecretAccessKey,
		"",
	))

	client := s3.New(s3.Options{
		BaseEndpoint:     aws.String(conf.Endpoint),
		Region:           conf.Region,
		Credentials:      creds,
		UsePathStyle:     conf.UsePathStyle,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
	})

	s3Client := newClient(client, conf.Bucket)

	// Проверяем подключение к бакету
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(conf.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to access bucket %s: %w", conf.Bucket, err)
	}

	return s3Client, nil
}

func newClient(api objectAPI, bucket string) *Client {
	return &Client{
		client:    api,
		bucket:    bucket,
		chunkSize: defaultChunkSize,
	}
}

// Put загружает поток под новым handle. В памяти держится не больше одной части:
// маленькие объекты уходят одним PutObject, большие - через multipart upload
func (h *Client) Put(ctx context.Context, r io.Reader) (string, error) {
	handle := handlePrefix + uuid.New().String()

	first, err := readChunk(r, h.chunkSize)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}

	if len(first) < h.chunkSize {
		_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(h.bucket),
			Key:           aws.String(handle),
			Body:          bytes.NewReader(first),
			ContentLength: aws.Int64(int64(len(first))),
		})
		if err != nil {
			return "", fmt.Errorf("failed to upload object to S3: %w", err)
		}
		return handle, nil
	}

	if err := h.putMultipart(ctx, handle, first, r); err != nil {
		return "", err
	}
	return handle, nil
}

func (h *Client) putMultipart(ctx context.Context, key string, first []byte, r io.Reader) error {
	uploadID, err := h.createMultipartUpload(ctx, key)
	if err != nil {
		return err
	}

	var parts []types.CompletedPart
	chunk := first
	for partNumber := int32(1); len(chunk) > 0; partNumber++ {
		etag, err := h.uploadPart(ctx, uploadID, key, partNumber, chunk)
		if err != nil {
			h.abortMultipartUpload(uploadID, key)
			return err
		}
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(partNumber),
		})

		chunk, err = readChunk(r, h.chunkSize)
		if err != nil {
			h.abortMultipartUpload(uploadID, key)
			return fmt.Errorf("failed to read content: %w", err)
		}
	}

	_, err = h.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(h.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		h.abortMultipartUpload(uploadID, key)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	return nil
}

// createMultipartUpload инициализирует загрузку по частям
func (h *Client) createMultipartUpload(ctx context.Context, key string) (string, error) {
	result, err := h.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}

	return *result.UploadId, nil
}

// uploadPart загружает часть файла
func (h *Client) uploadPart(ctx context.Context, uploadID, key string, partNumber int32, data []byte) (string, error) {
	result, err := h.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		PartNumber:    aws.Int32(partNumber),
		UploadId:      aws.String(uploadID),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}

	return aws.ToString(result.ETag), nil
}

// abortMultipartUpload отменяет загрузку по частям. Контекст запроса может быть
// уже отменен, поэтому используется собственный таймаут
func (h *Client) abortMultipartUpload(uploadID, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	_, _ = h.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(h.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
}

// Get открывает поток чтения объекта
func (h *Client) Get(ctx context.Context, handle string) (io.ReadCloser, error) {
	result, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: object %s", domain.ErrNotFound, handle)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}

	return result.Body, nil
}

// Delete удаляет объект из S3
func (h *Client) Delete(ctx context.Context, handle string) error {
	if handle == "" {
		return fmt.Errorf("%w: handle is required", domain.ErrInvalidArgument)
	}

	// Проверяем существование объекта перед удалением
	_, err := h.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: object %s", domain.ErrNotFound, handle)
		}
		return fmt.Errorf("failed to check object existence: %w", err)
	}

	_, err = h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}

	return nil
}

// List перечисляет все объекты версий в бакете
func (h *Client) List(ctx context.Context) ([]service.BlobEntry, error) {
	var entries []service.BlobEntry

	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.bucket),
		Prefix: aws.String(handlePrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasPrefix(key, handlePrefix) {
				continue
			}
			entries = append(entries, service.BlobEntry{
				Handle:     key,
				ModifiedAt: aws.ToTime(obj.LastModified),
			})
		}
	}

	return entries, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// readChunk читает до size байт; пустой срез означает конец потока
func readChunk(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}
