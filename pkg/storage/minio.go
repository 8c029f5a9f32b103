package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"taxflow-go/internal/config"
	"taxflow-go/pkg/log"
)

// MinioStore 基于 MinIO 实现 FileStore。磁盘标识对应 bucket。
type MinioStore struct {
	client    *minio.Client
	urlExpiry time.Duration
}

// NewMinioStore 连接 MinIO 并确保配置的 bucket 存在。
func NewMinioStore(cfg config.MinIOConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, err
	}
	if !exists {
		log.Infof("bucket '%s' does not exist, creating", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	log.Info("MinIO client initialized successfully")
	return &MinioStore{client: client, urlExpiry: time.Hour}, nil
}

// Exists 报告对象是否存在于 bucket 中。
func (s *MinioStore) Exists(ctx context.Context, disk, path string) (bool, error) {
	_, err := s.client.StatObject(ctx, disk, path, minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get 读取完整对象内容。
func (s *MinioStore) Get(ctx context.Context, disk, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, disk, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// Put 写入对象，覆盖已有内容。
func (s *MinioStore) Put(ctx context.Context, disk, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, disk, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

// Delete 删除对象。对象不存在不算错误。
func (s *MinioStore) Delete(ctx context.Context, disk, path string) error {
	return s.client.RemoveObject(ctx, disk, path, minio.RemoveObjectOptions{})
}

// MakeDirectory 空操作：对象键没有目录概念。
func (s *MinioStore) MakeDirectory(ctx context.Context, disk, path string) error {
	return nil
}

// URL 返回对象的预签名 GET 地址。
func (s *MinioStore) URL(ctx context.Context, disk, path string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, disk, path, s.urlExpiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
