// Package storage 提供上传流水线使用的文件存储。文件通过
// 磁盘标识加路径寻址：MinIO 后端把磁盘映射为 bucket，
// 本地后端映射为目录。
package storage

import "context"

// FileStore 抽象共享文件存储。流水线全部 I/O 走这个接口，
// worker 不直接接触具体后端。
type FileStore interface {
	Exists(ctx context.Context, disk, path string) (bool, error)
	Get(ctx context.Context, disk, path string) ([]byte, error)
	Put(ctx context.Context, disk, path string, data []byte) error
	Delete(ctx context.Context, disk, path string) error
	// MakeDirectory 确保给定前缀可写。对象存储后端视为空操作。
	MakeDirectory(ctx context.Context, disk, path string) error
	// URL 返回对象的外部可用地址
	//（MinIO 为预签名 URL，本地为绝对路径）。
	URL(ctx context.Context, disk, path string) (string, error)
}
