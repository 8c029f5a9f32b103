package storage

import (
	"context"
	"os"
	"path/filepath"
)

// LocalStore 基于本地文件系统实现 FileStore。磁盘标识对应根目录下
// 的一个子目录。供单机部署和测试使用。
type LocalStore struct {
	root string
}

// NewLocalStore 创建以给定目录为根的文件存储。
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) fullPath(disk, path string) string {
	return filepath.Join(s.root, disk, filepath.FromSlash(path))
}

// Exists 报告文件是否存在。
func (s *LocalStore) Exists(ctx context.Context, disk, path string) (bool, error) {
	_, err := os.Stat(s.fullPath(disk, path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Get 读取完整文件内容。
func (s *LocalStore) Get(ctx context.Context, disk, path string) ([]byte, error) {
	return os.ReadFile(s.fullPath(disk, path))
}

// Put 写入文件，必要时创建父目录。
func (s *LocalStore) Put(ctx context.Context, disk, path string, data []byte) error {
	full := s.fullPath(disk, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

// Delete 删除文件。文件不存在不算错误。
func (s *LocalStore) Delete(ctx context.Context, disk, path string) error {
	err := os.Remove(s.fullPath(disk, path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MakeDirectory 在磁盘根下创建目录。
func (s *LocalStore) MakeDirectory(ctx context.Context, disk, path string) error {
	return os.MkdirAll(s.fullPath(disk, path), 0o755)
}

// URL 返回文件系统绝对路径。
func (s *LocalStore) URL(ctx context.Context, disk, path string) (string, error) {
	return filepath.Abs(s.fullPath(disk, path))
}
