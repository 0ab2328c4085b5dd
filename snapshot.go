package tiercore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore 持久化不透明的快照 blob。
// Load 在快照不存在时返回 ErrSnapshotNotFound。
type SnapshotStore interface {
	Save(ctx context.Context, name string, blob []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
}

// FileSnapshotStore 将快照写入目录下的 <name>.bloom 文件。
type FileSnapshotStore struct {
	Dir string
}

func (s FileSnapshotStore) path(name string) string {
	return filepath.Join(s.Dir, name+".bloom")
}

// Save 先写临时文件再 rename，避免半写的快照。
func (s FileSnapshotStore) Save(_ context.Context, name string, blob []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}

func (s FileSnapshotStore) Load(_ context.Context, name string) ([]byte, error) {
	blob, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}
	return blob, err
}

// RedisSnapshotStore 将快照存为 Redis 字符串对象。
type RedisSnapshotStore struct {
	rdb  *redis.Client
	keys Keyspace
}

// NewRedisSnapshotStore client: Redis 客户端实例（外部传入，DI）。
func NewRedisSnapshotStore(client *redis.Client, keys Keyspace) *RedisSnapshotStore {
	return &RedisSnapshotStore{rdb: client, keys: keys}
}

func (s *RedisSnapshotStore) Save(ctx context.Context, name string, blob []byte) error {
	if err := s.rdb.Set(ctx, s.keys.BloomSnapshot(name), blob, 0).Err(); err != nil {
		return transient("snapshot save", err)
	}
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context, name string) ([]byte, error) {
	blob, err := s.rdb.Get(ctx, s.keys.BloomSnapshot(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, transient("snapshot load", fmt.Errorf("%s: %w", name, err))
	}
	return blob, nil
}
