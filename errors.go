package tiercore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示查找的 Key 在权威存储中不存在（或被负缓存判定为不存在）。
	// 这是一个正常的查询结果，而不是故障。
	ErrNotFound = errors.New("tiercore: not found")

	// ErrConstraintViolation 表示权威存储在插入时因唯一约束拒绝了记录。
	// 调用方必须把它当作“不唯一”处理，即使前面的检查层认为唯一。
	ErrConstraintViolation = errors.New("tiercore: constraint violation")

	// ErrSnapshotNotFound 快照存储中没有对应的快照。
	ErrSnapshotNotFound = errors.New("tiercore: snapshot not found")
)

// ConfigError 构造阶段的非法配置。不可重试。
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tiercore: invalid config %s: %s", e.Field, e.Reason)
}

// TransientError 包装对 Redis / SQL 等网络组件的调用失败。
// 在唯一性检查的重试边界上可重试。
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("tiercore: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient 判断错误链中是否包含 TransientError。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
