package progress

import (
	"context"
)

// Store persists records. Update must run fn as an atomic read-modify-write
// per session: concurrent callers observe each other's writes. When no record
// exists fn receives an empty Record with only SessionID set. Returning an
// error from fn aborts the write.
type Store interface {
	Load(ctx context.Context, sessionID string) (Record, error)
	Update(ctx context.Context, sessionID string, fn func(*Record) error) (Record, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}
