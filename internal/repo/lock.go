package repo

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
)

const lockRetryDelay = 200 * time.Millisecond

// Locker serializes access to a repository directory.
type Locker interface {
	// Lock blocks until the lock at path is held or ctx is done.
	Lock(ctx context.Context, path string) (unlock func(), err error)
}

// NewFileLocker returns a Locker using flock(2) on a lock file.
func NewFileLocker() Locker {
	return fileLocker{}
}

type fileLocker struct{}

func (fileLocker) Lock(ctx context.Context, path string) (func(), error) {
	fileLock := flock.New(path)

	ok, err := fileLock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if !ok {
		slog.Info("waiting for repository lock", "path", path)
		ok, err = fileLock.TryLockContext(ctx, lockRetryDelay)
		if err != nil {
			return nil, errors.Wrapf(err, "lock %s", path)
		}
		if !ok {
			return nil, errors.Newf("lock %s: not acquired", path)
		}
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock repository", "path", path, "error", err)
		}
	}, nil
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}
