package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const timestampLayout = "20060102-150405.000"

var ErrNoBackups = errors.New("no backups found")

// Snapshotter writes a consistent copy of a database.
type Snapshotter interface {
	Snapshot(ctx context.Context, w io.Writer) error
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService names, stores and prunes snapshots. Names embed the creation time, so
// lexical order is chronological order.
type BackupService struct {
	storage Storage
	prefix  string
	now     func() time.Time
}

// NewBackupService creates a service storing snapshots as <prefix>-<timestamp>.db
func NewBackupService(storage Storage, prefix string) *BackupService {
	return &BackupService{
		storage: storage,
		prefix:  prefix,
		now:     time.Now,
	}
}

// CreateBackup streams a snapshot of src into storage and returns its name.
func (bs *BackupService) CreateBackup(ctx context.Context, src Snapshotter) (string, error) {
	name := fmt.Sprintf("%s-%s.db", bs.prefix, bs.now().UTC().Format(timestampLayout))

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(src.Snapshot(ctx, pw))
	}()

	err := bs.storage.Save(ctx, name, pr)
	// unblock the snapshot writer if Save gave up early
	pr.CloseWithError(io.ErrClosedPipe)
	<-done
	if err != nil {
		return "", fmt.Errorf("failed to save backup %s: %w", name, err)
	}
	return name, nil
}

// RestoreBackup copies the named backup into w.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string, w io.Writer) error {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(w, reader); err != nil {
		return fmt.Errorf("failed to read backup data: %w", err)
	}
	return nil
}

// ListBackups lists all available backups, oldest first
func (bs *BackupService) ListBackups(ctx context.Context) ([]string, error) {
	names, err := bs.storage.List(ctx, bs.prefix+"-")
	if err != nil {
		return nil, err
	}
	backups := names[:0]
	for _, name := range names {
		if strings.HasSuffix(name, ".db") {
			backups = append(backups, name)
		}
	}
	sort.Strings(backups)
	return backups, nil
}

// Latest returns the name of the newest backup.
func (bs *BackupService) Latest(ctx context.Context) (string, error) {
	backups, err := bs.ListBackups(ctx)
	if err != nil {
		return "", err
	}
	if len(backups) == 0 {
		return "", ErrNoBackups
	}
	return backups[len(backups)-1], nil
}

// DeleteBackup deletes a backup
func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// Prune deletes all but the newest keep backups and returns what it deleted.
func (bs *BackupService) Prune(ctx context.Context, keep int) ([]string, error) {
	backups, err := bs.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var deleted []string
	for _, name := range backups[:len(backups)-keep] {
		if err := bs.storage.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to delete backup %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}
