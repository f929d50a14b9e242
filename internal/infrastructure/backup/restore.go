package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"chanrelay/pkg/backup"

	"go.uber.org/zap"
)

// LatestBackup selects the newest backup in RestoreChatDatabase.
const LatestBackup = "latest"

var sqliteHeader = []byte("SQLite format 3\x00")

// RestoreService writes a stored backup back as the live chat database. It must run
// before the database is opened.
type RestoreService struct {
	backupService *backup.BackupService
	logger        *zap.SugaredLogger
}

// RestoreOptions contains restore options
type RestoreOptions struct {
	Overwrite bool // replace an existing database file
}

// NewRestoreService creates a new restore service
func NewRestoreService(backupService *backup.BackupService, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{
		backupService: backupService,
		logger:        logger,
	}
}

// RestoreChatDatabase replaces dbPath with the named backup, or the newest one for
// LatestBackup, and returns the name it restored.
func (rs *RestoreService) RestoreChatDatabase(ctx context.Context, name, dbPath string, options RestoreOptions) (string, error) {
	if name == "" || name == LatestBackup {
		latest, err := rs.backupService.Latest(ctx)
		if err != nil {
			return "", err
		}
		name = latest
	}

	if _, err := os.Stat(dbPath); err == nil && !options.Overwrite {
		return "", fmt.Errorf("database %s already exists", dbPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	rs.logger.Infow("starting restore", "backup_name", name, "database", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	err = rs.backupService.RestoreBackup(ctx, name, tmp)
	if err == nil {
		err = checkHeader(tmp)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to restore %s: %w", name, err)
	}

	// stale journal files would be replayed over the restored copy
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return "", err
	}

	rs.logger.Infow("restore completed", "backup_name", name)
	return name, nil
}

func checkHeader(f *os.File) error {
	header := make([]byte, len(sqliteHeader))
	if _, err := f.ReadAt(header, 0); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if !bytes.Equal(header, sqliteHeader) {
		return errors.New("backup is not a SQLite database")
	}
	return nil
}
