package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chanrelay/pkg/backup"

	"go.uber.org/zap"
)

// Locker elects a single node to run a scheduled backup. pkg/distributed.Lock satisfies it.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Scheduler manages automatic backups of the chat database
type Scheduler struct {
	backupService *backup.BackupService
	source        backup.Snapshotter
	lock          Locker
	interval      time.Duration
	keep          int
	logger        *zap.SugaredLogger
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// Config contains scheduler configuration
type Config struct {
	Interval time.Duration
	Keep     int
}

// NewScheduler creates a new backup scheduler. lock may be nil on a single node.
func NewScheduler(
	backupService *backup.BackupService,
	source backup.Snapshotter,
	lock Locker,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	return &Scheduler{
		backupService: backupService,
		source:        source,
		lock:          lock,
		interval:      cfg.Interval,
		keep:          cfg.Keep,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start runs a backup immediately and then on every tick until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runBackup(ctx)

	for {
		select {
		case <-ticker.C:
			s.runBackup(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the backup scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Scheduler) runBackup(ctx context.Context) {
	name, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrSkipped):
		s.logger.Debug("backup skipped, another node holds the lock")
	case err != nil:
		s.logger.Errorw("scheduled backup failed", "error", err)
	default:
		s.logger.Infow("backup created successfully", "backup_name", name)
	}
}

var ErrSkipped = errors.New("backup lock held elsewhere")

// RunOnce takes a snapshot and prunes old backups. It returns ErrSkipped if another
// node holds the backup lock.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	if s.lock != nil {
		ok, err := s.lock.TryLock(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to acquire backup lock: %w", err)
		}
		if !ok {
			return "", ErrSkipped
		}
		defer func() {
			if err := s.lock.Unlock(context.Background()); err != nil {
				s.logger.Warnw("failed to release backup lock", "error", err)
			}
		}()
	}

	name, err := s.backupService.CreateBackup(ctx, s.source)
	if err != nil {
		return "", err
	}

	if s.keep > 0 {
		deleted, err := s.backupService.Prune(ctx, s.keep)
		if err != nil {
			s.logger.Warnw("failed to cleanup old backups", "error", err)
		}
		for _, old := range deleted {
			s.logger.Infow("deleted old backup", "backup_name", old)
		}
	}
	return name, nil
}
