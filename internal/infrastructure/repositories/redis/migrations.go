package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 1

// Migration moves the key layout from Version-1 to Version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, keys Keys) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, keys Keys, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, keys)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		logger.Debugw("schema is up to date",
			"current_version", currentVersion,
			"target_version", currentSchemaVersion,
		)
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		logger.Infow("running migration", "version", migration.Version)

		if err := migration.Up(ctx, client, keys); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, keys.SchemaVersion(), migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, keys Keys) (int, error) {
	val, err := client.Get(ctx, keys.SchemaVersion()).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			// The initiators key must be a hash; anything else left by an older
			// deployment would make every offer fail with WRONGTYPE.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, keys Keys) error {
				kind, err := client.Type(ctx, keys.Initiators()).Result()
				if err != nil {
					return err
				}
				if kind != "none" && kind != "hash" {
					return client.Del(ctx, keys.Initiators()).Err()
				}
				return nil
			},
		},
	}
}
