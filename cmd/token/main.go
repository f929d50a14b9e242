// Command token mints access and refresh tokens for local testing with the secret from
// the relay configuration.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/services"
	"chanrelay/pkg/config"
	"chanrelay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "relay configuration file")
	userID := flag.String("user", "", "user id to put in the token")
	username := flag.String("name", "", "display name to put in the token")
	flag.Parse()

	log := logger.New("info")
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warnw("could not load config, using defaults", "path", *configPath, "error", err)
		cfg = config.DefaultConfig()
	}

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: token -user <id> [-name <display name>] [-config <path>]")
		os.Exit(2)
	}

	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)

	accessToken, err := auth.GenerateToken(domain.UserID(*userID), *username)
	if err != nil {
		log.Fatalw("failed to generate token", "error", err)
	}
	refreshToken, err := auth.GenerateRefreshToken(domain.UserID(*userID), *username)
	if err != nil {
		log.Fatalw("failed to generate refresh token", "error", err)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(map[string]interface{}{
		"user_id":       *userID,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(auth.AccessTokenTTL().Seconds()),
	}); err != nil {
		log.Fatalw("failed to write tokens", "error", err)
	}
}
