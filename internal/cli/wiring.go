package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/nbaertsch/squadron/internal/cloud/gcp"
	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/githubapi"
	"github.com/nbaertsch/squadron/internal/obslog"
	"github.com/nbaertsch/squadron/internal/registry"
	"github.com/nbaertsch/squadron/internal/worktree"
)

// deps bundles the collaborators every subcommand needs so serve and
// recover don't duplicate construction logic.
type deps struct {
	cfg  *config.Config
	reg  *registry.Registry
	gh   *githubapi.Client
	log  *obslog.Logger
	wt   *worktree.Manager
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	stdlog := log.New(os.Stderr, "", log.LstdFlags)
	cloudLogger := gcp.NewLogger(ctx, "squadron-controller")
	obsLog := obslog.New(stdlog, cloudLogger)

	privateKey, err := fetchPrivateKey(ctx, cfg.GitHub.PrivateKeySecret)
	if err != nil {
		return nil, fmt.Errorf("fetch github app private key: %w", err)
	}
	tm, err := githubapi.NewTokenManager(fmt.Sprint(cfg.GitHub.AppID), cfg.GitHub.InstallationID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("build github token manager: %w", err)
	}
	webhookSecret, err := fetchSecret(ctx, os.Getenv("SQUADRON_WEBHOOK_SECRET_PATH"))
	if err != nil {
		return nil, fmt.Errorf("fetch webhook secret: %w", err)
	}
	gh := githubapi.New(tm, []byte(webhookSecret), cfg.GitHub.BotLogin)

	dbPath := envOr("SQUADRON_DB_PATH", "squadron.db")
	reg, err := registry.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", dbPath, err)
	}

	repoRoot := envOr("SQUADRON_REPO_ROOT", ".")
	wt := worktree.New(repoRoot, nil)

	return &deps{cfg: cfg, reg: reg, gh: gh, log: obsLog, wt: wt}, nil
}

// fetchPrivateKey loads the GitHub App's PEM private key, either
// directly from a local path (SQUADRON_PRIVATE_KEY_PATH, for local
// development) or from GCP Secret Manager via the configured secret
// name.
func fetchPrivateKey(ctx context.Context, secretName string) ([]byte, error) {
	if path := os.Getenv("SQUADRON_PRIVATE_KEY_PATH"); path != "" {
		return os.ReadFile(filepath.Clean(path))
	}
	secret, err := fetchSecret(ctx, secretName)
	if err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

// fetchSecret resolves one GCP Secret Manager value; an empty name
// (e.g. no webhook-secret configured) is a no-op, not an error.
func fetchSecret(ctx context.Context, secretName string) (string, error) {
	if secretName == "" {
		return "", nil
	}
	sm, err := gcp.NewSecretManagerClient(ctx)
	if err != nil {
		return "", fmt.Errorf("secret manager client: %w", err)
	}
	defer sm.Close()
	return sm.FetchSecret(ctx, secretName)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
