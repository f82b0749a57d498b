package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"prompt-bridge/internal/completion"
	"prompt-bridge/internal/config"
	"prompt-bridge/internal/envfile"
	providerfactory "prompt-bridge/internal/provider/factory"
	"prompt-bridge/internal/ruleset"
	"prompt-bridge/internal/server"
	"prompt-bridge/internal/stream"
)

const serveUsage = `Usage:
  prompt-bridge serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

// Client build-time keys the env editor may change alongside the provider keys.
var clientEnvKeys = []string{"APP_URL", "VITE_SUPABASE_URL", "VITE_SUPABASE_ANON_KEY", "VITE_API_BASE"}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return err
	}

	rt, err := providerfactory.NewRouter(cfg)
	if err != nil {
		return err
	}

	store := ruleset.NewStore(cfg.Rulesets.Dir)
	resolver := ruleset.NewResolver(store, cfg.Rulesets.DefaultID)

	svc, err := completion.NewService(rt, resolver, stream.Fallback{Delay: *cfg.Fallback.TokenDelay})
	if err != nil {
		return err
	}

	secret := []string{cfg.Providers.OpenRouter.APIKeyEnv, cfg.Providers.Groq.APIKeyEnv}
	env, err := envfile.New(cfg.EnvFile, append(append([]string{}, secret...), clientEnvKeys...), secret)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, server.Dependencies{
		Router:     rt,
		Completion: svc,
		Rulesets:   store,
		Env:        env,
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// loadEnvFile exports the .env entries that are not already set in the
// process environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("no env file found", "path", path)
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	slog.Info("loaded env file", "path", path)
	return nil
}
