package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/mangavox/internal/app"
	"github.com/MrWong99/mangavox/internal/config"
)

const shutdownTimeout = 15 * time.Second

// cli carries state shared by all subcommands of one invocation.
type cli struct {
	configFlag string
	configPath string // resolved file, empty when running from the environment
	cfg        *config.Config

	level  slog.LevelVar
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer

	// appOptions are appended to every app.New call. Tests use it to inject
	// doubles.
	appOptions []app.Option
}

func newRootCmd(stdout, stderr io.Writer, opts ...app.Option) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, appOptions: opts}

	root := &cobra.Command{
		Use:           "mangavox",
		Short:         "Consistent character voices and cached narration for manga",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.loadConfig()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.configFlag, "config", "c", "", "config file (default: per-user config directory)")

	root.AddCommand(
		c.resolveCmd(),
		c.speakCmd(),
		c.prefetchCmd(),
		c.syncCmd(),
		c.cacheCmd(),
		c.voicesCmd(),
		c.memoryCmd(),
		c.serveCmd(),
	)
	return root
}

func versionString() string {
	if Version == "" {
		return "unknown (built from source)"
	}
	return Version
}

// loadConfig reads the config named by --config. Without the flag the
// per-user default is used when it exists and the environment alone
// otherwise.
func (c *cli) loadConfig() error {
	path := c.configFlag
	if path == "" {
		def, err := config.DefaultConfigPath()
		if err == nil {
			if _, statErr := os.Stat(def); statErr == nil {
				path = def
			} else if !errors.Is(statErr, fs.ErrNotExist) {
				return fmt.Errorf("stat %q: %w", def, statErr)
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	c.cfg, c.configPath = cfg, path

	c.level.Set(slogLevel(cfg.Server.LogLevel))
	c.log = slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: &c.level}))
	slog.SetDefault(c.log)
	c.log.Debug("configuration loaded", "path", path, "storage", cfg.Storage.Backend, "tts", cfg.TTS.Provider)
	return nil
}

// withApp builds the application, runs fn and shuts the application down,
// waiting for background persistence to finish.
func (c *cli) withApp(ctx context.Context, fn func(context.Context, *app.App) error, extra ...app.Option) error {
	opts := append([]app.Option{app.WithLogger(c.log)}, c.appOptions...)
	opts = append(opts, extra...)
	a, err := app.New(ctx, c.cfg, opts...)
	if err != nil {
		return err
	}

	runErr := fn(ctx, a)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(sctx); err != nil {
		c.log.Warn("shutdown incomplete", "err", err)
	}
	return runErr
}
