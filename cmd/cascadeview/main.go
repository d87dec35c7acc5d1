package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/cascadeview/internal/backend"
	"github.com/msageha/cascadeview/internal/logging"
	"github.com/msageha/cascadeview/internal/model"
	"github.com/msageha/cascadeview/internal/setup"
)

var version = "0.3.0"

var (
	rootDirFlag    string
	configFlag     string
	logLevelFlag   string
	backendURLFlag string
)

var rootCmd = &cobra.Command{
	Use:   "cascadeview",
	Short: "Author, run and inspect cascades from the terminal",
	Long: `cascadeview edits cascade YAML files, runs them on a cascade backend and
tracks execution progress from the backend event stream.

Project settings live in .cascadeview/config.yaml, found in the current
directory or any parent. Run "cascadeview init" to create one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a non-zero exit code without printing usage.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if ee == nil || ee.msg != "" {
		fmt.Fprintf(os.Stderr, "cascadeview: %v\n", err)
	}
	os.Exit(code)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDirFlag, "dir", "C", "", "Project directory (default: nearest directory with .cascadeview/)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: <dir>/.cascadeview/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&backendURLFlag, "backend", "", "Backend base URL, overrides backend.url")
}

// env is the resolved project context shared by the subcommands.
type env struct {
	root   string
	cfg    model.Config
	logger *logging.Logger
}

func loadEnv() (*env, error) {
	root := rootDirFlag
	if root == "" {
		if dir := findProjectDir(); dir != "" {
			root = filepath.Dir(dir)
		} else {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			root = wd
		}
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}

	path := configFlag
	if path == "" {
		path = filepath.Join(root, setup.ProjectDir, "config.yaml")
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if backendURLFlag != "" {
		cfg.Backend.URL = backendURLFlag
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	return &env{
		root:   root,
		cfg:    cfg,
		logger: logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level)),
	}, nil
}

// path resolves a config path against the project root.
func (e *env) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.root, p)
}

// cascadePath returns the cascade file named by args, or the project default.
func (e *env) cascadePath(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return filepath.Join(e.root, setup.CascadeFile)
}

func (e *env) client() *backend.Client {
	timeout := time.Duration(e.cfg.Backend.RequestTimeoutSec) * time.Second
	return backend.New(e.cfg.Backend.URL).WithUnaryTimeout(timeout)
}

// findProjectDir searches for .cascadeview/ in the current directory and ancestors.
func findProjectDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.ProjectDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
