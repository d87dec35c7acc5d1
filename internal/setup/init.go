// Package setup handles cascadeview project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/cascadeview/internal/model"
	cyaml "github.com/msageha/cascadeview/internal/yaml"
	"github.com/msageha/cascadeview/templates"
)

const (
	ProjectDir  = ".cascadeview"
	CascadeFile = "cascade.yaml"
)

type Options struct {
	// BackendURL overrides the backend URL from the config template.
	BackendURL string
	// CascadeID names the starter cascade; defaults to the directory basename.
	CascadeID string
}

// Run initializes the .cascadeview/ directory in projectDir and writes a
// starter cascade.yaml unless one already exists.
func Run(projectDir string, opts Options) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, ProjectDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(opts.BackendURL)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := cyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	cascadePath := filepath.Join(absDir, CascadeFile)
	if _, err := os.Stat(cascadePath); err == nil {
		return nil
	}
	id := opts.CascadeID
	if id == "" {
		id = cascadeIDFor(filepath.Base(absDir))
	}
	if err := writeStarter(cascadePath, id); err != nil {
		return fmt.Errorf("write %s: %w", CascadeFile, err)
	}
	return nil
}

func generateConfig(backendURL string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if backendURL != "" {
		cfg.Backend.URL = strings.TrimRight(backendURL, "/")
	}
	return &cfg, nil
}

func writeStarter(path, id string) error {
	data, err := fs.ReadFile(templates.FS, templates.DefaultCascade)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}
	doc, err := cyaml.Parse(data)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	doc.ID = id
	return cyaml.SaveFile(path, doc)
}

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// cascadeIDFor turns a directory name into a snake_case cascade id.
func cascadeIDFor(name string) string {
	id := strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if id == "" {
		return "new_cascade"
	}
	return id
}
