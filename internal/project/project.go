// Package project resolves the on-disk layout of an opencode-studio project:
// the .opencode-studio directory, the sqlite database, kanban artifacts
// (plans, reviews, findings, phase notes), and the sibling workspaces dir.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	studioDirName     = ".opencode-studio"
	databaseFileName  = "studio.db"
	workspacesDirName = ".workspaces"
)

// Layout is the filesystem layout rooted at a project directory.
type Layout struct {
	Root string
}

// NewLayout creates a layout for the project root, resolving it to an
// absolute path.
func NewLayout(root string) (Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to resolve project root: %w", err)
	}
	return Layout{Root: abs}, nil
}

// StudioDir returns <project>/.opencode-studio.
func (l Layout) StudioDir() string {
	return filepath.Join(l.Root, studioDirName)
}

// DatabasePath returns the studio.db path.
func (l Layout) DatabasePath() string {
	return filepath.Join(l.StudioDir(), databaseFileName)
}

// KanbanDir returns the kanban artifact directory.
func (l Layout) KanbanDir() string {
	return filepath.Join(l.StudioDir(), "kanban")
}

// PlanPath returns the plan file for a task.
func (l Layout) PlanPath(taskID string) string {
	return filepath.Join(l.KanbanDir(), "plans", taskID+".md")
}

// ReviewPath returns the review file for a task.
func (l Layout) ReviewPath(taskID string) string {
	return filepath.Join(l.KanbanDir(), "reviews", taskID+".md")
}

// FindingsPath returns the structured findings file for a task.
func (l Layout) FindingsPath(taskID string) string {
	return filepath.Join(l.KanbanDir(), "findings", taskID+".json")
}

// PhasePath returns the per-sub-phase notes file for a multi-step
// implementation.
func (l Layout) PhasePath(taskID string, n int) string {
	return filepath.Join(l.KanbanDir(), "phases", fmt.Sprintf("%s-%d.md", taskID, n))
}

// WorkspacesDir returns the sibling directory holding task workspaces.
func (l Layout) WorkspacesDir() string {
	return filepath.Join(filepath.Dir(l.Root), workspacesDirName)
}

// Ensure creates the studio and kanban directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{
		l.StudioDir(),
		filepath.Join(l.KanbanDir(), "plans"),
		filepath.Join(l.KanbanDir(), "reviews"),
		filepath.Join(l.KanbanDir(), "findings"),
		filepath.Join(l.KanbanDir(), "phases"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// SaveArtifact writes content to the given artifact path, creating parent
// directories as needed.
func SaveArtifact(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// LoadArtifact reads an artifact file.
func LoadArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// Meta is the project metadata from config.toml.
type Meta struct {
	Name string `mapstructure:"name"`
}

// LoadMeta reads <project>/.opencode-studio/config.toml. A missing file
// yields a Meta named after the project directory.
func (l Layout) LoadMeta() (Meta, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(l.StudioDir(), "config.toml"))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return Meta{Name: filepath.Base(l.Root)}, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return Meta{Name: filepath.Base(l.Root)}, nil
		}
		return Meta{}, fmt.Errorf("failed to read project config: %w", err)
	}

	var meta Meta
	if err := v.Unmarshal(&meta); err != nil {
		return Meta{}, fmt.Errorf("failed to parse project config: %w", err)
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(l.Root)
	}
	return meta, nil
}
