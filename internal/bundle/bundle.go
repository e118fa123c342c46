// Package bundle resolves a task instance's bundle, DAG file, and task into
// executable operators.
//
// Go code cannot be loaded at run time, so a bundle is a compiled-in set of
// DAG files: each relative path maps to a loader that builds the DAGs the
// file defines.
package bundle

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/task"
)

var (
	// ErrBundleNotFound is returned when no bundle matches a name and version.
	ErrBundleNotFound = errors.New("bundle not found")
	// ErrFileNotFound is returned when a bundle has no DAG file at a path.
	ErrFileNotFound = errors.New("dag file not found")
	// ErrDagNotFound is returned when a DAG file does not define a DAG id.
	ErrDagNotFound = errors.New("dag not found")
	// ErrTaskNotFound is returned when a DAG does not contain a task id.
	ErrTaskNotFound = errors.New("task not found")
)

// Loader builds the DAGs defined by one DAG file.
type Loader func() ([]*task.DAG, error)

// DagBag holds the DAGs parsed from one file.
type DagBag struct {
	Path string
	dags map[string]*task.DAG
}

// DAG returns the DAG with the given id.
func (b *DagBag) DAG(id string) (*task.DAG, error) {
	d, ok := b.dags[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrDagNotFound, id, b.Path)
	}
	return d, nil
}

// Task resolves dagID and taskID to an operator.
func (b *DagBag) Task(dagID, taskID string) (task.Operator, error) {
	d, err := b.DAG(dagID)
	if err != nil {
		return nil, err
	}
	op, ok := d.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %q in dag %q", ErrTaskNotFound, taskID, dagID)
	}
	return op, nil
}

// Bundle is one version of a set of DAG files. Root, when set, is the
// directory the bundle's lock file lives in.
type Bundle struct {
	Name    string
	Version string
	Root    string

	mu    sync.Mutex
	files map[string]Loader
}

// New creates an empty bundle.
func New(name, version string) *Bundle {
	return &Bundle{Name: name, Version: version, files: make(map[string]Loader)}
}

// AddFile registers the loader for the DAG file at relPath.
func (b *Bundle) AddFile(relPath string, load Loader) *Bundle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[filepath.Clean(relPath)] = load
	return b
}

// Info returns the bundle's identity.
func (b *Bundle) Info() model.BundleInfo {
	return model.BundleInfo{Name: b.Name, Version: b.Version}
}

// Files returns the registered relative paths, sorted.
func (b *Bundle) Files() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	paths := make([]string, 0, len(b.files))
	for p := range b.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Parse loads the DAG file at relPath. Paths that escape the bundle root
// are rejected.
func (b *Bundle) Parse(relPath string) (*DagBag, error) {
	if err := validatePath(relPath); err != nil {
		return nil, err
	}
	rel := filepath.Clean(relPath)

	b.mu.Lock()
	load, ok := b.files[rel]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s in bundle %s", ErrFileNotFound, rel, b.Name)
	}

	dags, err := load()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rel, err)
	}
	bag := &DagBag{Path: rel, dags: make(map[string]*task.DAG, len(dags))}
	for _, d := range dags {
		bag.dags[d.ID] = d
	}
	return bag, nil
}

// Task parses the DAG file at relPath and resolves dagID and taskID in it.
func (b *Bundle) Task(relPath, dagID, taskID string) (task.Operator, error) {
	bag, err := b.Parse(relPath)
	if err != nil {
		return nil, err
	}
	return bag.Task(dagID, taskID)
}

// validatePath checks that relPath stays within the bundle root.
func validatePath(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("empty dag file path")
	}
	if filepath.IsAbs(relPath) {
		return fmt.Errorf("dag file path %q must be relative", relPath)
	}
	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes bundle root", relPath)
	}
	return nil
}
