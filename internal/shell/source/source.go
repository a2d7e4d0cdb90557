// Package source locates compose documents on disk and assembles the
// variable lookup chain used during interpolation.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/podstack/internal/core/compose"
	"github.com/artpar/podstack/internal/core/interpolate"
)

// ErrNoComposeFile means no compose document was found in the project
// directory and none was named explicitly.
var ErrNoComposeFile = errors.New("no compose file found")

// defaultFileNames are probed in order; the first match wins.
var defaultFileNames = []string{
	"compose.yaml",
	"compose.yml",
	"docker-compose.yaml",
	"docker-compose.yml",
}

// =============================================================================
// Options
// =============================================================================

// Options selects the documents and environment for one invocation.
type Options struct {
	// WorkingDir is the project directory. Default: the current directory.
	WorkingDir string

	// Files are explicit document paths, in merge order. When empty the
	// COMPOSE_FILE variable and then the default file names are consulted.
	Files []string

	// EnvFiles are explicit dotenv paths whose entries take precedence over
	// the process environment.
	EnvFiles []string

	// ProjectName overrides every other source of the project name.
	ProjectName string

	// LookupEnv reads the process environment. Default: os.LookupEnv.
	LookupEnv func(name string) (string, bool)
}

func (o Options) lookupEnv(name string) (string, bool) {
	if o.LookupEnv != nil {
		return o.LookupEnv(name)
	}
	return os.LookupEnv(name)
}

func (o Options) workingDir() (string, error) {
	if o.WorkingDir != "" {
		return o.WorkingDir, nil
	}
	return os.Getwd()
}

// =============================================================================
// Loading
// =============================================================================

// Source is the loaded input of one invocation: the parsed documents, the
// interpolation lookup and the resolved project name precedence inputs.
type Source struct {
	Files     []string
	Documents []*compose.RawDocument
	Lookup    interpolate.Lookup

	workingDir string
	nameFlag   string
	explicit   map[string]string // --env-file entries
	dotenv     map[string]string // project .env entries
	lookupEnv  func(name string) (string, bool)
}

// Load discovers, reads and parses the compose documents and builds the
// variable lookup chain.
func Load(opts Options) (*Source, error) {
	dir, err := opts.workingDir()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	files, err := discoverFiles(dir, opts)
	if err != nil {
		return nil, err
	}

	dotenv, err := loadProjectEnv(dir)
	if err != nil {
		return nil, err
	}
	explicit, err := loadEnvFiles(opts.EnvFiles)
	if err != nil {
		return nil, err
	}

	src := &Source{
		Files:      files,
		workingDir: dir,
		nameFlag:   opts.ProjectName,
		explicit:   explicit,
		dotenv:     dotenv,
		lookupEnv:  opts.lookupEnv,
	}
	src.Lookup = src.lookupVariable

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read compose file: %w", err)
		}
		doc, err := compose.ParseDocument(file, content)
		if err != nil {
			return nil, err
		}
		src.Documents = append(src.Documents, doc)
	}
	return src, nil
}

// discoverFiles resolves the document list: explicit paths, then the
// COMPOSE_FILE variable, then the default names in the project directory.
func discoverFiles(dir string, opts Options) ([]string, error) {
	if len(opts.Files) > 0 {
		return opts.Files, nil
	}

	if value, ok := opts.lookupEnv("COMPOSE_FILE"); ok && value != "" {
		separator := string(os.PathListSeparator)
		if custom, ok := opts.lookupEnv("COMPOSE_PATH_SEPARATOR"); ok && custom != "" {
			separator = custom
		}
		var files []string
		for _, part := range strings.Split(value, separator) {
			if part = strings.TrimSpace(part); part != "" {
				files = append(files, part)
			}
		}
		if len(files) > 0 {
			return files, nil
		}
	}

	for _, name := range defaultFileNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return []string{candidate}, nil
		}
	}
	return nil, fmt.Errorf("%w in %s", ErrNoComposeFile, dir)
}

// loadProjectEnv reads the project .env if present.
func loadProjectEnv(dir string) (map[string]string, error) {
	path := filepath.Join(dir, ".env")
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return map[string]string{}, nil
	}
	return LoadDotenv(path)
}

// loadEnvFiles folds the explicit env files, later files overriding earlier
// ones.
func loadEnvFiles(files []string) (map[string]string, error) {
	explicit := map[string]string{}
	for _, file := range files {
		entries, err := LoadDotenv(file)
		if err != nil {
			return nil, err
		}
		for key, value := range entries {
			explicit[key] = value
		}
	}
	return explicit, nil
}

// lookupVariable implements the precedence chain: explicit env files beat the
// process environment, which beats the project .env.
func (s *Source) lookupVariable(name string) (string, bool) {
	if value, ok := s.explicit[name]; ok {
		return value, true
	}
	if value, ok := s.lookupEnv(name); ok {
		return value, true
	}
	value, ok := s.dotenv[name]
	return value, ok
}

// ProjectName resolves the project name: the flag, then COMPOSE_PROJECT_NAME,
// then the document `name` key, then the project directory basename.
func (s *Source) ProjectName(documentName string) string {
	if s.nameFlag != "" {
		return s.nameFlag
	}
	if value, ok := s.lookupVariable("COMPOSE_PROJECT_NAME"); ok && value != "" {
		return value
	}
	if documentName != "" {
		return documentName
	}
	return filepath.Base(s.workingDir)
}
