// Package skills loads and caches the generation skill library: markdown files
// with a YAML front-matter header, one skill per file.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"gameforge/internal/core/domain"
)

// frontMatter is the YAML header of a skill file.
type frontMatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

// Library holds the cached skill set. Skills are read-only at runtime; the
// library reloads itself when the skills directory changes on disk.
type Library struct {
	logger   *slog.Logger
	dir      string
	excluded map[string]bool

	mu     sync.RWMutex
	skills map[string]domain.Skill
}

// NewLibrary loads all skills from dir. Names in excluded are filtered out
// statically and never served.
func NewLibrary(logger *slog.Logger, dir string, excluded []string) (*Library, error) {
	lib := &Library{
		logger:   logger,
		dir:      dir,
		excluded: make(map[string]bool, len(excluded)),
		skills:   make(map[string]domain.Skill),
	}
	for _, name := range excluded {
		lib.excluded[name] = true
	}
	if err := lib.Reload(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Reload re-reads the skills directory. A missing directory yields an empty
// library rather than an error.
func (l *Library) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Warn("skills directory missing, library empty", "dir", l.dir)
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	loaded := make(map[string]domain.Skill)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		skill, err := parseSkillFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			l.logger.Warn("skipping malformed skill file", "file", entry.Name(), "error", err)
			continue
		}
		if l.excluded[skill.Name] {
			continue
		}
		loaded[skill.Name] = skill
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()

	l.logger.Info("skill library loaded", "count", len(loaded), "dir", l.dir)
	return nil
}

// Watch reloads the library whenever the skills directory changes. Blocks
// until ctx is done.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create skills watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch skills dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := l.Reload(); err != nil {
					l.logger.Error("skill library reload failed", "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("skills watcher error", "error", err)
		}
	}
}

// Get returns one skill by name.
func (l *Library) Get(name string) (domain.Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// Names returns all known skill names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.skills))
	for name := range l.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every cached skill.
func (l *Library) All() []domain.Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Content concatenates the content of the named skills, skipping unknown names.
func (l *Library) Content(names []string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var b strings.Builder
	for _, name := range names {
		skill, ok := l.skills[name]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## " + skill.Name + "\n")
		b.WriteString(skill.Content)
	}
	return b.String()
}

// parseSkillFile splits "---\n<yaml>\n---\n<body>" and falls back to treating
// the whole file as content named after the file.
func parseSkillFile(path string) (domain.Skill, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Skill{}, err
	}

	name := strings.TrimSuffix(filepath.Base(path), ".md")
	text := string(raw)

	if strings.HasPrefix(text, "---\n") {
		rest := text[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return domain.Skill{}, fmt.Errorf("unterminated front matter")
		}
		var fm frontMatter
		if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
			return domain.Skill{}, fmt.Errorf("parse front matter: %w", err)
		}
		body := strings.TrimPrefix(rest[end+len("\n---"):], "\n")
		if fm.Name != "" {
			name = fm.Name
		}
		return domain.Skill{
			Name:        name,
			Description: fm.Description,
			Tags:        fm.Tags,
			Content:     strings.TrimSpace(body),
		}, nil
	}

	return domain.Skill{Name: name, Content: strings.TrimSpace(text)}, nil
}
