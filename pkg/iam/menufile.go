package iam

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// MenuFileItem is one entry in the declarative menu file. Views are
// referenced by URL and features by key; ids are resolved against the
// graph when the file is applied.
type MenuFileItem struct {
	Label      string         `yaml:"label"`
	URL        string         `yaml:"url,omitempty"`
	Icon       string         `yaml:"icon,omitempty"`
	View       string         `yaml:"view,omitempty"`
	Feature    string         `yaml:"feature,omitempty"`
	Entrypoint bool           `yaml:"entrypoint,omitempty"`
	Children   []MenuFileItem `yaml:"children,omitempty"`
}

// MenuFile is the parsed menu definition
type MenuFile struct {
	Menu []MenuFileItem `yaml:"menu"`
}

// LoadMenuFile parses a menu definition from disk
func LoadMenuFile(path string) (*MenuFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read menu file: %w", err)
	}
	var file MenuFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse menu file: %w", err)
	}
	return &file, nil
}

// ApplyMenuFile replaces the stored menu with the file's definition and
// flushes every cached navigation projection. View and feature references
// must already exist in the graph.
func (s *Service) ApplyMenuFile(ctx context.Context, file *MenuFile) error {
	var items []MenuItem
	nextID := int64(1)

	var flatten func(entries []MenuFileItem, parentID *int64) error
	flatten = func(entries []MenuFileItem, parentID *int64) error {
		for position, entry := range entries {
			item := MenuItem{
				ID:           nextID,
				ParentID:     parentID,
				Label:        entry.Label,
				URL:          entry.URL,
				Icon:         entry.Icon,
				IsEntrypoint: entry.Entrypoint,
				Position:     position,
			}
			nextID++

			if entry.View != "" {
				view, err := s.store.GetViewByURL(ctx, entry.View)
				if err != nil {
					return fmt.Errorf("failed to look up view %s: %w", entry.View, err)
				}
				if view == nil {
					return &GraphIntegrityError{Entity: "view", Reference: entry.View}
				}
				item.ViewID = &view.ID
				if item.URL == "" {
					item.URL = view.URL
				}
			}
			if entry.Feature != "" {
				feature, err := s.store.GetFeatureByKey(ctx, entry.Feature)
				if err != nil {
					return fmt.Errorf("failed to look up feature %s: %w", entry.Feature, err)
				}
				if feature == nil {
					return &UnknownFeatureError{Key: entry.Feature}
				}
				item.FeatureID = &feature.ID
			}

			items = append(items, item)
			parent := item.ID
			if err := flatten(entry.Children, &parent); err != nil {
				return err
			}
		}
		return nil
	}
	if err := flatten(file.Menu, nil); err != nil {
		return err
	}

	if err := s.store.ReplaceMenuItems(ctx, items); err != nil {
		return err
	}
	s.countMutation("menu.replace")

	// The menu changed under every cached projection at once.
	if err := s.cache.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("failed to flush navigation projections: %w", err)
	}
	return nil
}

// WatchMenuFile reloads and applies the menu file whenever it changes on
// disk. Blocks until ctx is cancelled; malformed edits are logged and
// skipped, leaving the previous menu in place.
func (s *Service) WatchMenuFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create menu watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch menu file: %w", err)
	}

	// Editors fire several events per save; a short settle window folds
	// them into one reload.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("menu watcher error")
		case <-pending:
			pending = nil
			file, err := LoadMenuFile(path)
			if err != nil {
				s.logger.WithError(err).Error("menu file reload failed")
				continue
			}
			if err := s.ApplyMenuFile(ctx, file); err != nil {
				s.logger.WithError(err).Error("menu file apply failed")
				continue
			}
			s.logger.WithField("path", path).Info("menu file reloaded")
		}
	}
}
