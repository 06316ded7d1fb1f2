package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ParseDocument decodes one rule document. YAML and JSON are both accepted;
// YAML is converted to JSON first so the Rule struct tags stay the single
// source of shape.
func ParseDocument(data []byte) (*Rule, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rule document: %w", err)
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert rule document: %w", err)
	}

	var rule Rule
	if err := json.Unmarshal(jsonBytes, &rule); err != nil {
		return nil, fmt.Errorf("decode rule document: %w", err)
	}
	if err := Validate(&rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// LoadDir reads every *.yaml/*.yml/*.json rule document in dir (sorted by
// filename). Invalid files are logged and skipped so one typo cannot block
// startup import. Rules without an id get the filename stem, which keeps
// re-imports idempotent.
func LoadDir(dir string, logger *zap.Logger) ([]Rule, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	out := make([]Rule, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read rule document", zap.String("path", path), zap.Error(err))
			continue
		}
		rule, err := ParseDocument(data)
		if err != nil {
			logger.Warn("skipping invalid rule document", zap.String("path", path), zap.Error(err))
			continue
		}
		if rule.ID == "" {
			rule.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		out = append(out, *rule)
	}
	return out, nil
}

// ImportDir loads rule documents from dir and upserts them into the store,
// preserving created_at on update. Returns how many rules landed.
func ImportDir(store *Store, dir string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	loaded, err := LoadDir(dir, logger)
	if err != nil {
		return 0, err
	}

	imported := 0
	for i := range loaded {
		rule := loaded[i]
		existing, err := store.Get(rule.ID)
		switch {
		case err == nil:
			rule.CreatedAt = existing.CreatedAt
			if _, err := store.Update(rule); err != nil {
				logger.Warn("cannot update imported rule", zap.String("rule", rule.ID), zap.Error(err))
				continue
			}
		case IsNotFound(err):
			if _, err := store.Create(rule); err != nil {
				logger.Warn("cannot create imported rule", zap.String("rule", rule.ID), zap.Error(err))
				continue
			}
		default:
			return imported, fmt.Errorf("look up rule %q: %w", rule.ID, err)
		}
		imported++
	}
	return imported, nil
}
