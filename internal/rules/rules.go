// Package rules loads and validates a review-rules project's manifest:
// the JSON array at .REVIEW_RULES.json, with rule bodies under
// REVIEW_RULES/<name>.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

const (
	manifestName = ".REVIEW_RULES.json"
	rulesDirName = "REVIEW_RULES"
)

// Rule is one entry of a loaded, enabled rules manifest.
type Rule struct {
	Name     string   `json:"name"`
	Dirs     []string `json:"dirs"`
	Skip     []string `json:"skip"`
	Once     bool     `json:"once"`
	Disabled bool     `json:"-"`
	// Path is the absolute path to the rule body, <root>/REVIEW_RULES/<name>.
	Path string `json:"-"`
}

type manifestEntry struct {
	Name    string   `json:"name"`
	Dirs    []string `json:"dirs"`
	Skip    []string `json:"skip"`
	Once    bool     `json:"once"`
	Disable bool     `json:"disable"`
}

// Load reads root/.REVIEW_RULES.json, drops disabled entries, and
// validates name uniqueness and rule-file existence.
func Load(root string) ([]Rule, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, apperrors.ErrMalformed(fmt.Sprintf("No project root: %s", root))
	}

	manifestPath := filepath.Join(root, manifestName)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, apperrors.ErrMalformed(fmt.Sprintf("No config file: %s", manifestPath))
	}

	var entries []manifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, apperrors.ErrMalformed(fmt.Sprintf("Rules manifest is not valid JSON: %v", err))
	}

	rulesDir := filepath.Join(root, rulesDirName)
	enabled := 0
	for _, e := range entries {
		if !e.Disable {
			enabled++
		}
	}
	if enabled > 0 {
		if _, err := os.Stat(rulesDir); err != nil {
			return nil, apperrors.ErrMalformed(fmt.Sprintf("No rules folder: %s", rulesDir))
		}
	}

	seen := make(map[string]struct{}, len(entries))
	rules := make([]Rule, 0, len(entries))
	for _, e := range entries {
		if e.Disable {
			continue
		}
		if e.Name == "" {
			return nil, apperrors.ErrMalformed("Rule name must not be empty")
		}
		if len(e.Dirs) == 0 {
			return nil, apperrors.ErrMalformed(fmt.Sprintf("Rule %s must declare at least one directory", e.Name))
		}
		if _, dup := seen[e.Name]; dup {
			return nil, apperrors.ErrMalformed("Loaded rules have duplicates")
		}
		seen[e.Name] = struct{}{}

		rulePath := filepath.Join(rulesDir, e.Name)
		if _, err := os.Stat(rulePath); err != nil {
			return nil, apperrors.ErrMalformed("Rule does not exist")
		}

		rules = append(rules, Rule{
			Name: e.Name,
			Dirs: e.Dirs,
			Skip: e.Skip,
			Once: e.Once,
			Path: rulePath,
		})
	}

	return rules, nil
}
