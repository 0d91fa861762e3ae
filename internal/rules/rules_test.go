package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, root string, entries []manifestEntry) {
	t.Helper()
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, manifestName), raw, 0o644))
}

func writeRuleFile(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, rulesDirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("# rule body"), 0o644))
}

func TestLoad_MissingProjectRoot(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No project root")
}

func TestLoad_MissingConfigFile(t *testing.T) {
	root := t.TempDir()
	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No config file")
}

func TestLoad_DuplicateRuleName(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, []manifestEntry{
		{Name: "rule1", Dirs: []string{"dir1"}},
		{Name: "rule1", Dirs: []string{"dir2"}},
	})
	writeRuleFile(t, root, "rule1")

	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Loaded rules have duplicates")
}

func TestLoad_MissingRuleFile(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, []manifestEntry{
		{Name: "rule1", Dirs: []string{"dir1"}},
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, rulesDirName), 0o755))

	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Rule does not exist")
}

func TestLoad_MissingRulesFolder(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, []manifestEntry{
		{Name: "rule1", Dirs: []string{"dir1"}},
	})

	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No rules folder")
}

func TestLoad_EmptyManifest(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, []manifestEntry{})

	loaded, err := Load(root)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoad_DropsDisabledRules(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, []manifestEntry{
		{Name: "rule1", Dirs: []string{"dir1"}},
		{Name: "rule2", Dirs: []string{"dir2"}, Disable: true},
	})
	writeRuleFile(t, root, "rule1")

	loaded, err := Load(root)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "rule1", loaded[0].Name)
}

func TestLoad_PopulatesFields(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, []manifestEntry{
		{Name: "rule1", Dirs: []string{"dir1", "dir2"}, Skip: []string{"dir1/sub"}, Once: true},
	})
	writeRuleFile(t, root, "rule1")

	loaded, err := Load(root)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	rule := loaded[0]
	assert.Equal(t, []string{"dir1", "dir2"}, rule.Dirs)
	assert.Equal(t, []string{"dir1/sub"}, rule.Skip)
	assert.True(t, rule.Once)
	assert.Equal(t, filepath.Join(root, rulesDirName, "rule1"), rule.Path)
}
