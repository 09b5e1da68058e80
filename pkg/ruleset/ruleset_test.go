package ruleset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `
- domain: example.com
  headers:
    user-agent: "TestBot/1.0"
    referer: none
- domains:
    - news.test
    - blog.test
  headers:
    cookie: "consent=1"
`

func writeRules(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEmptyPath(t *testing.T) {
	rs, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Count())
}

func TestLoadFile(t *testing.T) {
	rs, err := Load(writeRules(t, "rules.yaml", sampleRules))
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Count())
	assert.ElementsMatch(t, []string{"example.com", "news.test", "blog.test"}, rs.Domains())
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte(sampleRules), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not yaml"), 0o644))

	rs, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Count())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeRules(t, "bad.yaml", "{{nope"))
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	rs, err := Load(writeRules(t, "rules.yaml", sampleRules))
	require.NoError(t, err)

	assert.Equal(t, "TestBot/1.0", rs.Match("example.com").Headers.UserAgent)
	assert.Equal(t, "TestBot/1.0", rs.Match("www.example.com").Headers.UserAgent, "subdomains inherit the rule")
	assert.Equal(t, "consent=1", rs.Match("blog.test").Headers.Cookie)
	assert.Equal(t, Rule{}, rs.Match("unrelated.org"))
	assert.Equal(t, Rule{}, rs.Match("notexample.com"), "suffix match requires a dot boundary")
}
