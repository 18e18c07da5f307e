package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type basicTestConfig struct {
	Name     string   `config:"type=string,required"`
	Count    int      `config:"type=int"`
	Enabled  bool     `config:"type=bool"`
	Tags     []string `config:"type=array"`
	Renamed  string   `config:"type=string,key=custom_key"`
	Internal string
}

func newBasicConfig() *SectionConfig[basicTestConfig] {
	return NewSectionConfig(&SectionPlugin[basicTestConfig]{TypeName: "test"})
}

func TestSectionConfig_Parse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basic.cfg")
	body := "test: one\n" +
		"\tname first\n" +
		"\tcount 3\n" +
		"\tenabled true\n" +
		"\ttags a,b\n" +
		"\tcustom_key x\n" +
		"\n" +
		"test: two\n" +
		"\tname second\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	parsed, err := newBasicConfig().Parse(path)
	require.NoError(t, err)
	assert.Equal(t, path, parsed.FilePath)
	assert.Equal(t, []string{"one", "two"}, parsed.Order)

	one, ok := parsed.Get("one")
	require.True(t, ok)
	assert.Equal(t, "first", one.Name)
	assert.Equal(t, 3, one.Count)
	assert.True(t, one.Enabled)
	assert.Equal(t, []string{"a", "b"}, one.Tags)
	assert.Equal(t, "x", one.Renamed)
	assert.Empty(t, one.Internal)

	two, ok := parsed.Get("two")
	require.True(t, ok)
	assert.Equal(t, "second", two.Name)
	assert.Empty(t, two.Tags)

	_, ok = parsed.Get("three")
	assert.False(t, ok)
}

func TestSectionConfig_ParseErrors(t *testing.T) {
	cfg := newBasicConfig()
	dir := t.TempDir()

	cases := map[string]string{
		"missing required": "test: a\n\tcount 1\n",
		"bad integer":      "test: a\n\tname n\n\tcount nope\n",
		"bad header":       "just a line\n",
		"wrong type":       "other: a\n\tname n\n",
		"duplicate":        "test: a\n\tname n\n\ntest: a\n\tname m\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".cfg")
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))
			_, err := cfg.Parse(path)
			assert.Error(t, err)
		})
	}
}

func TestSectionConfig_CommentsAndSpacing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.cfg")
	body := "# leading comment\n\ntest: spaced\n\tname   a value with spaces  \n# inside\n\ttags x, y ,z\n\n\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	parsed, err := newBasicConfig().Parse(path)
	require.NoError(t, err)

	s, ok := parsed.Get("spaced")
	require.True(t, ok)
	assert.Equal(t, "a value with spaces", s.Name)
	assert.Equal(t, []string{"x", "y", "z"}, s.Tags)
}

func TestSectionConfig_Validate(t *testing.T) {
	cfg := NewSectionConfig(&SectionPlugin[basicTestConfig]{
		TypeName: "test",
		Validate: func(c basicTestConfig) error {
			if c.Count < 0 {
				return assert.AnError
			}
			return nil
		},
	})

	path := filepath.Join(t.TempDir(), "v.cfg")
	require.NoError(t, os.WriteFile(path, []byte("test: a\n\tname n\n\tcount -1\n"), 0600))
	_, err := cfg.Parse(path)
	assert.ErrorIs(t, err, assert.AnError)
}
