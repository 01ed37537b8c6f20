package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorcha-inc/toolhost/internal/installer"
)

func mustIndex(t *testing.T) *Index {
	t.Helper()
	index, err := ParseIndex([]byte(testIndex))
	require.NoError(t, err)
	return index
}

func TestFind(t *testing.T) {
	index := mustIndex(t)

	tests := []struct {
		name    string
		id      string
		version string
		want    string
	}{
		{name: "latest skips pre-release", id: "notes", version: VersionLatest, want: "1.2.0"},
		{name: "empty means latest", id: "notes", version: "", want: "1.2.0"},
		{name: "exact", id: "notes", version: "1.0.0", want: "1.0.0"},
		{name: "exact with v prefix", id: "notes", version: "v1.0.0", want: "1.0.0"},
		{name: "exact pre-release", id: "notes", version: "2.0.0-beta.1", want: "2.0.0-beta.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := index.Find(tt.id, tt.version)
			require.NoError(t, err)
			assert.Equal(t, tt.want, entry.Version)
		})
	}
}

func TestFind_OnlyPreRelease(t *testing.T) {
	index := &Index{Tools: []installer.Entry{
		{ID: "beta", Version: "1.0.0-alpha"},
		{ID: "beta", Version: "1.0.0-rc.1"},
	}}
	entry, err := index.Find("beta", VersionLatest)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0-rc.1", entry.Version)
}

func TestFind_NotFound(t *testing.T) {
	index := mustIndex(t)

	_, err := index.Find("notse", "")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "notes", notFound.Suggestion)
	assert.Equal(t, "tool 'notse' not found in catalog (did you mean notes?)", err.Error())

	_, err = index.Find("notes", "9.9.9")
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "version '9.9.9' not found for tool 'notes'", err.Error())
}

func TestVersions_NewestFirst(t *testing.T) {
	var versions []string
	for _, entry := range mustIndex(t).Versions("notes") {
		versions = append(versions, entry.Version)
	}
	assert.Equal(t, []string{"2.0.0-beta.1", "1.2.0", "1.0.0"}, versions)
}

func TestSearch(t *testing.T) {
	index := mustIndex(t)

	ids := func(entries []installer.Entry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []string{"notes"}, ids(index.Search("note")))
	assert.Equal(t, []string{"notes"}, ids(index.Search("MARKDOWN")))
	assert.Equal(t, []string{"weather"}, ids(index.Search("utilities")))
	assert.Equal(t, []string{"jq"}, ids(index.Search("json processor")))
	assert.Empty(t, index.Search("nonexistent"))
	assert.Len(t, index.Search(""), 3)

	results := index.Search("notes")
	require.Len(t, results, 1)
	assert.Equal(t, "1.2.0", results[0].Version)
}

func TestOutdated(t *testing.T) {
	index := mustIndex(t)

	updates := index.Outdated(map[string]string{
		"notes":   "1.0.0",
		"weather": "0.3.0",
		"local":   "1.0.0",
	})
	require.Len(t, updates, 1)
	assert.Equal(t, "notes", updates[0].ID)
	assert.Equal(t, "1.0.0", updates[0].Installed)
	assert.Equal(t, "1.2.0", updates[0].Available)
	assert.Equal(t, "https://example.com/notes-1.2.0.zip", updates[0].Entry.DownloadURL)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, compareVersions("1.0.0", "v1.0.0"))
	assert.Equal(t, 1, compareVersions("1.10.0", "1.9.0"))
	assert.Equal(t, -1, compareVersions("1.0.0-rc.1", "1.0.0"))
	assert.Equal(t, 1, compareVersions("1.0.0", "garbage"))
	assert.Equal(t, -1, compareVersions("", "0.0.1"))
}
