package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/mod/semver"

	"github.com/dorcha-inc/toolhost/internal/installer"
	"github.com/dorcha-inc/toolhost/internal/manifest"
	"github.com/dorcha-inc/toolhost/internal/state"
)

// VersionLatest selects the newest stable version of a tool
const VersionLatest = "latest"

// NotFoundError is returned when the catalog has no matching entry
type NotFoundError struct {
	ID         string `json:"id"`
	Version    string `json:"version,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Error returns the error message for the NotFoundError
func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("tool '%s' not found in catalog", e.ID)
	if e.Version != "" {
		msg = fmt.Sprintf("version '%s' not found for tool '%s'", e.Version, e.ID)
	}
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %s?)", e.Suggestion)
	}
	return msg
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(id string, version string, suggestion string) *NotFoundError {
	return &NotFoundError{ID: id, Version: version, Suggestion: suggestion}
}

// Interface guard for NotFoundError
var _ error = &NotFoundError{}

// IDs returns the distinct tool ids in the index, sorted
func (idx *Index) IDs() []string {
	seen := make(map[string]struct{}, len(idx.Tools))
	ids := make([]string, 0, len(idx.Tools))
	for _, entry := range idx.Tools {
		if _, ok := seen[entry.ID]; ok {
			continue
		}
		seen[entry.ID] = struct{}{}
		ids = append(ids, entry.ID)
	}
	sort.Strings(ids)
	return ids
}

// Versions returns every entry for id, newest first
func (idx *Index) Versions(id string) []installer.Entry {
	var entries []installer.Entry
	for _, entry := range idx.Tools {
		if entry.ID == id {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return compareVersions(entries[i].Version, entries[j].Version) > 0
	})
	return entries
}

// Find resolves id at version. An empty version or "latest" picks the newest
// stable release, falling back to the newest pre-release.
func (idx *Index) Find(id string, version string) (*installer.Entry, error) {
	entries := idx.Versions(id)
	if len(entries) == 0 {
		return nil, NewNotFoundError(id, "", state.SuggestSimilar(idx.IDs(), id))
	}

	if version == "" || version == VersionLatest {
		for i := range entries {
			if semver.Prerelease(manifest.CanonicalVersion(entries[i].Version)) == "" {
				return &entries[i], nil
			}
		}
		return &entries[0], nil
	}

	for i := range entries {
		if compareVersions(entries[i].Version, version) == 0 {
			return &entries[i], nil
		}
	}
	return nil, NewNotFoundError(id, version, "")
}

// Search ranks the latest entry of every tool against query. Matches on the
// id or name rank ahead of matches on the description or keywords.
func (idx *Index) Search(query string) []installer.Entry {
	query = strings.TrimSpace(query)
	latest := make([]installer.Entry, 0, len(idx.Tools))
	for _, id := range idx.IDs() {
		entry, err := idx.Find(id, VersionLatest)
		if err == nil {
			latest = append(latest, *entry)
		}
	}
	if query == "" {
		return latest
	}

	type hit struct {
		entry installer.Entry
		score int
	}
	var hits []hit
	for _, entry := range latest {
		if score, ok := matchScore(query, entry); ok {
			hits = append(hits, hit{entry: entry, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score < hits[j].score
	})

	results := make([]installer.Entry, len(hits))
	for i, h := range hits {
		results[i] = h.entry
	}
	return results
}

// matchScore returns a lower score for a better match
func matchScore(query string, entry installer.Entry) (int, bool) {
	ranks := fuzzy.RankFindNormalizedFold(query, []string{entry.ID, entry.Name})
	if len(ranks) > 0 {
		sort.Sort(ranks)
		return ranks[0].Distance, true
	}

	lower := strings.ToLower(query)
	for _, keyword := range entry.Keywords {
		if strings.EqualFold(keyword, query) || fuzzy.MatchNormalizedFold(lower, keyword) {
			return 1000, true
		}
	}
	if strings.EqualFold(entry.Category, query) {
		return 1000, true
	}
	if strings.Contains(strings.ToLower(entry.Description), lower) {
		return 2000, true
	}
	return 0, false
}

// Update is an installed tool with a newer catalog release
type Update struct {
	ID        string          `json:"id"`
	Installed string          `json:"installed"`
	Available string          `json:"available"`
	Entry     installer.Entry `json:"-"`
}

// Outdated compares installed versions, keyed by tool id, with the catalog
func (idx *Index) Outdated(installed map[string]string) []Update {
	ids := make([]string, 0, len(installed))
	for id := range installed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var updates []Update
	for _, id := range ids {
		entry, err := idx.Find(id, VersionLatest)
		if err != nil {
			continue
		}
		if compareVersions(entry.Version, installed[id]) > 0 {
			updates = append(updates, Update{
				ID:        id,
				Installed: installed[id],
				Available: entry.Version,
				Entry:     *entry,
			})
		}
	}
	return updates
}

// compareVersions orders semantic versions. Invalid versions sort below valid
// ones and compare to each other as strings.
func compareVersions(a, b string) int {
	va, vb := manifest.CanonicalVersion(a), manifest.CanonicalVersion(b)
	validA, validB := semver.IsValid(va), semver.IsValid(vb)
	switch {
	case validA && validB:
		return semver.Compare(va, vb)
	case validA:
		return 1
	case validB:
		return -1
	default:
		return strings.Compare(a, b)
	}
}
