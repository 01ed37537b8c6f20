package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanLines(t *testing.T) {
	var lines []string
	err := ScanLines(strings.NewReader("first\r\nsecond\n\nlast"), func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "", "last"}, lines)
}

func TestScanLines_LongLine(t *testing.T) {
	long := strings.Repeat("x", 1<<20)
	var lines []string
	require.NoError(t, ScanLines(strings.NewReader(long+"\n"), func(line string) {
		lines = append(lines, line)
	}))
	require.Len(t, lines, 1)
	assert.Len(t, lines[0], 1<<20)
}

func TestScanLines_Empty(t *testing.T) {
	called := false
	require.NoError(t, ScanLines(strings.NewReader(""), func(string) { called = true }))
	assert.False(t, called)
}

func TestJoinSortedKeys(t *testing.T) {
	type level string
	set := map[level]struct{}{"warn": {}, "debug": {}, "info": {}}
	assert.Equal(t, "debug, info, warn", JoinSortedKeys(set))
	assert.Empty(t, JoinSortedKeys(map[string]struct{}{}))
}

func TestMustFprintf(t *testing.T) {
	var sb strings.Builder
	MustFprintf(&sb, "%s=%d\n", "tools", 3)
	assert.Equal(t, "tools=3\n", sb.String())
}
