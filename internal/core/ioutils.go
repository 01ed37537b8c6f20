package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// MustFprintf writes formatted output to w and exits the process if the write fails.
// CLI output that cannot reach the terminal leaves nothing useful to do.
func MustFprintf(w io.Writer, format string, a ...any) {
	if _, err := fmt.Fprintf(w, format, a...); err != nil {
		zap.L().Fatal("Failed to write output", zap.Error(err), zap.String("format", format))
	}
}

// JoinSortedKeys lists the keys of a set in lexical order, comma separated
func JoinSortedKeys[K ~string](set map[K]struct{}) string {
	keys := slices.Sorted(maps.Keys(set))
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = string(k)
	}
	return strings.Join(strs, ", ")
}

// ScanLines calls fn for every newline-terminated line read from r, with the trailing
// "\n" or "\r\n" removed. Lines have no length limit. A final line without a newline
// is delivered once r reaches EOF. Returns nil on EOF.
func ScanLines(r io.Reader, fn func(line string)) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if strings.HasSuffix(line, "\n") || err != nil {
				fn(strings.TrimRight(line, "\r\n"))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
