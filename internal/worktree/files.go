package worktree

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UnknownLineCount marks files that could not be read.
const UnknownLineCount = -1

// LineCounts reads each file under the worktree and returns its line
// count. Unreadable or absent files carry the UnknownLineCount
// sentinel so downstream validation passes them through.
func LineCounts(worktreePath string, files []string) map[string]int {
	counts := make(map[string]int, len(files))
	for _, file := range files {
		counts[file] = countLines(filepath.Join(worktreePath, file))
	}
	return counts
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return UnknownLineCount
	}
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// ReadFiles loads the named files from the worktree, formatted for
// prompt inclusion. Unreadable files are skipped with a marker line so
// the model knows the context is incomplete.
func ReadFiles(worktreePath string, files []string) string {
	var sb strings.Builder
	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(worktreePath, file))
		if err != nil {
			fmt.Fprintf(&sb, "=== %s === (unreadable)\n\n", file)
			continue
		}
		fmt.Fprintf(&sb, "=== %s ===\n%s\n\n", file, data)
	}
	return sb.String()
}
