package diff

import "strings"

// FilePatch is one file's section of a multi-file unified diff.
type FilePatch struct {
	Path    string // new path ("b" side), or old path for deletions
	OldPath string // old path ("a" side)
	Status  string // added, modified, deleted, renamed
	Patch   string // the file's portion of the diff, headers included
	Binary  bool
}

// SplitFiles splits a full git unified diff into per-file patches,
// preserving the diff's declared file order.
func SplitFiles(unified string) []FilePatch {
	if strings.TrimSpace(unified) == "" {
		return nil
	}

	var patches []FilePatch
	lines := strings.Split(unified, "\n")

	var current *FilePatch
	var buf []string

	flush := func() {
		if current == nil {
			return
		}
		current.Patch = strings.Join(buf, "\n")
		current.Binary = isBinaryPatch(current.Patch)
		if current.Status == "" {
			current.Status = "modified"
		}
		patches = append(patches, *current)
		current = nil
		buf = nil
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			oldPath, newPath := parseGitHeaderPaths(line)
			current = &FilePatch{Path: newPath, OldPath: oldPath}
			if oldPath != newPath && oldPath != "" && newPath != "" {
				current.Status = "renamed"
			}
		}
		if current == nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "new file mode"):
			current.Status = "added"
		case strings.HasPrefix(line, "deleted file mode"):
			current.Status = "deleted"
			current.Path = current.OldPath
		case strings.HasPrefix(line, "rename from "):
			current.OldPath = strings.TrimPrefix(line, "rename from ")
			current.Status = "renamed"
		case strings.HasPrefix(line, "rename to "):
			current.Path = strings.TrimPrefix(line, "rename to ")
		case strings.HasPrefix(line, "--- a/"):
			current.OldPath = strings.TrimPrefix(line, "--- a/")
		case strings.HasPrefix(line, "+++ b/"):
			current.Path = strings.TrimPrefix(line, "+++ b/")
		}
		buf = append(buf, line)
	}
	flush()

	return patches
}

// parseGitHeaderPaths extracts the a/ and b/ paths from a
// "diff --git a/path b/path" header. Paths containing spaces are handled
// by splitting on " b/" from the right.
func parseGitHeaderPaths(header string) (oldPath, newPath string) {
	rest := strings.TrimPrefix(header, "diff --git ")
	idx := strings.LastIndex(rest, " b/")
	if idx < 0 {
		return "", ""
	}
	oldPath = strings.TrimPrefix(rest[:idx], "a/")
	newPath = rest[idx+len(" b/"):]
	return oldPath, newPath
}

// isBinaryPatch checks if a patch represents a binary file.
// Git uses "Binary files ... differ" or "GIT binary patch" for binaries.
func isBinaryPatch(patch string) bool {
	return strings.Contains(patch, "Binary files") ||
		strings.Contains(patch, "GIT binary patch")
}

// FileOrder returns the declared order of file paths in a unified diff.
// The returned map assigns each path its zero-based rank; paths absent
// from the diff are not present in the map.
func FileOrder(unified string) map[string]int {
	order := make(map[string]int)
	for i, fp := range SplitFiles(unified) {
		if _, seen := order[fp.Path]; !seen {
			order[fp.Path] = i
		}
	}
	return order
}
