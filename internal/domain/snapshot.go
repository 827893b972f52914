package domain

import "time"

const (
	FileStatusAdded    = "added"
	FileStatusModified = "modified"
	FileStatusDeleted  = "deleted"
	FileStatusRenamed  = "renamed"
)

// PRSnapshot captures the remote pull request state at fetch time.
type PRSnapshot struct {
	Title        string
	Description  string
	Author       string
	BaseBranch   string
	HeadBranch   string
	BaseRevision string
	HeadRevision string
	UnifiedDiff  string
	ChangedFiles []FileChange
	CloneURL     string
	SSHURL       string
	FetchedAt    time.Time
}

// FileChange is one entry in a snapshot's ordered changed-file list.
type FileChange struct {
	Path      string
	OldPath   string // set when the file was renamed
	Status    string
	Additions int
	Deletions int
	Binary    bool
}

// ChangedPaths returns the file paths in the snapshot's declared order.
func (s PRSnapshot) ChangedPaths() []string {
	paths := make([]string, 0, len(s.ChangedFiles))
	for _, f := range s.ChangedFiles {
		paths = append(paths, f.Path)
	}
	return paths
}
