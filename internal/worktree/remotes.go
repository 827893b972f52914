package worktree

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

var remoteFoldCaser = cases.Fold()

// NormalizeRemoteURL reduces a git remote URL to a canonical
// host/owner/repo form so https, ssh://, and scp-like syntaxes of the
// same repository compare equal. Comparison is case-folded and
// insensitive to a trailing ".git".
func NormalizeRemoteURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return ""
	}

	for _, scheme := range []string{"https://", "http://", "ssh://", "git://"} {
		if strings.HasPrefix(url, scheme) {
			url = strings.TrimPrefix(url, scheme)
			break
		}
	}

	// Strip userinfo: git@host/... or user@host:path
	if at := strings.Index(url, "@"); at >= 0 {
		url = url[at+1:]
	}

	// scp-like syntax separates host and path with a colon.
	if colon := strings.Index(url, ":"); colon >= 0 && !strings.Contains(url[:colon], "/") {
		url = url[:colon] + "/" + url[colon+1:]
	}

	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")

	return remoteFoldCaser.String(url)
}

// ResolveRemoteForRepo finds the configured remote whose URL matches
// either of the repository's canonical URLs. When none matches, a
// dedicated remote is added (or repointed) and returned.
func (m *Manager) ResolveRemoteForRepo(ctx context.Context, repoDir, cloneURL, sshURL string) (string, error) {
	want := map[string]bool{}
	if n := NormalizeRemoteURL(cloneURL); n != "" {
		want[n] = true
	}
	if n := NormalizeRemoteURL(sshURL); n != "" {
		want[n] = true
	}
	if len(want) == 0 {
		return "", fmt.Errorf("repository has no clone URLs to match remotes against")
	}

	remotes, err := m.git.ListRemotes(ctx, repoDir)
	if err != nil {
		return "", err
	}
	for _, remote := range remotes {
		for _, url := range remote.URLs {
			if want[NormalizeRemoteURL(url)] {
				return remote.Name, nil
			}
		}
	}

	if err := m.git.SetRemoteURL(ctx, repoDir, baseRemote, cloneURL); err != nil {
		return "", fmt.Errorf("add %s remote: %w", baseRemote, err)
	}
	return baseRemote, nil
}
