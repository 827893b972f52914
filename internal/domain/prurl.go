package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	hostPRPath     = regexp.MustCompile(`^/([^/]+)/([^/]+)/pull/(\d+)`)
	graphitePRPath = regexp.MustCompile(`^/github/pr/([^/]+)/([^/]+)/(\d+)`)
	shortPRForm    = regexp.MustCompile(`^([^/\s]+)/([^/#\s]+)#(\d+)$`)
)

// ParsePRReference resolves user input into a PRKey. Accepted forms:
//
//   - full host URLs: https://github.com/owner/repo/pull/42
//   - Graphite URLs:  https://app.graphite.dev/github/pr/owner/repo/42
//   - owner/repo#42 shorthand
//   - a bare number, when contextOwner/contextRepo supply the repository
//
// The shorthand form is the inverse of PRKey.String, so parsing a
// serialized key always round-trips.
func ParsePRReference(input, contextOwner, contextRepo string) (PRKey, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return PRKey{}, fmt.Errorf("empty pull request reference")
	}

	if n, err := strconv.Atoi(input); err == nil {
		if contextOwner == "" || contextRepo == "" {
			return PRKey{}, fmt.Errorf("bare PR number %d needs a repository context", n)
		}
		if n <= 0 {
			return PRKey{}, fmt.Errorf("invalid PR number %d", n)
		}
		return PRKey{Owner: contextOwner, Repo: contextRepo, Number: n}, nil
	}

	if m := shortPRForm.FindStringSubmatch(input); m != nil {
		n, _ := strconv.Atoi(m[3])
		if n <= 0 {
			return PRKey{}, fmt.Errorf("invalid PR number in %q", input)
		}
		return PRKey{Owner: m[1], Repo: m[2], Number: n}, nil
	}

	u, err := url.Parse(input)
	if err != nil || u.Host == "" {
		return PRKey{}, fmt.Errorf("unrecognized pull request reference %q", input)
	}

	for _, re := range []*regexp.Regexp{graphitePRPath, hostPRPath} {
		if m := re.FindStringSubmatch(u.Path); m != nil {
			n, _ := strconv.Atoi(m[3])
			if n <= 0 {
				return PRKey{}, fmt.Errorf("invalid PR number in %q", input)
			}
			return PRKey{Owner: m[1], Repo: m[2], Number: n}, nil
		}
	}

	return PRKey{}, fmt.Errorf("unrecognized pull request URL %q", input)
}
