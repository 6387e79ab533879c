package publish

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// LatestTag is the floating tag applied on every publish.
const LatestTag = "latest"

const maxTagLen = 128

var (
	shaPattern     = regexp.MustCompile(`^[0-9a-f]{40}$`)
	invalidTagChar = regexp.MustCompile(`[^a-z0-9_.-]`)
)

// SHATag returns the immutable tag for a commit, "sha-<40 hex>".
func SHATag(sha string) (string, error) {
	sha = strings.ToLower(strings.TrimSpace(sha))
	if !shaPattern.MatchString(sha) {
		return "", eris.Errorf("publish: invalid commit sha %q", sha)
	}
	return "sha-" + sha, nil
}

// BranchTag converts a branch name into a valid image tag: lowercase, "/"
// and any other invalid character become "-", no leading "." or "-", and at
// most 128 characters.
func BranchTag(branch string) (string, error) {
	tag := strings.ToLower(strings.TrimSpace(branch))
	tag = strings.ReplaceAll(tag, "/", "-")
	tag = invalidTagChar.ReplaceAllString(tag, "-")
	tag = strings.TrimLeft(tag, ".-")
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	if tag == "" {
		return "", eris.Errorf("publish: branch %q does not yield a valid tag", branch)
	}
	return tag, nil
}

// Tags returns the full tag set for a publish in push order: the SHA tag
// first, then the branch tag and latest. A branch that sanitizes to "latest"
// is rejected since the set would lose its branch tag.
func Tags(sha, branch string) ([]string, error) {
	shaTag, err := SHATag(sha)
	if err != nil {
		return nil, err
	}
	branchTag, err := BranchTag(branch)
	if err != nil {
		return nil, err
	}
	if branchTag == LatestTag {
		return nil, eris.Errorf("publish: branch %q collides with the %s tag", branch, LatestTag)
	}
	return []string{shaTag, branchTag, LatestTag}, nil
}
