// Package identity resolves the stable project and session identities the
// rest of the engine keys its state on. See spec §3, §4.1.
package identity

import (
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxProjectIDLen is the right-truncation bound from spec §3/§6.
const MaxProjectIDLen = 50

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Normalize is the single allowed source of project ids (spec §3, §6). It
// strips a trailing ".git", collapses every run of non-alphanumeric
// characters to one hyphen, lowercases, and right-truncates to 50 chars.
// The same input always normalizes to the same id.
func Normalize(input string) string {
	s := strings.TrimSuffix(input, ".git")
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.ToLower(s)
	s = strings.Trim(s, "-")
	if len(s) > MaxProjectIDLen {
		s = s[len(s)-MaxProjectIDLen:]
		s = strings.Trim(s, "-")
	}
	return s
}

// ResolveProjectID derives a project id for the directory at cwd: the VCS
// origin URL if one is configured, else the absolute path. See spec §4.1.
func ResolveProjectID(cwd string) (string, error) {
	if origin, ok := gitOriginURL(cwd); ok {
		return Normalize(origin), nil
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", err
	}
	return Normalize(abs), nil
}

// gitOriginURL shells out to `git config --get remote.origin.url`, mirroring
// bd's detectProjectFromGitRemote. Returns ok=false if git isn't available
// or no origin is configured — callers fall back to the path.
func gitOriginURL(cwd string) (string, bool) {
	cmd := exec.Command("git", "config", "--get", "remote.origin.url")
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	url := strings.TrimSpace(string(out))
	if url == "" {
		return "", false
	}
	return url, true
}
