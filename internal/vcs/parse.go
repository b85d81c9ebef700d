package vcs

import (
	"strconv"
	"strings"

	"github.com/Iron-Ham/lfslock/internal/errors"
)

// Lock is one server-recorded LFS lock.
type Lock struct {
	Path  string
	Owner string
}

// NormalizePath converts a git-reported path to the forward-slash form used
// as the key of every lock and modified-path set.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return strings.TrimSuffix(p, "/")
}

// ParseLockLine parses one line of `git lfs locks` output:
//
//	Assets/scene.unity	alice	ID:42
//
// Fields are tab separated; git-lfs pads them with spaces, so each is trimmed.
func ParseLockLine(line string) (Lock, error) {
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return Lock{}, errors.NewParseError(line, "expected tab-separated path and owner")
	}
	path := NormalizePath(parts[0])
	owner := strings.TrimSpace(parts[1])
	if path == "" || owner == "" {
		return Lock{}, errors.NewParseError(line, "empty path or owner")
	}
	return Lock{Path: path, Owner: owner}, nil
}

// ParseTrackLine parses one line of `git lfs track` output and returns the
// tracked pattern. ok is false for header and blank lines.
//
//	Listing tracked patterns
//	    *.psd (.gitattributes)
func ParseTrackLine(line string) (pattern string, ok bool) {
	tracked := strings.TrimSpace(line)
	if tracked == "" || strings.HasPrefix(tracked, "Listing") {
		return "", false
	}
	fields := strings.Fields(tracked)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

// ParseBranchLine parses one line of `git branch` output and returns the
// branch name when the line marks the current branch.
func ParseBranchLine(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "*" {
		return "", false
	}
	return fields[len(fields)-1], true
}

// Version is a parsed `git version` line.
type Version struct {
	Raw     string
	Major   int
	Minor   int
	Windows bool
}

// MinWindowsMajor and MinWindowsMinor are the oldest Git for Windows release
// whose lfs locking works with this tool.
const (
	MinWindowsMajor = 2
	MinWindowsMinor = 16
)

// ParseVersion parses output like "git version 2.43.0" or
// "git version 2.45.1.windows.1".
func ParseVersion(line string) (Version, error) {
	v := Version{Raw: strings.TrimSpace(line)}
	rest := strings.TrimSpace(strings.TrimPrefix(v.Raw, "git version "))
	v.Windows = strings.Contains(rest, "windows")

	split := strings.Split(rest, ".")
	if len(split) < 2 {
		return v, errors.NewParseError(line, "expected major.minor")
	}
	var err error
	if v.Major, err = strconv.Atoi(strings.TrimSpace(split[0])); err != nil {
		return v, errors.NewParseError(line, "major version is not a number")
	}
	if v.Minor, err = strconv.Atoi(strings.TrimSpace(split[1])); err != nil {
		return v, errors.NewParseError(line, "minor version is not a number")
	}
	return v, nil
}

// Supported reports whether this git can run lfs locking. Only Windows
// builds have a known minimum; other platforms are assumed to work.
func (v Version) Supported() bool {
	if !v.Windows {
		return true
	}
	return v.Major > MinWindowsMajor || (v.Major == MinWindowsMajor && v.Minor >= MinWindowsMinor)
}
