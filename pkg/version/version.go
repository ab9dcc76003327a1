package version

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/emberhive/hive/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	BuildTime = "unknown"

	// Unknown is reported when the commit cannot be determined; version
	// checks are skipped against it.
	Unknown = "unknown"

	commitRe = regexp.MustCompile(`^[0-9a-f]{7,40}$`)
)

// Probe determines the running binary's source commit. It is resolved once
// at startup; the result is an immutable snapshot passed into components.
type Probe struct {
	commit string
	branch string
}

// Resolve runs git against the source tree containing the binary and
// returns a probe. A tree without git metadata yields Unknown with a
// warning; health checks then skip version comparison.
func Resolve() *Probe {
	dir := binaryDir()
	commit := gitOutput(dir, "rev-parse", "--short", "HEAD")
	if !commitRe.MatchString(commit) {
		logger := log.WithComponent("version")
		logger.Warn().
			Str("dir", dir).
			Str("got", commit).
			Msg("could not determine source commit; version checks disabled")
		return &Probe{commit: Unknown}
	}
	branch := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	return &Probe{commit: commit, branch: branch}
}

// FixedProbe returns a probe with a preset commit, for tests and for slaves
// launched with an explicit HIVE_COMMIT.
func FixedProbe(commit, branch string) *Probe {
	commit = strings.ToLower(strings.TrimSpace(commit))
	if !commitRe.MatchString(commit) {
		commit = Unknown
	}
	return &Probe{commit: commit, branch: branch}
}

// Commit returns the short commit id, or Unknown.
func (p *Probe) Commit() string { return p.commit }

// Branch returns the branch name, or empty.
func (p *Probe) Branch() string { return p.branch }

// Known reports whether the commit was resolved.
func (p *Probe) Known() bool { return p.commit != Unknown }

// Matches compares a peer-reported commit by exact lowercase equality.
// Against an unknown local commit it always reports true, since the check
// is skipped.
func (p *Probe) Matches(peer string) bool {
	if !p.Known() {
		return true
	}
	return p.commit == strings.ToLower(strings.TrimSpace(peer))
}

func binaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(out)))
}
