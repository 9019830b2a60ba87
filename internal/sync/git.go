package sync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// GitDestination commits snapshots to a file in a local clone and pushes
// them. Each commit message records the counter, task count, event-log
// position and digest as trailers.
type GitDestination struct {
	repo   string // path to the local clone
	file   string // file path within the repo
	branch string
}

// NewGitDestination returns a destination for an existing clone at repo.
func NewGitDestination(repo, file, branch string) *GitDestination {
	return &GitDestination{repo: repo, file: file, branch: branch}
}

func (d *GitDestination) Name() string { return "git:" + d.repo + ":" + d.file }

// commitMessage renders the subject and trailers for one snapshot.
func commitMessage(snap *Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "registry snapshot: %d tasks, counter %s\n\n", snap.TaskCount, snap.Counter)
	fmt.Fprintf(&b, "Sorotask-Counter: %s\n", snap.Counter)
	fmt.Fprintf(&b, "Sorotask-Task-Count: %d\n", snap.TaskCount)
	fmt.Fprintf(&b, "Sorotask-Last-Event-ID: %d\n", snap.LastEventID)
	fmt.Fprintf(&b, "Sorotask-Digest: %s\n", snap.Digest)
	fmt.Fprintf(&b, "Sorotask-Taken-At: %s\n", snap.TakenAt.Format(time.RFC3339))
	return b.String()
}

// Write replaces the snapshot file, commits and pushes. A snapshot whose
// file content matches the committed one produces no commit.
func (d *GitDestination) Write(ctx context.Context, snap *Snapshot) error {
	if err := d.git(ctx, "checkout", d.branch); err != nil {
		return err
	}
	// The remote may not have the branch yet.
	_ = d.git(ctx, "pull", "--ff-only", "origin", d.branch)

	path := filepath.Join(d.repo, d.file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, snap.Data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	if err := d.git(ctx, "add", d.file); err != nil {
		return err
	}
	if err := d.git(ctx, "diff", "--cached", "--quiet"); err == nil {
		return nil
	}
	if err := d.git(ctx, "commit", "-m", commitMessage(snap)); err != nil {
		return err
	}
	if err := d.git(ctx, "push", "origin", d.branch); err != nil {
		return err
	}
	return nil
}

// git runs one git command in the clone. Failures carry git's output.
func (d *GitDestination) git(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = d.repo
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}
