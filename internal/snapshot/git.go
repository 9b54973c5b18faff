package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/logger"
)

// GitBackend versions session directories with a shadow git repository per
// session: the git dir lives under dataDir while the work tree is the
// session's own directory, so the session directory stays free of engine
// metadata.
type GitBackend struct {
	dataDir string
	logger  *logger.Logger
}

// NewGitBackend creates the backend. Shadow repositories are created under
// <dataDir>/snapshots/<sessionID>.
func NewGitBackend(dataDir string, log *logger.Logger) *GitBackend {
	if log == nil {
		log = logger.Default()
	}
	return &GitBackend{dataDir: dataDir, logger: log}
}

func (g *GitBackend) gitDir(sessionID string) string {
	return filepath.Join(g.dataDir, "snapshots", sessionID)
}

// git runs one git command against the session's shadow repository.
func (g *GitBackend) git(ctx context.Context, sessionID, workTree string, args ...string) (string, error) {
	full := append([]string{
		"--git-dir", g.gitDir(sessionID),
		"--work-tree", workTree,
		"-c", "user.email=tandem@localhost",
		"-c", "user.name=tandem",
		"-c", "commit.gpgsign=false",
	}, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = workTree
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// Init creates the shadow repository and its initial commit. Idempotent:
// when the repository already has a HEAD, the root commit handle is
// returned instead of creating a new one.
func (g *GitBackend) Init(ctx context.Context, sessionID, dir string) (*Info, error) {
	stat, err := os.Stat(dir)
	if err != nil || !stat.IsDir() {
		return nil, errors.InvalidOperation(fmt.Sprintf("session directory does not exist: %s", dir))
	}

	gitDir := g.gitDir(sessionID)
	if _, err := os.Stat(filepath.Join(gitDir, "HEAD")); err == nil {
		if root, err := g.git(ctx, sessionID, dir, "rev-list", "--max-parents=0", "HEAD"); err == nil && root != "" {
			// rev-list may return several roots; the first line is ours.
			handle := strings.Fields(root)[0]
			return &Info{ChangeID: handle, CommitID: handle, Description: "init", Timestamp: time.Now().UTC(), IsEmpty: true}, nil
		}
	}

	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	if _, err := g.git(ctx, sessionID, dir, "init", "-q"); err != nil {
		return nil, err
	}
	return g.Commit(ctx, sessionID, dir, "init")
}

// Commit stages everything and records a commit, empty or not. The history
// invariant (one handle per message plus the initial one) depends on every
// commit producing a handle.
func (g *GitBackend) Commit(ctx context.Context, sessionID, dir, description string) (*Info, error) {
	if _, err := g.git(ctx, sessionID, dir, "add", "-A"); err != nil {
		return nil, err
	}

	status, err := g.git(ctx, sessionID, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	isEmpty := status == ""

	if _, err := g.git(ctx, sessionID, dir, "commit", "-q", "--allow-empty", "-m", description); err != nil {
		return nil, err
	}
	hash, err := g.git(ctx, sessionID, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	g.logger.Debug("snapshot committed",
		zap.String("session_id", sessionID),
		zap.String("commit", hash),
		zap.Bool("empty", isEmpty))

	return &Info{
		ChangeID:    hash,
		CommitID:    hash,
		Description: description,
		Timestamp:   time.Now().UTC(),
		IsEmpty:     isEmpty,
	}, nil
}

// Diff compares two snapshots, a→b. Contents are left empty; change types
// come from --name-status and line counts from --numstat.
func (g *GitBackend) Diff(ctx context.Context, sessionID, dir, a, b string) ([]FileDiff, error) {
	for _, handle := range []string{a, b} {
		if err := g.verifyHandle(ctx, sessionID, dir, handle); err != nil {
			return nil, err
		}
	}

	nameStatus, err := g.git(ctx, sessionID, dir, "diff", "--name-status", a, b)
	if err != nil {
		return nil, err
	}
	numstat, err := g.git(ctx, sessionID, dir, "diff", "--numstat", a, b)
	if err != nil {
		return nil, err
	}

	counts := make(map[string][2]int)
	for _, line := range strings.Split(numstat, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Binary files report "-" for both counts.
		added, _ := strconv.Atoi(fields[0])
		deleted, _ := strconv.Atoi(fields[1])
		counts[fields[2]] = [2]int{added, deleted}
	}

	diffs := make([]FileDiff, 0)
	for _, line := range strings.Split(nameStatus, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		var change ChangeType
		switch fields[0][0] {
		case 'A':
			change = ChangeAdded
		case 'D':
			change = ChangeDeleted
		default:
			change = ChangeModified
		}
		path := fields[len(fields)-1]
		c := counts[path]
		diffs = append(diffs, FileDiff{
			Path:         path,
			ChangeType:   change,
			AddedLines:   c[0],
			DeletedLines: c[1],
		})
	}
	return diffs, nil
}

// Restore hard-resets the work tree to handle and removes untracked files.
func (g *GitBackend) Restore(ctx context.Context, sessionID, dir, handle string) error {
	if err := g.verifyHandle(ctx, sessionID, dir, handle); err != nil {
		return err
	}
	if _, err := g.git(ctx, sessionID, dir, "reset", "-q", "--hard", handle); err != nil {
		return err
	}
	if _, err := g.git(ctx, sessionID, dir, "clean", "-fd"); err != nil {
		return err
	}
	return nil
}

// Cleanup deletes the session's shadow repository.
func (g *GitBackend) Cleanup(ctx context.Context, sessionID string) error {
	return os.RemoveAll(g.gitDir(sessionID))
}

func (g *GitBackend) verifyHandle(ctx context.Context, sessionID, dir, handle string) error {
	if _, err := g.git(ctx, sessionID, dir, "cat-file", "-e", handle+"^{commit}"); err != nil {
		return errors.NotFound("Snapshot", handle)
	}
	return nil
}
