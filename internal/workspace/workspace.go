// Package workspace writes a finished job's files into a git repository.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/config"
	"github.com/fyrsmithlabs/devchain/internal/sanitize"
)

// ErrUnsafePath is returned for file names that would escape the workspace.
var ErrUnsafePath = errors.New("unsafe file path")

// Exporter writes generated files under Root/<name>_<jobID> and commits them.
type Exporter struct {
	root   string
	author object.Signature
	logger *zap.Logger
	now    func() time.Time
}

// New creates an Exporter. Author fields left empty fall back to the global
// git user and then to "devchain".
func New(cfg config.WorkspaceConfig, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	root := cfg.Root
	if root == "" {
		root = "./warehouse"
	}
	name, email := cfg.AuthorName, cfg.AuthorEmail
	if name == "" || email == "" {
		if gc, err := gitconfig.LoadConfig(gitconfig.GlobalScope); err == nil {
			if name == "" {
				name = gc.User.Name
			}
			if email == "" {
				email = gc.User.Email
			}
		}
	}
	if name == "" {
		name = "devchain"
	}
	if email == "" {
		email = "devchain@localhost"
	}
	return &Exporter{
		root:   root,
		author: object.Signature{Name: name, Email: email},
		logger: logger,
		now:    time.Now,
	}
}

// Dir returns the directory a job exports to.
func (e *Exporter) Dir(name, jobID string) string {
	return filepath.Join(e.root, sanitize.Join(name, jobID))
}

// Export writes files and commits them, returning the directory and the
// commit hash. Exporting the same content twice does not create a new commit.
func (e *Exporter) Export(ctx context.Context, name, jobID string, files map[string]string) (string, string, error) {
	dir := e.Dir(name, jobID)

	cleaned := make(map[string]string, len(files))
	paths := make([]string, 0, len(files))
	for p, content := range files {
		clean, err := sanitize.FilePath(p)
		if err != nil {
			return "", "", fmt.Errorf("%w: %w", ErrUnsafePath, err)
		}
		cleaned[clean] = content
		paths = append(paths, clean)
	}
	sort.Strings(paths)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create workspace: %w", err)
	}

	repo, err := git.PlainInit(dir, false)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.PlainOpen(dir)
	}
	if err != nil {
		return "", "", fmt.Errorf("open repository %s: %w", dir, err)
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", "", fmt.Errorf("create %s: %w", p, err)
		}
		if err := os.WriteFile(full, []byte(cleaned[p]), 0o644); err != nil {
			return "", "", fmt.Errorf("write %s: %w", p, err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", "", fmt.Errorf("worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", "", fmt.Errorf("stage files: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", "", fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		head, err := repo.Head()
		if err != nil {
			return dir, "", nil
		}
		return dir, head.Hash().String(), nil
	}

	author := e.author
	author.When = e.now()
	hash, err := wt.Commit(commitMessage(name, jobID, paths), &git.CommitOptions{Author: &author})
	if err != nil {
		return "", "", fmt.Errorf("commit: %w", err)
	}

	e.logger.Info("workspace exported",
		zap.String("job_id", jobID),
		zap.String("dir", dir),
		zap.Int("files", len(paths)),
		zap.String("commit", hash.String()),
	)
	return dir, hash.String(), nil
}

func commitMessage(name, jobID string, paths []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: generated by job %s\n\n", name, jobID)
	for _, p := range paths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return b.String()
}
