package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// MarkerFile is committed into a freshly initialized mirror repository.
const MarkerFile = ".gitkeep"

// Client provides git operations on the mirror working copy
type Client interface {
	// EnsureRepo opens or initializes the repository described by opts,
	// configures the author identity and, in push mode, the remote.
	EnsureRepo(ctx context.Context, opts RepoOptions) (created bool, err error)
	// RemovePaths unregisters paths from the index.
	RemovePaths(ctx context.Context, dir string, paths []string) error
	// IsDirty reports whether the working tree has any uncommitted change,
	// untracked files included.
	IsDirty(ctx context.Context, dir string) (bool, error)
	// CommitAll stages every change and creates one commit.
	CommitAll(ctx context.Context, dir, message string) (string, error)
	// HasUnpushedCommits reports whether branch is ahead of remote/branch.
	HasUnpushedCommits(ctx context.Context, dir, remote, branch string) (bool, error)
	// Push pushes branch to remote.
	Push(ctx context.Context, dir, remote, branch string) error
}

// RepoOptions describes the mirror repository
type RepoOptions struct {
	Dir       string
	Branch    string
	Author    string
	Email     string
	Remote    string
	RemoteURL string
	Push      bool
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
	logger         *slog.Logger
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string, logger *slog.Logger) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		logger:         logger,
	}
}

// EnsureRepo initializes the repository with an empty marker commit when it
// does not exist yet, otherwise opens it as is.
func (c *ShellClient) EnsureRepo(ctx context.Context, opts RepoOptions) (bool, error) {
	created := false
	if _, err := os.Stat(filepath.Join(opts.Dir, ".git")); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("failed to inspect repository: %w", err)
		}
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return false, fmt.Errorf("failed to create repository directory: %w", err)
		}
		if err := c.git(ctx, opts.Dir, "init", "--quiet"); err != nil {
			return false, fmt.Errorf("git init failed: %w", err)
		}
		if err := c.git(ctx, opts.Dir, "symbolic-ref", "HEAD", "refs/heads/"+opts.Branch); err != nil {
			return false, fmt.Errorf("failed to select branch %s: %w", opts.Branch, err)
		}
		created = true
	}

	if err := c.git(ctx, opts.Dir, "config", "user.name", opts.Author); err != nil {
		return false, fmt.Errorf("failed to set author name: %w", err)
	}
	if err := c.git(ctx, opts.Dir, "config", "user.email", opts.Email); err != nil {
		return false, fmt.Errorf("failed to set author email: %w", err)
	}

	if created {
		if err := os.WriteFile(filepath.Join(opts.Dir, MarkerFile), nil, 0644); err != nil {
			return false, fmt.Errorf("failed to write %s: %w", MarkerFile, err)
		}
		if err := c.git(ctx, opts.Dir, "add", "--", MarkerFile); err != nil {
			return false, fmt.Errorf("git add failed: %w", err)
		}
		if err := c.git(ctx, opts.Dir, "commit", "--quiet", "-m", "Initial commit"); err != nil {
			return false, fmt.Errorf("initial commit failed: %w", err)
		}
	}

	if opts.Push {
		if err := c.ensureRemote(ctx, opts); err != nil {
			return created, err
		}
	}

	return created, nil
}

// ensureRemote points opts.Remote at opts.RemoteURL, fetches it and tracks
// the remote branch when it exists. Fetch failures are not fatal here; the
// push reports them.
func (c *ShellClient) ensureRemote(ctx context.Context, opts RepoOptions) error {
	current, err := c.output(ctx, opts.Dir, "remote", "get-url", opts.Remote)
	switch {
	case err != nil:
		c.logger.Info("adding remote", "remote", opts.Remote, "url", opts.RemoteURL)
		if err := c.git(ctx, opts.Dir, "remote", "add", opts.Remote, opts.RemoteURL); err != nil {
			return fmt.Errorf("failed to add remote %s: %w", opts.Remote, err)
		}
	case current != opts.RemoteURL:
		c.logger.Info("updating remote url", "remote", opts.Remote, "from", current, "to", opts.RemoteURL)
		if err := c.git(ctx, opts.Dir, "remote", "set-url", opts.Remote, opts.RemoteURL); err != nil {
			return fmt.Errorf("failed to update remote %s: %w", opts.Remote, err)
		}
	}

	cmd := exec.CommandContext(ctx, "git", "-C", opts.Dir, "fetch", "--quiet", opts.Remote)
	if err := c.configureAuth(cmd, opts.RemoteURL); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		c.logger.Warn("git fetch failed", "remote", opts.Remote, "error", err)
		return nil
	}

	remoteRef := opts.Remote + "/" + opts.Branch
	if !c.refExists(ctx, opts.Dir, "refs/remotes/"+remoteRef) {
		c.logger.Debug("remote branch does not exist yet", "ref", remoteRef)
		return nil
	}
	if err := c.git(ctx, opts.Dir, "branch", "--set-upstream-to="+remoteRef, opts.Branch); err != nil {
		return fmt.Errorf("failed to track %s: %w", remoteRef, err)
	}
	return nil
}

// RemovePaths unregisters paths from the index. Untracked paths are ignored.
func (c *ShellClient) RemovePaths(ctx context.Context, dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"rm", "--cached", "--ignore-unmatch", "--quiet", "--"}, paths...)
	if err := c.git(ctx, dir, args...); err != nil {
		return fmt.Errorf("git rm failed: %w", err)
	}
	return nil
}

// IsDirty reports whether git status shows any change or untracked file
func (c *ShellClient) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := c.output(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return out != "", nil
}

// CommitAll stages all changes, commits them and returns the new HEAD
func (c *ShellClient) CommitAll(ctx context.Context, dir, message string) (string, error) {
	if err := c.git(ctx, dir, "add", "--all"); err != nil {
		return "", fmt.Errorf("git add failed: %w", err)
	}
	if err := c.git(ctx, dir, "commit", "--quiet", "-m", message); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}
	commit, err := c.output(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return commit, nil
}

// HasUnpushedCommits returns true if the remote branch is unknown or behind HEAD
func (c *ShellClient) HasUnpushedCommits(ctx context.Context, dir, remote, branch string) (bool, error) {
	remoteRef := "refs/remotes/" + remote + "/" + branch
	if !c.refExists(ctx, dir, remoteRef) {
		return true, nil
	}
	out, err := c.output(ctx, dir, "rev-list", "--count", remoteRef+"..HEAD")
	if err != nil {
		return false, fmt.Errorf("git rev-list failed: %w", err)
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return false, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return n > 0, nil
}

// Push pushes branch to remote and sets it as upstream
func (c *ShellClient) Push(ctx context.Context, dir, remote, branch string) error {
	url, err := c.output(ctx, dir, "remote", "get-url", remote)
	if err != nil {
		return fmt.Errorf("failed to resolve remote %s: %w", remote, err)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "push", "--quiet", "--set-upstream", remote, branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

func (c *ShellClient) refExists(ctx context.Context, dir, ref string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--verify", "--quiet", ref)
	return cmd.Run() == nil
}

// git runs a local git subcommand in dir
func (c *ShellClient) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	return c.runCommand(cmd)
}

// output runs a local git subcommand in dir and returns trimmed stdout
func (c *ShellClient) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// configureAuth sets up authentication for git operations against url
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token reaches git through the environment and a credential
		// helper, never through the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "GITVCL_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GITVCL_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "push", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
