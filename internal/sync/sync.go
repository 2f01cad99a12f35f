package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/varnishops/gitvcl/internal/config"
	"github.com/varnishops/gitvcl/internal/git"
	"github.com/varnishops/gitvcl/internal/metrics"
	"github.com/varnishops/gitvcl/internal/mirror"
	"github.com/varnishops/gitvcl/internal/reconcile"
)

const commitMessageLayout = "Updated configs at 2006-01-02 15:04"

// Fetcher retrieves the remote artifact set
type Fetcher interface {
	FetchArtifacts(ctx context.Context) ([]reconcile.Artifact, error)
}

// Engine orchestrates one mirror run
type Engine struct {
	cfg     *config.Config
	fetcher Fetcher
	git     git.Client
	mirror  *mirror.Dir
	metrics *metrics.Recorder
	logger  *slog.Logger
	dryRun  bool
	now     func() time.Time
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, fetcher Fetcher, gitClient git.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		git:     gitClient,
		mirror:  mirror.New(cfg.Git.RepoFolder, logger),
		metrics: metrics.NewRecorder(),
		logger:  logger,
		dryRun:  dryRun,
		now:     time.Now,
	}
}

// Run executes the state machine once. Any failure before the commit aborts
// the run with nothing committed. A push failure keeps the local commit and
// returns an error wrapping ErrPushFailed.
func (e *Engine) Run(ctx context.Context) (res *Result, err error) {
	started := e.now()
	res = &Result{Stage: StageInit}
	defer func() {
		e.recordMetrics(started, res, err)
	}()

	e.logger.Info("starting run",
		"repo_folder", e.cfg.Git.RepoFolder,
		"push", e.cfg.Git.PushToRepo,
		"dry_run", e.dryRun)

	// Init -> RepoReady
	if e.dryRun {
		e.logger.Info("[dry-run] repository left untouched")
	} else {
		created, err := e.git.EnsureRepo(ctx, git.RepoOptions{
			Dir:       e.cfg.Git.RepoFolder,
			Branch:    e.cfg.Git.Branch,
			Author:    e.cfg.Git.Author,
			Email:     e.cfg.Git.Email,
			Remote:    e.cfg.Git.Remote,
			RemoteURL: e.cfg.Git.Repository,
			Push:      e.cfg.Git.PushToRepo,
		})
		if err != nil {
			return res, e.fail(StageRepoReady, fmt.Errorf("failed to prepare repository: %w", err))
		}
		e.logger.Info("repository ready", "created", created)
	}
	res.Stage = StageRepoReady

	// RepoReady -> Fetched
	artifacts, err := e.fetcher.FetchArtifacts(ctx)
	if err != nil {
		return res, e.fail(StageFetched, fmt.Errorf("failed to fetch artifacts: %w", err))
	}
	res.Stage = StageFetched
	res.Deployed = countDeployed(artifacts)
	e.logger.Info("fetched artifacts", "total", len(artifacts), "deployed", res.Deployed)

	// Fetched -> Reconciled
	plan, err := e.reconcile(artifacts)
	if err != nil {
		return res, e.fail(StageReconciled, err)
	}
	res.Stage = StageReconciled
	res.Plan = plan
	e.logger.Info("reconciliation plan",
		"write", len(plan.ToWrite),
		"delete", len(plan.ToDelete),
		"dirty", plan.Dirty)

	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	// Reconciled -> Applied
	if err := e.apply(ctx, plan); err != nil {
		return res, e.fail(StageApplied, err)
	}
	res.Stage = StageApplied

	// Applied -> Committed
	commit, err := e.commit(ctx, plan)
	if err != nil {
		return res, e.fail(StageCommitted, err)
	}
	if commit != "" {
		res.Committed = true
		res.Commit = commit
		res.Stage = StageCommitted
	}

	// Committed -> Pushed
	if e.cfg.Git.PushToRepo {
		if err := e.push(ctx, res); err != nil {
			e.logger.Error("push failed, local commit kept", "error", err)
			return res, &StageError{Stage: StagePushed, Err: fmt.Errorf("%w: %w", ErrPushFailed, err)}
		}
		if res.Pushed {
			res.Stage = StagePushed
		}
	}

	res.Stage = StageDone
	e.logger.Info("run completed", "committed", res.Committed, "pushed", res.Pushed)
	return res, nil
}

// reconcile diffs artifacts against the mirror's top-level files. A dry run
// against a folder that does not exist yet sees an empty mirror.
func (e *Engine) reconcile(artifacts []reconcile.Artifact) (*reconcile.Plan, error) {
	local, err := e.mirror.List()
	if err != nil && !(e.dryRun && errors.Is(err, fs.ErrNotExist)) {
		return nil, err
	}
	plan, err := reconcile.Reconcile(artifacts, local, e.mirror.Read)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile: %w", err)
	}
	return plan, nil
}

// apply writes and deletes files and unregisters deleted paths from git
func (e *Engine) apply(ctx context.Context, plan *reconcile.Plan) error {
	if err := e.mirror.Apply(plan); err != nil {
		return fmt.Errorf("failed to apply plan: %w", err)
	}
	if err := e.git.RemovePaths(ctx, e.mirror.Path(), plan.ToDelete); err != nil {
		return fmt.Errorf("failed to unregister deleted files: %w", err)
	}
	return nil
}

// commit creates one commit when the working tree changed. It returns the
// new commit hash, or "" when nothing was committed.
func (e *Engine) commit(ctx context.Context, plan *reconcile.Plan) (string, error) {
	dirty, err := e.git.IsDirty(ctx, e.mirror.Path())
	if err != nil {
		return "", fmt.Errorf("failed to inspect working tree: %w", err)
	}

	if !dirty {
		if plan.Dirty {
			e.logger.Warn("plan applied but working tree unchanged; remote digests may not match their payloads")
		}
		e.logger.Info("no changes detected")
		return "", nil
	}

	e.logger.Info("changes detected, committing", "plan_dirty", plan.Dirty)
	message := e.now().Format(commitMessageLayout)
	commit, err := e.git.CommitAll(ctx, e.mirror.Path(), message)
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	e.logger.Info("changes committed", "commit", commit, "message", message)
	return commit, nil
}

// push pushes when a commit was just made or earlier commits are pending
func (e *Engine) push(ctx context.Context, res *Result) error {
	pending := res.Committed
	if !pending {
		ahead, err := e.git.HasUnpushedCommits(ctx, e.mirror.Path(), e.cfg.Git.Remote, e.cfg.Git.Branch)
		if err != nil {
			return err
		}
		pending = ahead
	}
	if !pending {
		e.logger.Info("nothing to push")
		return nil
	}

	e.logger.Info("pushing changes", "remote", e.cfg.Git.Remote, "branch", e.cfg.Git.Branch)
	res.PushAttempted = true
	if err := e.git.Push(ctx, e.mirror.Path(), e.cfg.Git.Remote, e.cfg.Git.Branch); err != nil {
		return err
	}
	res.Pushed = true
	e.logger.Info("changes pushed")
	return nil
}

func (e *Engine) fail(stage Stage, err error) error {
	e.logger.Error("run aborted", "stage", stage, "error", err)
	return &StageError{Stage: stage, Err: err}
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *reconcile.Plan) {
	for _, w := range plan.ToWrite {
		e.logger.Info("[dry-run] would write", "name", w.Artifact.Name, "id", w.Artifact.ID, "new", w.Created)
	}
	for _, name := range plan.ToDelete {
		e.logger.Info("[dry-run] would delete", "name", name)
	}
}

func (e *Engine) recordMetrics(started time.Time, res *Result, runErr error) {
	if e.cfg.Metrics.Textfile == "" {
		return
	}

	run := metrics.Run{
		Started:       started,
		Duration:      e.now().Sub(started),
		Success:       runErr == nil,
		Deployed:      res.Deployed,
		Committed:     res.Committed,
		PushAttempted: res.PushAttempted,
		Pushed:        res.Pushed,
	}
	// Dry runs and failed applies stop at StageReconciled.
	if res.Plan != nil && res.Stage != StageReconciled {
		run.Written = len(res.Plan.ToWrite)
		run.Deleted = len(res.Plan.ToDelete)
	}
	e.metrics.Observe(run)

	if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
		e.logger.Warn("failed to export metrics", "error", err)
	}
}

func countDeployed(artifacts []reconcile.Artifact) int {
	n := 0
	for _, a := range artifacts {
		if a.Deployed {
			n++
		}
	}
	return n
}
