// Package worker is the build orchestrator: it consumes notifications
// from the notification bus, spawns and tracks one task per build, drives
// the build's lifecycle through the build store, and fans out across
// target platforms.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/schererja/starfish/internal/buildlog"
	"github.com/schererja/starfish/internal/buildstore"
	"github.com/schererja/starfish/internal/config"
	"github.com/schererja/starfish/internal/notifybus"
	"github.com/schererja/starfish/internal/publish"
	"github.com/schererja/starfish/internal/scm"
	"github.com/schererja/starfish/pkg/logger"
)

// nixStorePath is the filesystem the disk-pressure sample is taken
// against (spec section 4.1), matching the original's hardcoded
// statvfs("/nix/store") rather than the worker's configurable scm_path.
const nixStorePath = "/nix/store"

// job is the in-memory handle for one active build task.
type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Worker is the build orchestrator.
type Worker struct {
	cfg   *config.WorkerConfig
	store *buildstore.DB
	bus   *notifybus.Bus
	cache *scm.Cache
	log   *logger.Logger

	mu   sync.Mutex
	jobs map[int]*job

	minFreeBytes uint64
	maxFreeBytes uint64
}

// New samples the disk-pressure bounds once and returns a ready Worker.
func New(cfg *config.WorkerConfig, store *buildstore.DB, bus *notifybus.Bus, log *logger.Logger) (*Worker, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(nixStorePath, &stat); err != nil {
		return nil, fmt.Errorf("worker: statfs %s: %w", nixStorePath, err)
	}
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	minFree := totalBytes * 15 / 100
	maxFree := totalBytes / 2

	log.Info("sampled disk pressure bounds",
		slog.String("min_free", units.HumanSize(float64(minFree))),
		slog.String("max_free", units.HumanSize(float64(maxFree))),
	)

	return &Worker{
		cfg:          cfg,
		store:        store,
		bus:          bus,
		cache:        scm.New(cfg.ScmPath, cfg.GitSSHKey),
		log:          log,
		jobs:         make(map[int]*job),
		minFreeBytes: minFree,
		maxFreeBytes: maxFree,
	}, nil
}

// Run performs startup reconciliation, subscribes to the three
// notification channels, and dispatches notifications until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("checking for unfinished builds")
	stale, err := w.store.ListUnterminatedBuilds(ctx)
	if err != nil {
		return fmt.Errorf("worker: list unterminated builds: %w", err)
	}
	for _, b := range stale {
		w.dispatch(ctx, notifybus.ChannelBuildRestarted, b.ID)
	}

	if err := w.bus.Subscribe(); err != nil {
		return fmt.Errorf("worker: subscribe: %w", err)
	}

	w.log.Info("waiting for build notifications")
	for {
		n, err := w.bus.Recv(ctx)
		if err != nil {
			return fmt.Errorf("worker: recv: %w", err)
		}
		id, err := parseBuildID(n.Payload)
		if err != nil {
			w.log.Warn("ignoring malformed notification", slog.String("channel", n.Channel), slog.String("payload", n.Payload))
			continue
		}
		w.dispatch(ctx, n.Channel, id)
	}
}

func parseBuildID(payload string) (int, error) {
	return strconv.Atoi(payload)
}

// dispatch routes one notification to the job lifecycle action its
// channel names.
func (w *Worker) dispatch(ctx context.Context, channel string, buildID int) {
	w.log.Info("got notification", slog.String("channel", channel), slog.Int("build_id", buildID))

	switch channel {
	case notifybus.ChannelBuildQueued:
		w.startJob(ctx, buildID)

	case notifybus.ChannelBuildRestarted:
		if err := w.store.DeleteOutputsForBuild(ctx, buildID); err != nil {
			w.log.Error("delete outputs on restart", err, slog.Int("build_id", buildID))
		}
		if err := truncateIfExists(w.cfg.LogFile(buildID)); err != nil {
			w.log.Error("truncate log on restart", err, slog.Int("build_id", buildID))
		}
		w.abortJob(buildID)
		w.startJob(ctx, buildID)

	case notifybus.ChannelBuildCanceled:
		w.abortJob(buildID)
		w.cancelBuild(ctx, buildID)

	default:
		w.log.Warn("unknown notification channel", slog.String("channel", channel))
	}
}

// cancelBuild handles build_canceled: remove the worktree if the build's
// origin is still known, then mark the build canceled.
func (w *Worker) cancelBuild(ctx context.Context, buildID int) {
	conn := w.finalizerStore()
	defer conn.Close()

	b, err := conn.GetBuild(ctx, buildID)
	if err != nil || b == nil {
		if err := conn.UpdateStatus(ctx, buildID, buildstore.StatusCanceled, ""); err != nil {
			w.log.Error("mark canceled", err, slog.Int("build_id", buildID))
		}
		return
	}
	if err := w.cache.RemoveWorktree(ctx, nil, b.Origin, buildID); err != nil {
		w.log.Warn("remove worktree on cancel", slog.Int("build_id", buildID), slog.String("error", err.Error()))
	}
	if err := conn.UpdateStatus(ctx, buildID, buildstore.StatusCanceled, ""); err != nil {
		w.log.Error("mark canceled", err, slog.Int("build_id", buildID))
	}
}

func truncateIfExists(path string) error {
	s, err := buildlog.Create(path)
	if err != nil {
		return err
	}
	return s.Close()
}

// startJob aborts any existing task for buildID, then runs the repository
// cache preparation (spec section 4.1 steps 1-9) synchronously on the
// dispatch thread before spawning a background task for the realize loop
// (steps 10-13). Keeping steps 1-9 synchronous is what serializes the
// repository cache's mutation across builds (spec section 5): two builds
// queued back-to-back for the same brand-new origin must not both race
// EnsureBare's bare-repo creation, and the worker's single notification
// loop is the only thread that ever touches the cache before a build's
// own worktree exists.
func (w *Worker) startJob(ctx context.Context, buildID int) {
	w.abortJob(buildID)

	prep, ok := w.prepareBuild(ctx, buildID)
	if !ok {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	w.jobs[buildID] = j
	w.mu.Unlock()

	go func() {
		defer close(j.done)
		defer prep.sink.Close()
		defer prep.sc.Close()
		w.runRealize(jobCtx, buildID, prep)
	}()
}

// abortJob cancels and drops any in-flight task for buildID. It does not
// wait for the task to observe cancellation. The canceled context kills a
// subprocess the task is running (it was started with
// exec.CommandContext) and stops the task from starting any new one.
func (w *Worker) abortJob(buildID int) {
	w.mu.Lock()
	j, ok := w.jobs[buildID]
	if ok {
		delete(w.jobs, buildID)
	}
	w.mu.Unlock()
	if ok {
		j.cancel()
	}
}

// finalizerStore returns a *buildstore.DB over an independent connection,
// usable after errors on the primary handle (spec section 7).
func (w *Worker) finalizerStore() *buildstore.DB {
	conn, err := sql.Open("postgres", w.cfg.DatabaseURL)
	if err != nil {
		// A fresh *sql.DB only fails here on malformed DSNs, which would
		// already have failed at startup; fall back to the shared store
		// rather than a nil one.
		w.log.Error("open finalizer connection", err)
		return w.store
	}
	return buildstore.OpenExisting(conn)
}

// buildPrep is the result of the synchronous, cache-serializing half of a
// build (spec section 4.1 steps 1-9): a per-build log sink, a ready
// worktree at the resolved revision, and a superconfig directory, all
// handed off to the background task that runs the realize loop.
type buildPrep struct {
	store    *buildstore.DB
	build    *buildstore.Build
	inputs   []buildstore.Input
	sink     *buildlog.Sink
	worktree string
	sc       *publish.Superconfig
}

// prepareBuild runs spec section 4.1 steps 1-9 on the caller's goroutine
// (the dispatch thread): load the build and its inputs, prepare the log
// file, set status to building, then ensure the bare repository, fetch,
// resolve the revision, create the worktree, prune, and write the
// superconfig. Every step here touches either the build store's own
// connection or the shared repository cache under scm_path, never a
// per-build subprocess loop, so running it synchronously is what
// serializes cache mutation across builds (spec section 5). ok is false
// whenever no background task should be started: the build is missing,
// ctx was canceled, or a step failed. A failure from loading the inputs
// onward is recorded as status=failed by the finalizer, except a failed
// write of the building status, which, like a failed load of the build
// row, is only logged.
func (w *Worker) prepareBuild(ctx context.Context, buildID int) (prep *buildPrep, ok bool) {
	store := w.finalizerStore()

	var sink *buildlog.Sink
	var sc *publish.Superconfig
	cleanup := func() {
		if sc != nil {
			sc.Close()
		}
		if sink != nil {
			sink.Close()
		}
		store.Close()
	}
	fail := func(err error) (*buildPrep, bool) {
		w.fail(ctx, store, buildID, err)
		cleanup()
		return nil, false
	}
	giveUp := func() (*buildPrep, bool) {
		cleanup()
		return nil, false
	}

	b, err := store.GetBuild(ctx, buildID)
	if err != nil {
		w.log.Error("load build", err, slog.Int("build_id", buildID))
		return giveUp()
	}
	if b == nil {
		w.log.Info("build has gone missing, doing nothing", slog.Int("build_id", buildID))
		return giveUp()
	}

	inputs, err := store.ListInputs(ctx, buildID)
	if err != nil {
		return fail(fmt.Errorf("load inputs: %w", err))
	}

	sink, err = buildlog.Create(w.cfg.LogFile(buildID))
	if err != nil {
		return fail(fmt.Errorf("create log file: %w", err))
	}

	if err := store.UpdateStatus(ctx, buildID, buildstore.StatusBuilding, ""); err != nil {
		w.log.Error("set status building", err, slog.Int("build_id", buildID))
		return giveUp()
	}

	if err := w.cache.EnsureBare(ctx, sink, b.Origin); err != nil {
		return fail(fmt.Errorf("ensure bare repository: %w", err))
	}

	if err := w.cache.Fetch(ctx, sink, b.Origin, ""); err != nil {
		return fail(fmt.Errorf("git fetch: %w", err))
	}

	rev, err := w.resolveRev(ctx, sink, store, b)
	if err != nil {
		return fail(err)
	}

	if ctx.Err() != nil {
		return giveUp()
	}

	worktree, err := w.cache.AddWorktree(ctx, sink, b.Origin, buildID, rev)
	if err != nil {
		return fail(fmt.Errorf("create worktree: %w", err))
	}
	if err := w.cache.Prune(ctx, sink, b.Origin); err != nil {
		return fail(fmt.Errorf("git prune: %w", err))
	}

	scDir := filepath.Join(os.TempDir(), "starfish-superconf-"+uuid.NewString())
	sc, err = publish.NewSuperconfig(scDir, w.cfg.Publish, w.cfg.Builders, w.minFreeBytes, w.maxFreeBytes)
	if err != nil {
		return fail(fmt.Errorf("prepare superconfig: %w", err))
	}

	return &buildPrep{store: store, build: b, inputs: inputs, sink: sink, worktree: worktree, sc: sc}, true
}

// runRealize is the background half of a build (spec section 4.1 steps
// 10-13): the per-input, per-platform realize loop, output recording,
// worktree cleanup, and final status. It owns p.store and closes it on
// every exit path; p.sink and p.sc are closed by the caller.
func (w *Worker) runRealize(ctx context.Context, buildID int, p *buildPrep) {
	defer p.store.Close()

	for _, in := range p.inputs {
		if ctx.Err() != nil {
			return
		}
		for _, platform := range w.cfg.TargetPlatforms {
			if ctx.Err() != nil {
				return
			}
			storePath, err := w.realize(ctx, p.sink, p.worktree, p.sc, in.Path, platform)
			if err != nil {
				w.fail(ctx, p.store, buildID, fmt.Errorf("realize %s (%s): %w", in.Path, platform, err))
				return
			}
			if err := p.store.InsertOutput(ctx, in.ID, platform, storePath); err != nil {
				w.fail(ctx, p.store, buildID, fmt.Errorf("insert output: %w", err))
				return
			}
		}
	}

	if err := w.cache.RemoveWorktree(ctx, p.sink, p.build.Origin, buildID); err != nil {
		w.log.Warn("remove worktree after success", slog.Int("build_id", buildID), slog.String("error", err.Error()))
	}
	_ = p.sink.Logf("Success!")

	if err := p.store.UpdateStatus(ctx, buildID, buildstore.StatusSucceeded, ""); err != nil {
		w.log.Error("set status succeeded", err, slog.Int("build_id", buildID))
	}
}

// resolveRev implements spec section 4.6, persisting a rewritten rev at
// most once.
func (w *Worker) resolveRev(ctx context.Context, sink *buildlog.Sink, store *buildstore.DB, b *buildstore.Build) (string, error) {
	if scm.IsCommitHash(b.Rev) {
		if err := w.cache.Fetch(ctx, sink, b.Origin, b.Rev); err != nil {
			return "", fmt.Errorf("git fetch rev: %w", err)
		}
		return strings.ToLower(b.Rev), nil
	}

	rev, err := w.cache.ResolveRev(ctx, sink, b.Origin, b.Rev)
	if err != nil {
		return "", fmt.Errorf("resolve revision: %w", err)
	}
	if rev != b.Rev {
		if err := store.SetRev(ctx, b.ID, rev); err != nil {
			return "", fmt.Errorf("persist resolved revision: %w", err)
		}
	}
	return rev, nil
}

// realize runs the chosen build command for one (input, platform) pair
// (spec section 4.1's "Realize-command selection").
func (w *Worker) realize(ctx context.Context, sink *buildlog.Sink, worktreeDir string, sc *publish.Superconfig, inputPath, platform string) (string, error) {
	prog, args := realizeCommand(inputPath)
	args = append(args, "--argstr", "system", platform, "--keep-going")

	cmd := exec.CommandContext(ctx, prog, args...)
	cmd.Dir = worktreeDir
	cmd.Env = []string{
		"NIX_BUILD_SHELL=" + w.cfg.BuildShell,
		"GIT_SSH_COMMAND=" + w.cache.GitSSHCommand(),
		"HOME=" + sc.Dir(),
	}

	out, err := sink.Output(cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// realizeCommand implements spec section 4.1's "Realize-command selection".
func realizeCommand(inputPath string) (string, []string) {
	if strings.HasSuffix(inputPath, "shell.nix") {
		return "nix-shell", []string{inputPath, "--run", "echo $out"}
	}
	return "nix-build", []string{inputPath}
}

// fail is the finalizer of spec section 7: set status to failed with a
// human-readable message, always via the independent connection.
func (w *Worker) fail(ctx context.Context, store *buildstore.DB, buildID int, err error) {
	w.log.Error("build failed", err, slog.Int("build_id", buildID))
	if uErr := store.UpdateStatus(ctx, buildID, buildstore.StatusFailed, err.Error()); uErr != nil {
		w.log.Error("set status failed", uErr, slog.Int("build_id", buildID))
	}
}

