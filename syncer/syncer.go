// Package syncer pulls messages from a remote source into the archive,
// either fully, from the last sync watermark, or from the start of a year.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-archive/archive"
	"github.com/dhcgn/mail-archive/filter"
	"github.com/dhcgn/mail-archive/layout"
	"github.com/dhcgn/mail-archive/model"
	"github.com/dhcgn/mail-archive/progress"
	"github.com/dhcgn/mail-archive/remote"
	"github.com/dhcgn/mail-archive/state"
	"github.com/dhcgn/mail-archive/stats"
)

// ErrConnect marks a failure to establish or use the remote session.
var ErrConnect = errors.New("cannot connect to remote store")

// Options configures an Engine.
type Options struct {
	ArchiveDir string
	Mode       Mode
	// Year is the first archived year of ModeYear.
	Year int
	// Timeout bounds every single remote call. Zero disables it.
	Timeout  time.Duration
	Filter   *filter.Filter
	Progress progress.Reporter
	// Observer receives every statistics event.
	Observer func(stats.Event)
	// Now overrides the clock used for the watermark.
	Now func() time.Time
}

// Engine runs sync passes against one archive directory.
type Engine struct {
	opts   Options
	dialer remote.Dialer
	logger *slog.Logger
	writer *archive.Writer
}

func New(opts Options, dialer remote.Dialer, logger *slog.Logger) (*Engine, error) {
	if opts.ArchiveDir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if dialer == nil {
		return nil, fmt.Errorf("remote dialer is required")
	}
	if opts.Mode == ModeYear && (opts.Year < 1970 || opts.Year > 9999) {
		return nil, fmt.Errorf("invalid year %d", opts.Year)
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		opts:   opts,
		dialer: dialer,
		logger: logger,
		writer: archive.NewWriter(opts.ArchiveDir, logger),
	}, nil
}

// run is the state of a single Run call.
type run struct {
	*Engine
	logger    *slog.Logger
	collector *stats.Collector
	tracker   *progress.Tracker
	index     state.Tracker
	plan      plan

	total     int
	processed int
}

// Run performs one sync pass. Cancellation of ctx is returned unwrapped
// after the remote session has been closed. A connection failure returns
// an error wrapping ErrConnect and leaves .lastSync untouched.
func (e *Engine) Run(ctx context.Context) (stats.Summary, error) {
	started := e.opts.Now()
	runID := uuid.NewString()

	r := &run{
		Engine:    e,
		logger:    e.logger.With("run", runID, "mode", e.opts.Mode.String()),
		collector: stats.NewCollector(),
		tracker:   progress.NewTracker(e.opts.Progress),
		index:     state.NewIndex(),
	}
	if e.opts.Observer != nil {
		r.collector.Observe(e.opts.Observer)
	}

	summary := func(msg string) stats.Summary {
		s := r.collector.Snapshot()
		s.RunID = runID
		s.Duration = time.Since(started)
		s.Message = msg
		return s
	}

	lock, err := state.LockArchive(e.opts.ArchiveDir)
	if err != nil {
		return summary(fmt.Sprintf("Sync not started: %v", err)), err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			r.logger.Warn("release archive lock", "err", err)
		}
	}()

	r.plan = e.resolvePlan(r.logger)
	r.logger.Info("sync started", "archive", e.opts.ArchiveDir, "since", layout.FormatTime(r.plan.since), "prescan", r.plan.scan)

	if r.plan.scan {
		r.tracker.Update(0, "Scanning archive")
		if err := r.prescan(ctx); err != nil {
			return summary(""), err
		}
	}

	clean, err := r.syncRemote(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			r.logger.Info("sync cancelled", r.collector.Snapshot().LogAttrs()...)
			return summary(""), ctx.Err()
		}
		r.logger.Error("sync aborted", "err", err)
		return summary(fmt.Sprintf("Sync failed: %v", err)), err
	}

	// failed messages are retried by the next run only if the watermark stays
	switch {
	case !clean || r.collector.Snapshot().Errors > 0:
		r.logger.Warn("sync watermark not advanced, some folders or messages failed")
	case r.plan.advancesWatermark():
		if err := state.WriteWatermark(e.opts.ArchiveDir, started); err != nil {
			r.logger.Warn("cannot store sync watermark", "err", err)
		}
	}

	s := summary("")
	r.tracker.Finalize(s.String())
	r.logger.Info("sync finished", s.LogAttrs()...)
	return s, nil
}

func (e *Engine) resolvePlan(logger *slog.Logger) plan {
	var p plan
	wm, ok, err := state.ReadWatermark(e.opts.ArchiveDir)
	if err != nil {
		logger.Warn("ignoring unreadable sync watermark", "err", err)
	}
	if ok {
		p.watermark = wm
	}

	switch e.opts.Mode {
	case ModeIncremental:
		if ok {
			p.since = wm
		} else {
			logger.Info("no previous sync, running full sync")
			p.scan = true
		}
	case ModeYear:
		p.since = yearStart(e.opts.Year)
		p.scan = true
	default:
		p.scan = true
	}
	return p
}

// syncRemote processes every remote folder. clean is false when at least
// one folder failed.
func (r *run) syncRemote(ctx context.Context) (clean bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	src, err := r.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			r.logger.Debug("close remote session", "err", err)
		}
	}()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var infos []model.FolderInfo
	err = r.call(ctx, func(ctx context.Context) error {
		var err error
		infos, err = src.Folders(ctx)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: list folders: %w", ErrConnect, err)
	}

	folders := make([]model.FolderInfo, 0, len(infos))
	for _, info := range infos {
		if !r.opts.Filter.AllowsFolder(info.Name) {
			r.logger.Debug("folder excluded by filter", "folder", info.Name)
			continue
		}
		folders = append(folders, info)
	}

	if !r.plan.bounded() {
		if err := r.precount(ctx, src, folders); err != nil {
			return false, err
		}
	}

	clean = true
	for i, info := range folders {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		r.report(i, len(folders), 0, 0, "Syncing "+info.Name)

		err := r.syncFolder(ctx, src, info, i, len(folders))
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			clean = false
			r.logger.Error("folder failed", "folder", info.Name, "err", err)
			r.collector.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeFolderFailed, Folder: info.Name, Err: err})
			continue
		}
		r.collector.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeFolderDone, Folder: info.Name})
	}
	return clean, nil
}

// precount totals the messages of all folders for unbounded runs. Folders
// that cannot be counted contribute nothing.
func (r *run) precount(ctx context.Context, src remote.Source, folders []model.FolderInfo) error {
	r.tracker.Update(0, "Counting messages")
	for _, info := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.count(ctx, src, info.Name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Debug("cannot count folder", "folder", info.Name, "err", err)
			continue
		}
		r.total += n
	}
	r.logger.Debug("remote messages counted", "total", r.total)
	return nil
}

func (r *run) count(ctx context.Context, src remote.Source, name string) (int, error) {
	var f remote.Folder
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		f, err = src.Open(ctx, name)
		return err
	})
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int
	err = r.call(ctx, func(ctx context.Context) error {
		var err error
		n, err = f.Count(ctx)
		return err
	})
	return n, err
}

func (r *run) syncFolder(ctx context.Context, src remote.Source, info model.FolderInfo, idx, n int) error {
	folderPath := layout.FolderPath(info.Name, info.Delim)
	logger := r.logger.With("folder", info.Name)

	var f remote.Folder
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		f, err = src.Open(ctx, info.Name)
		return err
	})
	if err != nil {
		return fmt.Errorf("open folder: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Debug("close remote folder", "err", err)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	var candidates []model.Envelope
	err = r.call(ctx, func(ctx context.Context) error {
		var err error
		if r.plan.bounded() {
			candidates, err = f.SearchSince(ctx, r.plan.since)
		} else {
			candidates, err = f.Messages(ctx)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.plan.bounded() {
		candidates = receivedSince(candidates, r.plan.since)
	}
	logger.Debug("folder opened", "path", folderPath, "candidates", len(candidates))

	for j, env := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.syncMessage(ctx, f, info.Name, folderPath, env, logger); err != nil {
			return err
		}
		r.processed++
		r.report(idx, n, j+1, len(candidates), fmt.Sprintf("Syncing %s (%d/%d)", info.Name, j+1, len(candidates)))
	}
	return nil
}

// syncMessage archives one candidate. Errors it returns fail the folder;
// message-level failures are recorded and swallowed.
func (r *run) syncMessage(ctx context.Context, f remote.Folder, folderName, folderPath string, env model.Envelope, logger *slog.Logger) error {
	id := layout.DeriveMessageID(env.MessageID, folderName, env.SentAt, env.Subject)
	sanitized := layout.Sanitize(id)
	r.collector.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeScanned, Folder: folderName, MessageID: id})

	skip := func(reason string) {
		logger.Debug("message skipped", "messageID", id, "reason", reason)
		r.collector.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeSkipped, Folder: folderName, MessageID: id, Detail: reason})
	}

	if r.index.Known(id, sanitized) {
		skip("known")
		return nil
	}
	if _, complete := r.writer.Target(folderPath, id); complete {
		r.index.Add(id, sanitized)
		skip("exists")
		return nil
	}

	flt := r.opts.Filter
	if flt.Active() && !flt.NeedsBody() && !flt.Allows(filter.EnvelopeHeader(env), nil) {
		r.collector.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeFiltered, Folder: folderName, MessageID: id})
		return nil
	}

	var raw []byte
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		raw, err = f.Fetch(ctx, env)
		return err
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, remote.ErrClosed) {
			return fmt.Errorf("fetch %s: %w", id, err)
		}
		r.messageError(folderName, id, fmt.Errorf("fetch: %w", err), logger)
		return nil
	}

	if flt.NeedsBody() {
		_, body := filter.SplitRawMessage(raw)
		if !flt.Allows(filter.EnvelopeHeader(env), body) {
			r.collector.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeFiltered, Folder: folderName, MessageID: id})
			return nil
		}
	}

	dir, err := r.writer.Write(folderPath, id, env, raw)
	if errors.Is(err, archive.ErrExists) {
		r.index.Add(id, sanitized)
		skip("exists")
		return nil
	}
	if err != nil {
		r.messageError(folderName, id, err, logger)
		return nil
	}

	r.index.Add(id, sanitized)
	logger.Debug("message archived", "messageID", id, "dir", dir)
	r.collector.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeDownloaded, Folder: folderName, MessageID: id})
	return nil
}

func (r *run) messageError(folder, id string, err error, logger *slog.Logger) {
	logger.Warn("message failed", "messageID", id, "err", err)
	r.collector.Record(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeError, Folder: folder, MessageID: id, Err: err})
}

// call runs one remote operation under the per-call timeout.
func (r *run) call(ctx context.Context, fn func(context.Context) error) error {
	if r.opts.Timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && callCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// report updates progress. Unbounded runs know the total message count;
// bounded runs blend folder progress with message progress of the current
// folder.
func (r *run) report(folderIdx, folders, done, candidates int, msg string) {
	if !r.plan.bounded() && r.total > 0 {
		r.tracker.Fraction(r.processed, r.total, msg)
		return
	}
	r.tracker.Update(folderPercent(folderIdx, folders, done, candidates), msg)
}

func folderPercent(idx, folders, done, candidates int) int {
	if folders <= 0 {
		return 0
	}
	frac := 0.0
	if candidates > 0 {
		frac = float64(done) / float64(candidates)
	}
	return int(float64(progress.Cap) * (float64(idx) + frac) / float64(folders))
}

func receivedSince(envs []model.Envelope, since time.Time) []model.Envelope {
	out := make([]model.Envelope, 0, len(envs))
	for _, env := range envs {
		if !env.ReceivedAt.IsZero() && env.ReceivedAt.Before(since) {
			continue
		}
		out = append(out, env)
	}
	return out
}
