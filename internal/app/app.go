package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"capsule-go/internal/capsule"
	"capsule-go/internal/config"
	"capsule-go/internal/daily"
	"capsule-go/internal/database"
	"capsule-go/internal/encryption"
	"capsule-go/internal/fs"
	"capsule-go/internal/notify"
	"capsule-go/internal/notion"
	"capsule-go/internal/remote"
	"capsule-go/internal/render"
	"capsule-go/internal/scheduler"
	"capsule-go/internal/syncerr"
	"capsule-go/internal/vault"
)

const (
	// BackupJob and DailyJob name the jobs in run history and the scheduler.
	BackupJob = "backup"
	DailyJob  = "daily"

	// historyMetadataName is the vault metadata item holding the run
	// history database.
	historyMetadataName = "history"

	// historyRetention bounds how long the scheduler keeps run records.
	historyRetention = 180 * 24 * time.Hour

	notifyQueueSize    = 16
	notifyTimeout      = 10 * time.Second
	notifyDrainTimeout = 15 * time.Second
	heartbeatInterval  = time.Hour
)

// App is the application layer between the CLI and the sync services.
// It constructs dependencies from config, exposes high-level operations,
// and releases the history database, log file and notifier on Close.
type App struct {
	cfg        *config.Config
	op         *Operation
	logger     capsule.Logger
	logFile    io.Closer
	clock      capsule.Clock
	history    *database.SQLiteHistory
	notifier   notify.Notifier
	dispatcher *notify.Dispatcher
}

// NewApp creates an App for cfg. operation names the CLI command being
// run (e.g. "backup", "schedule"). The caller must call Close when done.
func NewApp(cfg *config.Config, operation string) (*App, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	op := NewOperation(operation, time.Now().UTC().Format("20060102T150405Z"))
	slogger, logFile, err := newLogger(cfg.LogDir, op.ID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger.With("op", op.Name)}

	history, err := database.NewHistoryFromConfig(cfg.Database, cfg.InstanceID)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating run history: %w", err)
	}
	if err := history.CheckMigrations(); err != nil {
		history.Close()
		logFile.Close()
		return nil, fmt.Errorf("run history schema out of date: %w", err)
	}

	a := &App{
		cfg:      cfg,
		op:       op,
		logger:   logger,
		logFile:  logFile,
		clock:    capsule.RealClock{},
		history:  history,
		notifier: notify.Nop{},
	}
	if cfg.Discord.WebhookURL != "" {
		discord := notify.NewDiscord(cfg.Discord.WebhookURL, notify.DiscordOptions{
			OnStart:   cfg.Discord.NotifyOnStart,
			OnSuccess: cfg.Discord.NotifyOnSuccess,
			OnFailure: cfg.Discord.NotifyOnFailure,
			Timeout:   notifyTimeout,
		})
		a.dispatcher = notify.NewDispatcher(discord, logger, notifyQueueSize, notifyTimeout)
		a.notifier = a.dispatcher
	}
	return a, nil
}

// Logger returns the operation's logger.
func (a *App) Logger() capsule.Logger {
	return a.logger
}

// gate builds the rate limiter and retry policy shared by every remote
// call of one operation.
func (a *App) gate() *remote.Gate {
	n := a.cfg.Notion
	retry := remote.DefaultRetryConfig()
	retry.MaxRetries = n.MaxRetries
	if n.BackoffFactor >= 1 {
		retry.BackoffFactor = n.BackoffFactor
	}
	retrier := remote.NewRetrier(retry, remote.WithRetryHook(func(op string, attempt int, delay time.Duration, err error) {
		a.logger.Warn("retrying request", "request", op, "attempt", attempt, "delay", delay.String(), "error", err)
	}))
	return remote.NewGate(remote.NewRateLimiter(n.RequestsPerSecond), retrier)
}

func (a *App) notionClient() (*notion.Client, error) {
	return notion.New(notion.Config{
		Token:   a.cfg.NotionToken,
		BaseURL: a.cfg.Notion.BaseURL,
		Version: a.cfg.Notion.Version,
		Timeout: a.cfg.Notion.Timeout.Duration,
	}, a.logger)
}

// openOutput opens the output tree and removes debris of interrupted writes.
func (a *App) openOutput(dir string) (*fs.AtomicWriter, error) {
	if dir == "" {
		dir = a.cfg.Backup.OutputDir
	}
	w, err := fs.NewAtomicWriter(dir)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "open output directory", err)
	}
	if n, err := w.CleanTemp(); err != nil {
		a.logger.Warn("temp file cleanup failed", "error", err)
	} else if n > 0 {
		a.logger.Info("removed interrupted writes", "files", n)
	}
	return w, nil
}

// vault returns the first configured vault, or nil when none is.
func (a *App) vault(ctx context.Context) (capsule.Vault, error) {
	if len(a.cfg.Vaults) == 0 {
		return nil, nil
	}
	v, err := vault.NewVaultFromConfig(ctx, a.cfg.Vaults[0])
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	return v, nil
}

// mirror returns a Mirror over fsys, or nil when no vault is configured.
func (a *App) mirror(ctx context.Context, fsys capsule.Filesystem) (*capsule.Mirror, capsule.Vault, error) {
	v, err := a.vault(ctx)
	if err != nil || v == nil {
		return nil, nil, err
	}
	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return nil, nil, fmt.Errorf("creating encryptor: %w", err)
	}
	return capsule.NewMirror(v, enc, fsys, a.cfg.InstanceID, a.logger), v, nil
}

// BackupOptions are the per-invocation overrides of a backup.
type BackupOptions struct {
	PageID        string
	Full          bool
	NoAttachments bool
	OutputDir     string
	DryRun        bool
}

// Backup runs one sync of the workspace, records it in the run history,
// mirrors the changes to the vault when one is configured, and sends a
// notification. The result is returned even when err is set.
func (a *App) Backup(ctx context.Context, opts BackupOptions) (*capsule.RunResult, error) {
	if !opts.DryRun {
		a.send(ctx, notify.Message{
			Title:       "Backup Started",
			Description: "Workspace backup has started.",
			Level:       notify.LevelStart,
			Time:        a.clock.Now(),
		})
	}
	result, err := a.backup(ctx, opts)
	if result != nil && !opts.DryRun {
		a.send(ctx, notify.RunMessage(result))
	}
	return result, err
}

func (a *App) backup(ctx context.Context, opts BackupOptions) (*capsule.RunResult, error) {
	client, err := a.notionClient()
	if err != nil {
		return nil, err
	}
	out, err := a.openOutput(opts.OutputDir)
	if err != nil {
		return nil, err
	}

	mirror, v, err := a.mirror(ctx, out)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "open vault", err)
	}
	// catchUp is set when an earlier push did not complete, so the vault
	// may lack files that this run will not report as changed.
	var catchUp bool
	if mirror != nil && !opts.DryRun {
		local, err := capsule.LoadStore(out)
		switch {
		case local == nil:
			a.logger.Warn("fingerprint store unreadable", "error", err)
		case err != nil:
			// The run rebuilds an undecodable store from scratch. Seed it at
			// the vault's generation so later version checks still pass.
			pushed, verr := v.GetMetadataVersion(a.cfg.InstanceID, capsule.StoreMetadataName)
			if verr != nil {
				return nil, syncerr.Wrap(syncerr.Configuration, "check vault version", verr)
			}
			a.logger.Warn("fingerprint store unreadable, rebuilding", "error", err, "vault_version", pushed)
			if _, err := capsule.ResetStore(out, pushed); err != nil {
				return nil, syncerr.Wrap(syncerr.Write, "reset fingerprint store", err)
			}
			catchUp = true
		default:
			if err := mirror.CheckVersion(local.Generation()); err != nil {
				return nil, syncerr.Wrap(syncerr.Configuration, "check vault version", err)
			}
			pushed, err := v.GetMetadataVersion(a.cfg.InstanceID, capsule.StoreMetadataName)
			catchUp = err != nil || pushed < local.Generation()
		}
	}

	exclude, err := a.excludeMatcher(out)
	if err != nil {
		return nil, err
	}
	syncOpts := []capsule.SyncerOption{capsule.WithAttachmentWorkers(a.cfg.Backup.AttachmentWorkers)}
	if exclude.Len() > 0 {
		a.logger.Debug("excluding output paths", "patterns", exclude.Len())
		syncOpts = append(syncOpts, capsule.WithExclude(exclude))
	}
	syncer := capsule.NewSyncer(client, a.gate(), render.New(), out, a.logger, a.clock, capsule.UUIDGenerator{}, syncOpts...)

	result, runErr := syncer.Run(ctx, capsule.RunOptions{
		NodeID:      opts.PageID,
		Full:        opts.Full || !a.cfg.Backup.Incremental,
		Attachments: a.cfg.Backup.IncludeAttachments && !opts.NoAttachments,
		DryRun:      opts.DryRun,
	})
	if result == nil || opts.DryRun {
		return result, runErr
	}

	if err := a.history.RecordRun(BackupJob, result); err != nil {
		a.logger.Error("run not recorded", "run_id", result.RunID, "error", err)
	}

	if mirror == nil || runErr != nil || result.Cancelled {
		return result, runErr
	}
	store, err := capsule.LoadStore(out)
	if err != nil {
		return result, fmt.Errorf("reloading fingerprint store: %w", err)
	}
	changed := result.Changed
	if catchUp {
		a.logger.Info("vault behind local mirror, pushing every file")
		changed = store.All()
	}
	report, err := mirror.Push(store, changed)
	if err != nil {
		return result, fmt.Errorf("mirroring to vault: %w", err)
	}
	if err := a.uploadHistory(v, report.Version); err != nil {
		a.logger.Warn("run history not mirrored", "error", err)
	}
	return result, nil
}

// excludeMatcher merges the configured exclusion patterns with those of
// the ignore file in the output root.
func (a *App) excludeMatcher(out *fs.AtomicWriter) (*fs.ExcludeMatcher, error) {
	fromFile, err := fs.ParseIgnoreFile(filepath.Join(out.Root(), fs.IgnoreFileName))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "read ignore file", err)
	}
	return fs.NewExcludeMatcher(slices.Concat(a.cfg.Backup.Exclude, fromFile)), nil
}

// uploadHistory snapshots the run history database and uploads it to the
// vault as metadata.
func (a *App) uploadHistory(v capsule.Vault, version int64) error {
	tmpFile, err := os.CreateTemp("", "capsule-history-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file for history snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	if err := a.history.BackupTo(tmpPath); err != nil {
		return fmt.Errorf("snapshotting run history: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("opening history snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat history snapshot: %w", err)
	}
	if err := v.PutMetadata(a.cfg.InstanceID, historyMetadataName, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading history snapshot: %w", err)
	}
	return nil
}

// DailyOptions are the per-invocation overrides of a daily publish.
type DailyOptions struct {
	TemplatePath string
	TargetPage   string
	DryRun       bool
}

// Daily renders the daily template and appends it to the target page.
func (a *App) Daily(ctx context.Context, opts DailyOptions) (*daily.Result, error) {
	res, err := a.daily(ctx, opts)
	if opts.DryRun {
		return res, err
	}
	if err != nil {
		a.send(ctx, notify.Message{
			Title:       "Daily Page Failed",
			Description: err.Error(),
			Level:       notify.LevelFailure,
			Time:        a.clock.Now(),
		})
		return res, err
	}
	a.send(ctx, notify.Message{
		Title:       "Daily Page Published",
		Description: fmt.Sprintf("Appended %d blocks to the daily page.", res.Blocks),
		Level:       notify.LevelSuccess,
		Time:        a.clock.Now(),
	})
	return res, nil
}

func (a *App) daily(ctx context.Context, opts DailyOptions) (*daily.Result, error) {
	client, err := a.notionClient()
	if err != nil {
		return nil, err
	}
	path := opts.TemplatePath
	if path == "" {
		path = a.cfg.Daily.TemplatePath
	}
	tmpl, err := daily.LoadTemplate(path)
	if err != nil {
		return nil, err
	}
	pageID := opts.TargetPage
	if pageID == "" {
		pageID = a.cfg.Daily.TargetPageID
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "load timezone", err)
	}
	pub := daily.NewPublisher(client, a.gate(), a.logger, a.clock)
	return pub.Publish(ctx, pageID, tmpl, loc, opts.DryRun)
}

// Schedule runs the scheduler daemon until ctx is cancelled, then waits
// for running jobs within the configured shutdown timeout.
func (a *App) Schedule(ctx context.Context) error {
	loc, err := a.cfg.Location()
	if err != nil {
		return syncerr.Wrap(syncerr.Configuration, "load timezone", err)
	}

	d := scheduler.New(scheduler.Config{
		Tick:            a.cfg.Scheduler.Tick.Duration,
		ShutdownTimeout: a.cfg.Scheduler.ShutdownTimeout.Duration,
	}, a.logger, a.clock, notify.NewJobNotifier(a.notifier, a.logger))

	if err := a.addJobs(d, loc); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	g.Go(func() error {
		a.heartbeat(gctx, d)
		return nil
	})
	return g.Wait()
}

func (a *App) addJobs(d *scheduler.Daemon, loc *time.Location) error {
	if spec := a.cfg.Scheduler.BackupSchedule; spec != "" {
		sched, err := scheduler.ParseSchedule(spec, loc)
		if err != nil {
			return syncerr.Wrap(syncerr.Configuration, "backup schedule", err)
		}
		if err := d.Add(BackupJob, spec, sched, a.backupAction); err != nil {
			return err
		}
	}
	if at := a.cfg.Scheduler.DailyTime; at != "" && a.cfg.Daily.TargetPageID != "" {
		spec := "daily@" + at
		sched, err := scheduler.ParseSchedule(spec, loc)
		if err != nil {
			return syncerr.Wrap(syncerr.Configuration, "daily time", err)
		}
		if err := d.Add(DailyJob, spec, sched, a.dailyAction); err != nil {
			return err
		}
	}
	return nil
}

// backupAction is the scheduled backup. Partial and failed runs are
// reported to the scheduler as errors.
func (a *App) backupAction(ctx context.Context) (string, error) {
	result, err := a.backup(ctx, BackupOptions{})
	if n, perr := a.history.Prune(a.clock.Now().Add(-historyRetention)); perr != nil {
		a.logger.Warn("run history not pruned", "error", perr)
	} else if n > 0 {
		a.logger.Info("pruned run history", "runs", n)
	}
	if result == nil {
		return "", err
	}
	summary := fmt.Sprintf("%s: %d refreshed, %d unchanged, %d attachments, %d failures",
		result.Outcome, result.Refreshed, result.Skipped+result.Touched, result.AttachmentsFetched, len(result.Failures))
	if err == nil {
		switch result.Outcome {
		case capsule.OutcomePartial:
			err = fmt.Errorf("backup %w: %d failures", scheduler.ErrPartial, len(result.Failures))
		case capsule.OutcomeFailed:
			err = fmt.Errorf("backup finished as %s with %d failures", result.Outcome, len(result.Failures))
		}
	}
	return summary, err
}

func (a *App) dailyAction(ctx context.Context) (string, error) {
	res, err := a.daily(ctx, DailyOptions{})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("appended %d blocks in %d requests", res.Blocks, res.Requests), nil
}

// heartbeat logs the job table periodically and notes when shutdown begins.
func (a *App) heartbeat(ctx context.Context, d *scheduler.Daemon) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown requested, waiting for running jobs")
			return
		case <-ticker.C:
			for _, j := range d.Jobs() {
				a.logger.Info("job status", "job", j.Name, "state", j.State.String(), "next", j.Next, "runs", j.Runs, "skipped", j.Skipped)
			}
		}
	}
}

// Jobs returns the jobs Schedule would register, without running them.
func (a *App) Jobs() ([]scheduler.JobStatus, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "load timezone", err)
	}
	d := scheduler.New(scheduler.Config{}, a.logger, a.clock, nil)
	if err := a.addJobs(d, loc); err != nil {
		return nil, err
	}
	return d.Jobs(), nil
}

// Status reports the state of the output directory and the last backup.
func (a *App) Status() (*capsule.Status, error) {
	out, err := a.openOutput("")
	if err != nil {
		return nil, err
	}
	return capsule.GetStatus(out, a.history, BackupJob)
}

// History returns the most recent runs, newest first.
func (a *App) History(limit int) ([]*capsule.RunRecord, error) {
	return a.history.ListRuns(limit)
}

// NeedsPassphrase reports whether restoring requires unlocking a key.
func (a *App) NeedsPassphrase() bool {
	return a.cfg.Encryption.Type != ""
}

// Restore rebuilds the mirror from the vault into dir, which must not
// already hold a mirror. Returns the paths written relative to dir.
func (a *App) Restore(ctx context.Context, dir string, passphrase string) ([]string, error) {
	if dir == "" {
		return nil, syncerr.New(syncerr.Configuration, "restore", "no target directory given")
	}
	out, err := fs.NewAtomicWriter(dir)
	if err != nil {
		return nil, fmt.Errorf("opening restore target: %w", err)
	}
	if out.Exists(capsule.StorePath) {
		return nil, fmt.Errorf("%s already holds a mirror; restore into an empty directory", out.Root())
	}

	v, err := a.vault(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, syncerr.New(syncerr.Configuration, "restore", "no vault configured")
	}
	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	var dc capsule.DecryptionContext
	if enc != nil {
		dc, err = enc.Unlock(passphrase)
		if err != nil {
			return nil, fmt.Errorf("unlocking private key: %w", err)
		}
	}
	mirror := capsule.NewMirror(v, enc, out, a.cfg.InstanceID, a.logger)
	return mirror.Restore(out, dc)
}

// InitKeys generates the encryption key pair.
func (a *App) InitKeys(passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc == nil {
		return syncerr.New(syncerr.Configuration, "keys init", "encryption is not configured")
	}
	return enc.Setup(passphrase)
}

// ValidateVault checks that the configured vault is reachable.
func (a *App) ValidateVault(ctx context.Context) error {
	v, err := a.vault(ctx)
	if err != nil || v == nil {
		return err
	}
	return v.ValidateSetup()
}

func (a *App) send(ctx context.Context, msg notify.Message) {
	if err := a.notifier.Send(ctx, msg); err != nil {
		a.logger.Warn("notification not sent", "title", msg.Title, "error", err)
	}
}

// Close delivers pending notifications and closes all resources.
func (a *App) Close() error {
	var errs []error

	if a.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyDrainTimeout)
		if err := a.dispatcher.Close(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			errs = append(errs, fmt.Errorf("closing notifier: %w", err))
		}
		cancel()
	}
	if err := a.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing run history: %w", err))
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
