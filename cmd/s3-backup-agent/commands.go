package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/agent"
	"github.com/d4rkfella/s3-backup-agent/internal/backup"
	"github.com/d4rkfella/s3-backup-agent/internal/config"
	"github.com/d4rkfella/s3-backup-agent/internal/metrics"
	"github.com/d4rkfella/s3-backup-agent/internal/minio"
	"github.com/d4rkfella/s3-backup-agent/internal/notification"
	"github.com/d4rkfella/s3-backup-agent/internal/s3"
	"github.com/d4rkfella/s3-backup-agent/internal/server"
	"github.com/d4rkfella/s3-backup-agent/internal/util"
	"github.com/d4rkfella/s3-backup-agent/internal/vault"
)

const instanceIDFile = ".instance_id"

// app holds everything a command needs.
type app struct {
	cfg      *config.Config
	objects  backup.ObjectStore
	store    *backup.Store // nil when no bucket is configured
	agent    *agent.Agent  // nil when no bucket is configured
	notifier notification.Notifier
	out      io.Writer
}

type command struct {
	usage       string
	needsBucket bool
	// longRunning commands are not bounded by OPERATION_TIMEOUT.
	longRunning bool
	run         func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"check":    {usage: "check", needsBucket: true, run: cmdCheck},
	"buckets":  {usage: "buckets", run: cmdBuckets},
	"list":     {usage: "list [-json]", needsBucket: true, run: cmdList},
	"get":      {usage: "get <backup-id>", needsBucket: true, run: cmdGet},
	"upload":   {usage: "upload <archive> <metadata.json>", needsBucket: true, run: cmdUpload},
	"download": {usage: "download <backup-id> [dest]", needsBucket: true, run: cmdDownload},
	"delete":   {usage: "delete <backup-id>", needsBucket: true, run: cmdDelete},
	"orphans":  {usage: "orphans [-json]", needsBucket: true, run: cmdOrphans},
	"serve":    {usage: "serve", needsBucket: true, longRunning: true, run: cmdServe},
}

// exitError attaches an exit code to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func usageError(format string, args ...any) error {
	return withCode(ExitCodeUsage, fmt.Errorf(format, args...))
}

// exitCodeFor maps a command error onto its exit code.
func exitCodeFor(err error) int {
	var exitErr *exitError
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.As(err, &exitErr):
		return exitErr.code
	case errors.Is(err, context.DeadlineExceeded):
		return ExitCodeTimeout
	case errors.Is(err, agent.ErrBackupNotFound), errors.Is(err, backup.ErrNotFound):
		return ExitCodeNotFound
	case errors.Is(err, backup.ErrAccess):
		return ExitCodeAccess
	case errors.Is(err, backup.ErrTransfer):
		return ExitCodeTransfer
	case errors.As(err, &pathErr):
		return ExitCodeLocalFile
	default:
		return ExitCodeGeneric
	}
}

// run wires credentials, the object store backend and the backup store, then executes command.
func run(ctx context.Context, cfg *config.Config, name string, args []string) int {
	cmd := commands[name]
	start := time.Now()

	err := func() error {
		if cmd.needsBucket {
			if err := cfg.RequireBucket(); err != nil {
				return withCode(ExitCodeConfigError, err)
			}
		}

		creds, err := resolveCredentials(ctx, cfg)
		if err != nil {
			return withCode(ExitCodeCredentials, err)
		}
		defer creds.Zero()

		a, err := newApp(cfg, creds)
		if err != nil {
			return err
		}
		if p, ok := a.notifier.(*notification.Pushover); ok {
			defer p.Close()
		}

		opCtx := ctx
		if !cmd.longRunning {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, cfg.OperationTimeout)
			defer cancel()
		}
		return cmd.run(opCtx, a, args)
	}()

	code := exitCodeFor(err)
	if err != nil {
		if code == ExitCodeUsage {
			fmt.Fprintf(os.Stderr, "%v\n\nUsage:\n  s3-backup-agent %s\n", err, cmd.usage)
		}
		log.Error().Err(err).Str("command", name).Dur("duration", time.Since(start)).Msg("Command failed")
		return code
	}
	log.Debug().Str("command", name).Dur("duration", time.Since(start)).Msg("Command finished")
	return ExitCodeSuccess
}

// resolveCredentials reads the credentials from Vault when configured, otherwise from the
// static configuration. The Vault token is released before returning.
func resolveCredentials(ctx context.Context, cfg *config.Config) (*vault.Credentials, error) {
	if !cfg.UseVault() {
		return vault.StaticCredentials(cfg), nil
	}

	log.Debug().Str("component", "vault").Msg("Initializing Vault client")
	vc, err := vault.NewClient(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("vault client creation failed: %w", err)
	}
	defer vc.Close(ctx)

	if err := vc.Login(ctx); err != nil {
		return nil, err
	}
	return vc.GetCredentials(ctx)
}

func newObjectStore(cfg *config.Config, creds *vault.Credentials) (backup.ObjectStore, error) {
	switch cfg.StorageBackend {
	case config.BackendMinio:
		return minio.NewClient(cfg, creds.AccessKeyID, creds.SecretAccessKey)
	default:
		return s3.NewClient(cfg, creds.AccessKeyID, creds.SecretAccessKey)
	}
}

func newApp(cfg *config.Config, creds *vault.Credentials) (*app, error) {
	objects, err := newObjectStore(cfg, creds)
	if err != nil {
		return nil, withCode(ExitCodeStorageClient, fmt.Errorf("%s client creation failed: %w", cfg.StorageBackend, err))
	}
	metrics.Info.WithLabelValues(version, cfg.StorageBackend).Set(1)

	a := &app{cfg: cfg, objects: objects, notifier: notification.Nop{}, out: os.Stdout}
	if cfg.PushoverEnable {
		a.notifier = notification.NewPushover(creds.PushoverAPIToken, creds.PushoverUserKey)
	}

	if cfg.S3Bucket == "" {
		return a, nil
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID, err = util.LoadOrCreateInstanceID(filepath.Join(cfg.StagingPath, instanceIDFile))
		if err != nil {
			return nil, withCode(ExitCodeLocalFile, err)
		}
	}

	a.store, err = backup.NewStore(objects, backup.Options{
		Prefix:       cfg.S3Prefix,
		InstanceID:   instanceID,
		StagingDir:   cfg.StagingPath,
		SecureDelete: cfg.SecureDelete,
	})
	if err != nil {
		return nil, withCode(ExitCodeStorageClient, err)
	}
	a.agent = agent.New(a.store, agent.DefaultName, instanceID)
	return a, nil
}

// parseArgs parses the command flags and checks the number of positional arguments.
func parseArgs(name string, args []string, minArgs, maxArgs int, setup func(flags *flag.FlagSet)) ([]string, error) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	if setup != nil {
		setup(flags)
	}
	if err := flags.Parse(args); err != nil {
		return nil, usageError("%s: %v", name, err)
	}
	rest := flags.Args()
	if len(rest) < minArgs || len(rest) > maxArgs {
		return nil, usageError("%s: expected %d to %d arguments, got %d", name, minArgs, maxArgs, len(rest))
	}
	return rest, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) notify(ctx context.Context, e notification.Event) {
	// the operation context may already be done
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := a.notifier.Notify(notifyCtx, e); err != nil {
		log.Warn().Err(err).Str("component", "notification").Msg("Pushover notification failed")
	}
}

// --- Commands ---

func cmdCheck(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs("check", args, 0, 0, nil); err != nil {
		return err
	}
	if err := a.store.ValidateAccess(ctx); err != nil {
		return err
	}
	loc := a.store.Location()
	fmt.Fprintf(a.out, "Bucket %s is accessible (prefix %q)\n", loc.Bucket, loc.Prefix)
	return nil
}

func cmdBuckets(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs("buckets", args, 0, 0, nil); err != nil {
		return err
	}

	var names []string
	var err error
	if a.store != nil {
		names, err = a.store.ListBuckets(ctx)
	} else {
		names, err = a.objects.ListBuckets(ctx)
		if err != nil {
			err = withCode(ExitCodeAccess, fmt.Errorf("list buckets: %w", err))
		}
	}
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(a.out, name)
	}
	return nil
}

func cmdList(ctx context.Context, a *app, args []string) error {
	var asJSON bool
	if _, err := parseArgs("list", args, 0, 0, func(flags *flag.FlagSet) {
		flags.BoolVar(&asJSON, "json", false, "print JSON")
	}); err != nil {
		return err
	}

	backups, err := a.agent.ListBackups(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return a.printJSON(backups)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKUP ID\tNAME\tDATE\tSIZE\tPROTECTED")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", b.BackupID, b.Name, b.Date, humanize.IBytes(uint64(max(b.Size, 0))), b.Protected)
	}
	return tw.Flush()
}

func cmdGet(ctx context.Context, a *app, args []string) error {
	rest, err := parseArgs("get", args, 1, 1, nil)
	if err != nil {
		return err
	}
	b, err := a.agent.GetBackup(ctx, rest[0])
	if err != nil {
		return err
	}
	return a.printJSON(b)
}

func cmdUpload(ctx context.Context, a *app, args []string) error {
	rest, err := parseArgs("upload", args, 2, 2, nil)
	if err != nil {
		return err
	}
	archive := rest[0]

	b, err := readRecord(rest[1], archive)
	if err != nil {
		return err
	}

	start := time.Now()
	open := func(ctx context.Context) (io.ReadCloser, error) {
		return os.Open(archive)
	}
	err = a.agent.UploadBackup(ctx, open, b)
	a.notify(ctx, notification.Event{
		Operation: "upload",
		BackupID:  b.BackupID,
		Success:   err == nil,
		Duration:  time.Since(start),
		Size:      b.Size,
		Err:       err,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Uploaded backup %s (%s)\n", b.BackupID, humanize.IBytes(uint64(b.Size)))
	return nil
}

// readRecord loads the backup record for archive. A missing size is taken from the archive.
func readRecord(metadataPath, archive string) (backup.AgentBackup, error) {
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return backup.AgentBackup{}, err
	}
	b, err := backup.ParseAgentBackup(data)
	if err != nil {
		return backup.AgentBackup{}, usageError("invalid backup record %s: %v", util.SanitizePath(metadataPath), err)
	}
	if _, err := b.Time(); err != nil {
		return backup.AgentBackup{}, usageError("invalid backup record %s: %v", util.SanitizePath(metadataPath), err)
	}
	if err := backup.ValidateID(b.BackupID); err != nil {
		return backup.AgentBackup{}, usageError("invalid backup record %s: %v", util.SanitizePath(metadataPath), err)
	}

	info, err := os.Stat(archive)
	if err != nil {
		return backup.AgentBackup{}, err
	}
	if info.IsDir() {
		return backup.AgentBackup{}, usageError("archive %s is a directory", util.SanitizePath(archive))
	}
	if b.Size == 0 {
		b.Size = info.Size()
	} else if b.Size != info.Size() {
		log.Warn().Str("backup_id", b.BackupID).Int64("record_size", b.Size).Int64("archive_size", info.Size()).
			Msg("Backup record size does not match the archive")
	}
	return b, nil
}

func cmdDownload(ctx context.Context, a *app, args []string) error {
	rest, err := parseArgs("download", args, 1, 2, nil)
	if err != nil {
		return err
	}
	dest := "."
	if len(rest) == 2 {
		dest = rest[1]
	}

	staged, err := a.agent.DownloadBackup(ctx, rest[0])
	if err != nil {
		return err
	}
	defer backup.RemoveDownload(staged, a.cfg.SecureDelete)

	target, err := resolveDestination(dest, backup.DownloadedFilename(staged))
	if err != nil {
		return err
	}
	if err := moveFile(staged, target); err != nil {
		return err
	}
	fmt.Fprintln(a.out, target)
	return nil
}

// resolveDestination returns dest, or dest/filename when dest is an existing directory.
func resolveDestination(dest, filename string) (string, error) {
	info, err := os.Stat(dest)
	switch {
	case err == nil && info.IsDir():
		return filepath.Join(dest, filename), nil
	case err == nil:
		return "", withCode(ExitCodeLocalFile, fmt.Errorf("destination %s already exists", util.SanitizePath(dest)))
	case errors.Is(err, fs.ErrNotExist):
		return dest, nil
	default:
		return "", err
	}
}

// moveFile renames src to dst, copying when they are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to copy archive to %s: %w", util.SanitizePath(dst), err)
	}
	return out.Close()
}

func cmdDelete(ctx context.Context, a *app, args []string) error {
	rest, err := parseArgs("delete", args, 1, 1, nil)
	if err != nil {
		return err
	}
	id := rest[0]

	start := time.Now()
	err = a.agent.DeleteBackup(ctx, id)
	a.notify(ctx, notification.Event{
		Operation: "delete",
		BackupID:  id,
		Success:   err == nil,
		Duration:  time.Since(start),
		Err:       err,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted backup %s\n", id)
	return nil
}

func cmdOrphans(ctx context.Context, a *app, args []string) error {
	var asJSON bool
	if _, err := parseArgs("orphans", args, 0, 0, func(flags *flag.FlagSet) {
		flags.BoolVar(&asJSON, "json", false, "print JSON")
	}); err != nil {
		return err
	}

	report, err := a.store.FindOrphans(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return a.printJSON(report)
	}
	if report.Empty() {
		fmt.Fprintln(a.out, "No orphans found")
		return nil
	}
	for _, obj := range report.UnindexedArchives {
		fmt.Fprintf(a.out, "archive without record: %s (%s)\n", obj.Key, humanize.IBytes(uint64(max(obj.Size, 0))))
	}
	for _, b := range report.MissingArchives {
		fmt.Fprintf(a.out, "record without archive: %s (%s)\n", b.BackupID, strings.TrimSpace(b.Name))
	}
	return nil
}

func cmdServe(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs("serve", args, 0, 0, nil); err != nil {
		return err
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.store.ValidateAccess(checkCtx); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("Bucket is not accessible yet, serving anyway")
	}
	cancel()

	srv := server.New(a.agent, a.store, server.Options{
		Addr:         a.cfg.ListenAddr,
		APIToken:     a.cfg.APIToken,
		SecureDelete: a.cfg.SecureDelete,
	})
	return srv.Start(ctx)
}
