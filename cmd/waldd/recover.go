package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-wald/pkg/admin"
	"github.com/dd0wney/cluso-wald/pkg/archive"
	"github.com/dd0wney/cluso-wald/pkg/config"
	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
	"github.com/dd0wney/cluso-wald/pkg/recovery"
	"github.com/dd0wney/cluso-wald/pkg/server"
	"github.com/dd0wney/cluso-wald/pkg/state"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

type recoverFlags struct {
	backupID   string
	targetTime string
	targetLSN  string
	targetXID  uint64
	targetName string
	immediate  bool
	afterwards string
}

func newRecoverCmd() *cobra.Command {
	var flags recoverFlags

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Rebuild the node from the archive up to a target",
		Long: `recover restores a base backup (or reuses local state), fetches archived
segments, and replays them up to the requested target. At most one of
--time, --lsn, --xid, --name, or --immediate may be given; with none, every
available record is replayed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return runRecovery(cfg, flags)
		},
	}

	cmd.Flags().StringVar(&flags.backupID, "backup", "", "base backup ID to restore first")
	cmd.Flags().StringVar(&flags.targetTime, "time", "", "stop before the first commit after this RFC3339 time")
	cmd.Flags().StringVar(&flags.targetLSN, "lsn", "", "stop after this log position")
	cmd.Flags().Uint64Var(&flags.targetXID, "xid", 0, "stop after this transaction's commit")
	cmd.Flags().StringVar(&flags.targetName, "name", "", "stop at this named restore point")
	cmd.Flags().BoolVar(&flags.immediate, "immediate", false, "stop at the backup's consistency point")
	cmd.Flags().StringVar(&flags.afterwards, "after", "promote", "action after the target: pause, promote, or shutdown")
	return cmd
}

func parseTarget(flags recoverFlags) (recovery.Target, error) {
	var target recovery.Target
	set := 0

	if flags.immediate {
		target = recovery.Target{Kind: recovery.TargetImmediate}
		set++
	}
	if flags.targetTime != "" {
		at, err := time.Parse(time.RFC3339, flags.targetTime)
		if err != nil {
			return target, fmt.Errorf("invalid --time: %w", err)
		}
		target = recovery.Target{Kind: recovery.TargetTime, Time: at}
		set++
	}
	if flags.targetLSN != "" {
		lsn, err := wal.ParseLSN(flags.targetLSN)
		if err != nil {
			return target, fmt.Errorf("invalid --lsn: %w", err)
		}
		target = recovery.Target{Kind: recovery.TargetLSN, LSN: lsn}
		set++
	}
	if flags.targetXID != 0 {
		target = recovery.Target{Kind: recovery.TargetXID, XID: flags.targetXID}
		set++
	}
	if flags.targetName != "" {
		target = recovery.Target{Kind: recovery.TargetName, Name: flags.targetName}
		set++
	}
	if set > 1 {
		return target, fmt.Errorf("at most one recovery target may be given")
	}
	return target, nil
}

func parseAction(s string) (recovery.AfterTargetAction, error) {
	switch s {
	case "pause":
		return recovery.ActionPause, nil
	case "promote":
		return recovery.ActionPromote, nil
	case "shutdown":
		return recovery.ActionShutdown, nil
	default:
		return 0, fmt.Errorf("invalid --after %q: want pause, promote, or shutdown", s)
	}
}

func buildSink(ctx context.Context, cfg *config.Config) (archive.Sink, error) {
	switch cfg.Archive.Sink {
	case "directory":
		return archive.NewDirectorySink(cfg.Archive.Directory)
	case "s3":
		return archive.NewS3Sink(ctx, archive.S3Options{
			Region:          cfg.Archive.S3Region,
			Bucket:          cfg.Archive.S3Bucket,
			Prefix:          cfg.Archive.S3Prefix,
			Endpoint:        cfg.Archive.S3Endpoint,
			AccessKeyID:     cfg.Archive.S3AccessKey,
			SecretAccessKey: cfg.Archive.S3SecretKey,
		})
	default:
		return nil, nil
	}
}

func runRecovery(cfg *config.Config, flags recoverFlags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.Logging.Level))

	target, err := parseTarget(flags)
	if err != nil {
		return err
	}
	action, err := parseAction(flags.afterwards)
	if err != nil {
		return err
	}

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}

	stateDir := filepath.Join(cfg.Node.DataDir, "state")
	if flags.backupID != "" {
		if sink == nil {
			return fmt.Errorf("--backup requires a configured archive sink")
		}
		manifest, err := recovery.RestoreBaseBackup(ctx, sink, flags.backupID, stateDir)
		if err != nil {
			return err
		}
		logger.Info("base backup restored",
			logging.String("backup_id", manifest.ID),
			logging.String("start_lsn", manifest.StartLSN))
	}

	store, err := state.OpenStore(stateDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	c := recovery.NewCoordinator(recovery.Options{
		WALDir:      filepath.Join(cfg.Node.DataDir, "wal"),
		Sink:        sink,
		Store:       store,
		Target:      target,
		AfterTarget: action,
		SegmentSize: cfg.WAL.SegmentSize,
		Logger:      logger,
		Metrics:     metrics.DefaultRegistry(),
	})

	// The admin surface stays up for the whole run so the operator can
	// watch progress and, after "--after pause", decide between promote
	// and shutdown. SIGINT/SIGTERM drain the server, which releases a
	// paused coordinator into shutdown.
	recoverySrv := admin.NewRecoveryServer(c, logger)
	httpSrv := server.NewGracefulServer(cfg.Admin.ListenAddr, recoverySrv.Handler(), logger)
	go func() {
		<-httpSrv.ShutdownChannel()
		if err := c.Shutdown(); err != nil {
			cancel()
		}
	}()

	type runOutcome struct {
		result *recovery.Result
		err    error
	}
	runCh := make(chan runOutcome, 1)
	go func() {
		result, err := c.Run(ctx)
		runCh <- runOutcome{result, err}
	}()

	srvCh := make(chan error, 1)
	go func() { srvCh <- httpSrv.Start() }()

	outcome := <-runCh
	httpSrv.Shutdown(5 * time.Second)
	if err := <-srvCh; err != nil {
		logger.Error("recovery admin server error", logging.Error(err))
	}
	if outcome.err != nil {
		return outcome.err
	}
	result := outcome.result
	if result.Manager != nil {
		result.Manager.Close()
	}

	fmt.Printf("recovery finished: state=%s applied=%s timeline=%d replayed=%d\n",
		result.FinalState, result.AppliedLSN, result.Timeline, result.Replayed)
	if result.FinalState == recovery.StatePromoted {
		fmt.Println("node promoted; start it with 'waldd serve' to accept writes")
	}
	return nil
}
