package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-wald/pkg/archive"
	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/state"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// backupPrefix namespaces base backup objects inside the archive sink
const backupPrefix = "basebackup/"

// BackupManifest describes one base backup in the sink
type BackupManifest struct {
	ID string `json:"id"`
	// StartLSN is the position replay must begin from: state captured in
	// the backup already includes everything before it
	StartLSN  string    `json:"start_lsn"`
	Timeline  uint32    `json:"timeline"`
	CreatedAt time.Time `json:"created_at"`
	Files     []string  `json:"files"`
}

func manifestObjectName(id string) string {
	return backupPrefix + id + "/manifest.json"
}

func fileObjectName(id, rel string) string {
	return backupPrefix + id + "/files/" + rel
}

// TakeBaseBackup snapshots the state store and uploads it to the sink.
// The running log is sealed first so every segment the backup depends on
// becomes archivable immediately. The primary keeps serving throughout.
func TakeBaseBackup(ctx context.Context, mgr *wal.Manager, store *state.Store, sink archive.Sink, logger logging.Logger) (*BackupManifest, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.Component("backup"))

	id := uuid.NewString()
	manifest := &BackupManifest{
		ID:        id,
		Timeline:  mgr.Timeline(),
		CreatedAt: time.Now().UTC(),
	}

	// The snapshot includes everything applied before this point; replay
	// resumes from the snapshot's own watermark
	stagingDir, err := os.MkdirTemp("", "wald-backup-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := store.Checkpoint(stagingDir); err != nil {
		return nil, err
	}
	if err := mgr.SealCurrentSegment(); err != nil {
		return nil, fmt.Errorf("failed to seal segment for backup: %w", err)
	}

	err = filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := sink.Put(ctx, fileObjectName(id, rel), data); err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload base backup: %w", err)
	}
	sort.Strings(manifest.Files)

	// Read the watermark out of the staged snapshot so the manifest is
	// exact even while the live store keeps applying
	staged, err := state.OpenStore(stagingDir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect staged snapshot: %w", err)
	}
	startLSN, err := staged.AppliedLSN()
	staged.Close()
	if err != nil {
		return nil, err
	}
	manifest.StartLSN = startLSN.String()

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := sink.Put(ctx, manifestObjectName(id), data); err != nil {
		return nil, fmt.Errorf("failed to upload backup manifest: %w", err)
	}

	logger.Info("base backup complete",
		logging.String("backup_id", id),
		logging.LSNKey("start_lsn", startLSN),
		logging.Count(len(manifest.Files)))
	return manifest, nil
}

// GetBackupManifest fetches one backup's manifest
func GetBackupManifest(ctx context.Context, sink archive.Sink, id string) (*BackupManifest, error) {
	data, err := sink.Get(ctx, manifestObjectName(id))
	if err != nil {
		return nil, err
	}
	var manifest BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("corrupt backup manifest %s: %w", id, err)
	}
	return &manifest, nil
}

// ListBaseBackups returns the manifests in the sink, oldest first
func ListBaseBackups(ctx context.Context, sink archive.Sink) ([]*BackupManifest, error) {
	names, err := sink.List(ctx)
	if err != nil {
		return nil, err
	}

	var manifests []*BackupManifest
	for _, name := range names {
		if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, "/manifest.json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), "/manifest.json")
		manifest, err := GetBackupManifest(ctx, sink, id)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].CreatedAt.Before(manifests[j].CreatedAt) })
	return manifests, nil
}

// RestoreBaseBackup materializes a backup's state files into destDir
func RestoreBaseBackup(ctx context.Context, sink archive.Sink, id, destDir string) (*BackupManifest, error) {
	manifest, err := GetBackupManifest(ctx, sink, id)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, err
	}
	for _, rel := range manifest.Files {
		data, err := sink.Get(ctx, fileObjectName(id, rel))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch backup file %s: %w", rel, err)
		}
		path := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write backup file %s: %w", rel, err)
		}
	}
	return manifest, nil
}
