package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mediavault/fetchd/internal/database"
	"github.com/mediavault/fetchd/internal/download"
	"github.com/mediavault/fetchd/internal/fault"
	"github.com/mediavault/fetchd/pkg/logger"
)

var log = logger.Get("Storage")

// quotaAccountingLockID keys the postgres advisory lock that serialises
// quota checks against artifact inserts.
const quotaAccountingLockID int64 = 64210

type (
	Config struct {
		// DownloadsDir is the root of the permanent content-addressed
		// store. Artifacts land at '<DownloadsDir>/<hash[:2]>/<hash><ext>'.
		DownloadsDir string `yaml:"downloads_dir" env:"DOWNLOADS_DIR" env-required:"true"`

		// TempDir holds in-flight transfers. It should live on the same
		// filesystem as DownloadsDir so finalisation is a rename.
		TempDir string `yaml:"temp_dir" env:"TEMP_DIR" env-required:"true"`

		// QuotaBytes caps the total size recorded in the artifact table.
		// Zero disables the quota entirely.
		QuotaBytes int64 `yaml:"quota_bytes" env:"STORAGE_QUOTA_BYTES" env-default:"0"`
	}

	// Artifact is one finalised piece of content, keyed by its hash. Many
	// jobs may reference the same artifact.
	Artifact struct {
		ContentKey   string    `db:"content_key"`
		AbsolutePath string    `db:"absolute_path"`
		Size         int64     `db:"size"`
		CreatedAt    time.Time `db:"created_at"`
	}

	// Manager owns the on-disk layout of completed downloads and the
	// artifact table that deduplicates them.
	Manager struct {
		config Config
	}
)

func New(config Config) (*Manager, error) {
	for _, dir := range []string{config.DownloadsDir, config.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory '%s': %w", dir, err)
		}
	}

	return &Manager{config: config}, nil
}

// TempPathFor returns the scratch location a job's transfer should stream to.
// Paths are keyed by job ID so concurrent jobs never collide, even when they
// are fetching identical content.
func (manager *Manager) TempPathFor(jobID uuid.UUID) string {
	return filepath.Join(manager.config.TempDir, fmt.Sprintf("%s.partial", jobID))
}

// SweepTemp removes leftover partial transfers. Run once at startup, before
// any slot is started, so an abandoned temp file from a crashed process never
// survives in to the new one.
func (manager *Manager) SweepTemp() error {
	entries, err := os.ReadDir(manager.config.TempDir)
	if err != nil {
		return fmt.Errorf("failed to read temp directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".partial" {
			continue
		}

		stale := filepath.Join(manager.config.TempDir, entry.Name())
		if err := os.Remove(stale); err != nil {
			log.Warnf("Failed to remove stale temp file %s: %v\n", stale, err)
		} else {
			log.Emit(logger.REMOVE, "Removed stale temp file %s\n", stale)
		}
	}

	return nil
}

// Finalize moves a verified temp file in to the permanent layout and records
// it in the artifact table. If an artifact with the same content hash already
// exists, the temp file is discarded and the existing artifact is returned;
// only one copy of any given content is ever kept on disk.
func (manager *Manager) Finalize(db database.Queryable, tempPath string, meta *download.ArtifactMeta) (*Artifact, error) {
	if existing, err := manager.ArtifactFor(db, meta.ContentHash); err != nil {
		return nil, err
	} else if existing != nil {
		log.Debugf("Content %s already stored at %s, discarding duplicate transfer\n", meta.ContentHash, existing.AbsolutePath)
		_ = os.Remove(tempPath)

		return existing, nil
	}

	if err := manager.checkQuota(db, meta.Size); err != nil {
		_ = os.Remove(tempPath)
		return nil, err
	}

	finalPath := manager.pathFor(meta.ContentHash, meta.Filename)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return nil, fault.New(fault.IOFailure, fmt.Errorf("failed to create shard directory: %w", err))
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return nil, fault.New(fault.IOFailure, fmt.Errorf("failed to move artifact in to place: %w", err))
	}

	artifact := &Artifact{
		ContentKey:   meta.ContentHash,
		AbsolutePath: finalPath,
		Size:         meta.Size,
		CreatedAt:    time.Now(),
	}

	// A concurrent slot finalising identical content can win the insert
	// between our existence check and here; ON CONFLICT keeps the first
	// writer's row and we fall back to it. The quota is re-checked inside
	// the same transaction as the insert: two slots finalising different
	// content can both pass the earlier check before either row lands.
	err := database.InTx(db, func(q database.Queryable) error {
		if manager.config.QuotaBytes > 0 {
			// Serialise quota accounting; the lock releases on commit, so
			// the re-check below always sees the winning slot's row.
			if _, err := q.Exec(`SELECT pg_advisory_xact_lock($1)`, quotaAccountingLockID); err != nil {
				return fault.New(fault.Unexpected, fmt.Errorf("failed to acquire quota lock: %w", err))
			}
		}

		if err := manager.checkQuota(q, meta.Size); err != nil {
			return err
		}

		_, err := q.Exec(`
			INSERT INTO artifacts(content_key, absolute_path, size, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (content_key) DO NOTHING`,
			artifact.ContentKey, artifact.AbsolutePath, artifact.Size, artifact.CreatedAt)
		if err != nil {
			return fault.New(fault.IOFailure, fmt.Errorf("failed to record artifact: %w", err))
		}

		return nil
	})
	if err != nil {
		_ = os.Remove(finalPath)
		return nil, err
	}

	winner, err := manager.ArtifactFor(db, meta.ContentHash)
	if err != nil {
		return nil, err
	} else if winner.AbsolutePath != finalPath {
		_ = os.Remove(finalPath)
		return winner, nil
	}

	log.Emit(logger.SUCCESS, "Stored artifact %s (%d bytes) at %s\n", artifact.ContentKey, artifact.Size, artifact.AbsolutePath)
	return artifact, nil
}

// ArtifactFor fetches the stored artifact for a content hash, or nil if the
// content has never been finalised.
func (manager *Manager) ArtifactFor(db database.Queryable, contentKey string) (*Artifact, error) {
	var artifact Artifact
	if err := db.Get(&artifact, `SELECT * FROM artifacts WHERE content_key = $1`, contentKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fault.New(fault.Unexpected, fmt.Errorf("failed to query artifact table: %w", err))
	}

	return &artifact, nil
}

func (manager *Manager) checkQuota(db database.Queryable, incomingSize int64) error {
	if manager.config.QuotaBytes <= 0 {
		return nil
	}

	var storedBytes int64
	if err := db.Get(&storedBytes, `SELECT COALESCE(SUM(size), 0) FROM artifacts`); err != nil {
		return fault.New(fault.Unexpected, fmt.Errorf("failed to sum artifact sizes: %w", err))
	}

	if storedBytes+incomingSize > manager.config.QuotaBytes {
		return fault.Newf(fault.QuotaExceeded, "storing %d bytes would exceed the %d byte quota (%d used)", incomingSize, manager.config.QuotaBytes, storedBytes)
	}

	return nil
}

// pathFor shards artifacts by the first two characters of their hash so no
// single directory accumulates an unbounded number of entries.
func (manager *Manager) pathFor(contentHash string, filename string) string {
	ext := filepath.Ext(filename)
	if strings.ContainsAny(ext, "/\\") {
		ext = ""
	}

	return filepath.Join(manager.config.DownloadsDir, contentHash[:2], contentHash+ext)
}
