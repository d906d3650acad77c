package store

import (
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/metadata"
)

// Role names one of the three stores that can exist during recovery.
type Role string

const (
	RoleExisting Role = "existing"
	RoleRecovery Role = "recovery"
	RoleBackup   Role = "backup"
)

// StoreInfo is an ephemeral reference to one physical store file. Its
// lifetime is one recovery operation.
type StoreInfo struct {
	Name string
	Path string
	Role Role
}

// Manager runs the recovery protocol over the store directory. It is
// the only component allowed to detach or replace the physical store,
// and it must hold exclusive access for the whole detach-to-reattach
// window: every live metadata context is reset on disconnect.
type Manager struct {
	fs   billy.Filesystem
	dir  string
	name string

	registry *metadata.ContextRegistry
	log      zerolog.Logger

	interrupted  bool
	disconnected bool
}

// NewManager creates a recovery manager for the store file <name>
// inside dir. Recovery and backup stores live alongside it as
// Recovery_<name> and Backup_<name>.
func NewManager(fs billy.Filesystem, dir, name string, registry *metadata.ContextRegistry) *Manager {
	return &Manager{
		fs:       fs,
		dir:      dir,
		name:     name,
		registry: registry,
		log:      log.With().Str("component", "store").Logger(),
	}
}

func (m *Manager) existingPath() string { return path.Join(m.dir, m.name) }
func (m *Manager) recoveryPath() string { return path.Join(m.dir, "Recovery_"+m.name) }
func (m *Manager) backupPath() string   { return path.Join(m.dir, "Backup_"+m.name) }

// ExistingPath returns the path of the main store file.
func (m *Manager) ExistingPath() string { return m.existingPath() }

// PreviousRunWasInterrupted reports whether CleanupLeftovers found
// evidence of an interrupted recovery.
func (m *Manager) PreviousRunWasInterrupted() bool { return m.interrupted }

func (m *Manager) fileExists(p string) bool {
	_, err := m.fs.Stat(p)
	return err == nil
}

// RestoreFromBackup finishes an interrupted commit: if a backup store
// exists from a prior recovery, it replaces the main store and is then
// deleted. A backup that turns out to be unreadable is removed so it
// will not show up again; the existing store stays untouched in that
// case. Called once, before anything opens the store.
func (m *Manager) RestoreFromBackup() error {
	backup := m.backupPath()
	if !m.fileExists(backup) {
		return nil // nothing to replace with
	}
	if !m.fileExists(m.existingPath()) {
		// No existing store: promote the backup directly.
		if err := m.fs.Rename(backup, m.existingPath()); err != nil {
			return opError(ErrStoreReplacement, err)
		}
		m.log.Warn().Msg("No main store found, promoted backup")
		return nil
	}

	if err := metadata.ValidateSnapshotFile(m.fs, backup); err != nil {
		// The file exists but cannot be used. Remove it if possible so
		// it won't show up next time.
		m.log.Warn().Err(err).Msg("Backup store unusable, deleting it")
		if rerr := metadata.RemoveStoreFiles(m.fs, backup); rerr != nil {
			return opError(ErrStoreDeletion, rerr)
		}
		return nil
	}

	if err := metadata.CopyFile(m.fs, backup, m.existingPath()); err != nil {
		return opError(ErrStoreReplacement, err)
	}
	if err := metadata.RemoveStoreFiles(m.fs, backup); err != nil {
		return opError(ErrStoreDeletion, err)
	}
	m.log.Info().Msg("Restored main store from backup")
	return nil
}

// CleanupLeftovers removes stale recovery and backup artifacts from a
// previous attempt and reports whether a recovery leftover existed,
// which signals that the previous run was interrupted.
func (m *Manager) CleanupLeftovers() bool {
	if !m.fileExists(m.existingPath()) {
		m.log.Info().Msg("No existing store to clean leftovers around")
		return false
	}

	recoveryExisted := m.fileExists(m.recoveryPath())
	if recoveryExisted {
		if err := metadata.RemoveStoreFiles(m.fs, m.recoveryPath()); err != nil {
			m.log.Info().Err(err).Str("store", "recovery").Msg("Leftover cleanup failed")
		}
	}
	if m.fileExists(m.backupPath()) {
		if err := metadata.RemoveStoreFiles(m.fs, m.backupPath()); err != nil {
			m.log.Info().Err(err).Str("store", "backup").Msg("Leftover cleanup failed")
		}
	}

	m.interrupted = recoveryExisted
	return recoveryExisted
}

// DisconnectExisting detaches the main store from live use: all open
// metadata contexts are invalidated and must discard in-memory state.
// Returns a handle describing the detached store.
func (m *Manager) DisconnectExisting() (*StoreInfo, error) {
	if !m.fileExists(m.existingPath()) {
		return nil, ErrNoStore
	}
	reset := m.registry.ResetAll()
	m.disconnected = true
	m.log.Info().Int("contexts_reset", reset).Msg("Disconnected existing store")
	return &StoreInfo{Name: m.name, Path: m.existingPath(), Role: RoleExisting}, nil
}

// CreateRecovery creates a brand-new empty store next to the existing
// one. The caller performs its work against this store before deciding
// to commit or abort.
func (m *Manager) CreateRecovery(existing *StoreInfo) (*StoreInfo, error) {
	if existing == nil {
		return nil, ErrNoStore
	}
	fresh := metadata.NewRepository()
	if err := fresh.SaveSnapshot(m.fs, m.recoveryPath()); err != nil {
		return nil, opError(ErrStoreLoading, err)
	}
	return &StoreInfo{Name: "Recovery_" + m.name, Path: m.recoveryPath(), Role: RoleRecovery}, nil
}

// ReconnectExistingAndDiscardRecovery is the abort path: drop the
// recovery store (if one was created) and put the original back in
// service. The registry's contexts stay invalidated; callers reopen
// fresh ones against the reloaded store.
func (m *Manager) ReconnectExistingAndDiscardRecovery(existing *StoreInfo, recovery *StoreInfo) error {
	if existing == nil {
		return ErrNoStore
	}
	if recovery != nil {
		if err := metadata.RemoveStoreFiles(m.fs, recovery.Path); err != nil {
			return opError(ErrStoreDeletion, err)
		}
	}
	if !m.fileExists(existing.Path) {
		return opError(ErrStoreAddition, os.ErrNotExist)
	}
	m.disconnected = false
	m.log.Info().Msg("Reconnected existing store, recovery discarded")
	return nil
}

// ReplaceExistingWithRecovery is the commit path: move the existing
// store to backup, promote the recovery store to main, and delete the
// backup only after the promotion succeeded. A crash at any step leaves
// either the backup or the recovery file on disk for the next startup
// to converge on exactly one usable store.
func (m *Manager) ReplaceExistingWithRecovery(existing, recovery *StoreInfo) error {
	if existing == nil || recovery == nil {
		return ErrNoStore
	}

	backup, err := m.MoveExistingToBackup(existing)
	if err != nil {
		return err
	}

	if err := m.fs.Rename(recovery.Path, existing.Path); err != nil {
		// Promotion failed: fall back to the backup so the most
		// recently known-good store is never lost.
		if rerr := metadata.CopyFile(m.fs, backup.Path, existing.Path); rerr != nil {
			return opError(ErrStoreReplacement, rerr)
		}
		_ = metadata.RemoveStoreFiles(m.fs, recovery.Path)
		if derr := metadata.RemoveStoreFiles(m.fs, backup.Path); derr != nil {
			return opError(ErrStoreDeletion, derr)
		}
		return opError(ErrStoreReplacement, err)
	}

	if err := metadata.RemoveStoreFiles(m.fs, backup.Path); err != nil {
		return opError(ErrStoreDeletion, err)
	}
	m.disconnected = false
	m.log.Info().Msg("Recovery store promoted to main")
	return nil
}

// MoveExistingToBackup migrates the existing store to the backup path.
// Exposed separately because full-resync flows use it on its own.
func (m *Manager) MoveExistingToBackup(existing *StoreInfo) (*StoreInfo, error) {
	if existing == nil {
		return nil, ErrNoStore
	}
	m.registry.ResetAll()
	if err := metadata.CopyFile(m.fs, existing.Path, m.backupPath()); err != nil {
		return nil, opError(ErrStoreMigration, err)
	}
	return &StoreInfo{Name: "Backup_" + m.name, Path: m.backupPath(), Role: RoleBackup}, nil
}
