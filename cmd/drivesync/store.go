package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/logging/audit"
	"github.com/drivesync/drivesync/internal/metadata"
	"github.com/drivesync/drivesync/internal/store"
	"github.com/drivesync/drivesync/pkg/bytesize"
)

// newStoreCmd creates the store command tree for inspecting and
// maintaining the on-disk metadata store while the daemon is stopped.
func newStoreCmd() *cobra.Command {
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and maintain the metadata store",
		Long: `Inspect and maintain the on-disk metadata store.

Run these commands while the daemon is stopped; they take exclusive
ownership of the store directory.`,
	}

	storeCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show store files and recovery state",
		RunE:  runStoreStatus,
	})

	storeCmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rewrite the store through the recovery protocol",
		Long: `Rewrite the store file through the recovery protocol: the current
snapshot is loaded, written to a recovery file, and atomically promoted.
Compacts away deleted rows and verifies the snapshot round-trips.`,
		RunE: runStoreRebuild,
	})

	storeCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the local metadata cache",
		Long: `Delete the local metadata store, event ledger, and offline queues.
The next daemon start re-enumerates everything from the remote; offline
marks are lost.`,
		RunE: runStoreClear,
	})

	return storeCmd
}

func storeContext() (*config.Config, *store.Manager, error) {
	setupLogging()
	if cfgFile == "" {
		return nil, nil, fmt.Errorf("config file required (use --config)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	registry := metadata.NewContextRegistry()
	fs := osfs.New(cfg.Store.DataDir)
	return cfg, store.NewManager(fs, ".", cfg.Store.Name, registry), nil
}

func runStoreStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := storeContext()
	if err != nil {
		return err
	}

	fs := osfs.New(cfg.Store.DataDir)
	fmt.Printf("Store directory: %s\n", cfg.Store.DataDir)
	for _, f := range []struct{ label, name string }{
		{"store", cfg.Store.Name},
		{"recovery", "Recovery_" + cfg.Store.Name},
		{"backup", "Backup_" + cfg.Store.Name},
		{"event ledger", cfg.Store.Name + ".events"},
		{"keep queue", cfg.Store.Name + ".keepq"},
		{"remove queue", cfg.Store.Name + ".removeq"},
	} {
		fi, err := fs.Stat(f.name)
		if err != nil {
			fmt.Printf("  %-13s absent\n", f.label)
			continue
		}
		fmt.Printf("  %-13s %s, modified %s\n", f.label, bytesize.Format(fi.Size()), fi.ModTime().Format("2006-01-02 15:04:05"))
		if f.name == cfg.Store.Name && cfg.Store.RebuildThreshold > 0 && fi.Size() > cfg.Store.RebuildThreshold.Bytes() {
			fmt.Printf("  store exceeds %s, consider 'drivesync store rebuild'\n", cfg.Store.RebuildThreshold)
		}
	}
	return nil
}

func runStoreRebuild(cmd *cobra.Command, args []string) error {
	cfg, mgr, err := storeContext()
	if err != nil {
		return err
	}
	auditLog := audit.NewLogger(log.With().Str("component", "audit").Logger())
	fs := osfs.New(cfg.Store.DataDir)

	if err := mgr.RestoreFromBackup(); err != nil {
		return err
	}
	mgr.CleanupLeftovers()

	repo := metadata.NewRepository()
	if err := repo.LoadSnapshot(fs, mgr.ExistingPath()); err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	existing, err := mgr.DisconnectExisting()
	if err != nil {
		return err
	}
	recovery, err := mgr.CreateRecovery(existing)
	if err != nil {
		auditLog.LogStoreOp("rebuild", cfg.Store.Name, "failed", err.Error())
		return err
	}
	// CreateRecovery seeds an empty store; the rebuild writes the loaded
	// state over it before promotion.
	if err := repo.SaveSnapshot(fs, recovery.Path); err != nil {
		if rollback := mgr.ReconnectExistingAndDiscardRecovery(existing, recovery); rollback != nil {
			log.Warn().Err(rollback).Msg("rollback after failed rebuild")
		}
		auditLog.LogStoreOp("rebuild", cfg.Store.Name, "failed", err.Error())
		return err
	}
	if err := mgr.ReplaceExistingWithRecovery(existing, recovery); err != nil {
		auditLog.LogStoreOp("rebuild", cfg.Store.Name, "failed", err.Error())
		return err
	}

	auditLog.LogStoreOp("rebuild", cfg.Store.Name, "succeeded", "")
	fmt.Println("Store rebuilt.")
	return nil
}

func runStoreClear(cmd *cobra.Command, args []string) error {
	cfg, mgr, err := storeContext()
	if err != nil {
		return err
	}
	auditLog := audit.NewLogger(log.With().Str("component", "audit").Logger())
	fs := osfs.New(cfg.Store.DataDir)

	if _, err := mgr.DisconnectExisting(); err != nil && !errors.Is(err, store.ErrNoStore) {
		return err
	}
	for _, name := range []string{
		cfg.Store.Name,
		"Recovery_" + cfg.Store.Name,
		"Backup_" + cfg.Store.Name,
		cfg.Store.Name + ".events",
		cfg.Store.Name + ".keepq",
		cfg.Store.Name + ".removeq",
	} {
		if err := fs.Remove(name); err != nil && !os.IsNotExist(err) {
			auditLog.LogStoreOp("delete", name, "failed", err.Error())
			return err
		}
	}

	auditLog.LogStoreOp("delete", cfg.Store.Name, "succeeded", "cache cleared")
	auditLog.LogEpochReset(cfg.VolumeID, "", "cache_clear")
	fmt.Println("Local metadata cache cleared.")
	return nil
}
