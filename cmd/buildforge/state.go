package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildforge/buildforge/engine/store"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Export and import execution state",
}

var stateExportCmd = &cobra.Command{
	Use:   "export <execution_id> <path>",
	Short: "Export an execution's state as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, cleanup, err := openState()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := manager.Export(context.Background(), args[0], args[1]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return badInput("no state for execution %s", args[0])
			}
			return err
		}
		fmt.Printf("Exported %s to %s\n", args[0], args[1])
		return nil
	},
}

var stateImportCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Import execution state from a JSON export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, cleanup, err := openState()
		if err != nil {
			return err
		}
		defer cleanup()

		executionID, err := manager.Import(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Imported execution %s\n", executionID)
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateExportCmd)
	stateCmd.AddCommand(stateImportCmd)
}

func openState() (*store.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	path, err := cfg.StatePath()
	if err != nil {
		return nil, nil, err
	}
	backend, err := store.NewSQLiteBackend(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	manager, err := store.NewManager(backend, store.ManagerOptions{
		CacheCapacity: cfg.Engine.CacheCapacity,
		// State import should not trigger snapshots.
		AutoSnapshot: false,
		MaxSnapshots: cfg.Engine.MaxSnapshots,
	})
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return manager, func() { _ = manager.Close() }, nil
}
