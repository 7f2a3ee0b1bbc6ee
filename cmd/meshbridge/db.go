package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/meshbridge/pkg/config"
	"github.com/cuemby/meshbridge/pkg/storage"
	"github.com/cuemby/meshbridge/pkg/types"
)

// Database commands
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Maintain the packet and node database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the configured database up to the current schema",
	Long: `Open the configured store, which applies any pending schema migrations,
and report the resulting schema version. Running it again is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		version, err := store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s store at %s is at schema version %d\n", cfg.Storage.Backend, cfg.Storage.DataDir, version)
		return nil
	},
}

var dbConvertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Copy a bbolt database into SQLite",
	Long: `Copy every packet, node and contact from the bbolt store into the SQLite
store in the same data directory. An existing SQLite file is backed up
first. Packets already present are skipped, so an interrupted conversion
can be re-run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backupPath, _ := cmd.Flags().GetString("backup")

		srcPath := filepath.Join(cfg.Storage.DataDir, storage.BoltFile)
		dstPath := filepath.Join(cfg.Storage.DataDir, storage.SQLiteFile)
		if _, err := os.Stat(srcPath); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no bbolt database at %s", srcPath)
		}

		fmt.Printf("Source:      %s\n", srcPath)
		fmt.Printf("Destination: %s\n", dstPath)
		fmt.Printf("Dry run:     %v\n", dryRun)

		if !dryRun {
			if _, err := os.Stat(dstPath); err == nil {
				if backupPath == "" {
					backupPath = dstPath + ".backup"
				}
				if err := copyFile(dstPath, backupPath); err != nil {
					return fmt.Errorf("failed to create backup: %w", err)
				}
				fmt.Printf("✓ Backup created at %s\n", backupPath)
			}
		}

		src, err := storage.NewBoltStore(srcPath)
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := storage.NewSQLiteStore(dstPath)
		if err != nil {
			return err
		}
		defer dst.Close()

		stats, err := storage.Convert(cmd.Context(), src, dst, dryRun)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Printf("Packets:  %d\n", stats.Packets)
		fmt.Printf("Nodes:    %d\n", stats.Nodes)
		for _, prov := range types.Provenances() {
			fmt.Printf("Contacts: %d (%s)\n", stats.Contacts[prov], prov)
		}
		if dryRun {
			fmt.Println("\nDry run completed. No changes made.")
			return nil
		}
		fmt.Println("\n✓ Conversion completed successfully!")
		if cfg.Storage.Backend != config.BackendSQLite {
			fmt.Println("Set storage.backend to \"sqlite\" to run on the converted database.")
		}
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbConvertCmd)

	dbConvertCmd.Flags().Bool("dry-run", false, "Show what would be copied without writing")
	dbConvertCmd.Flags().String("backup", "", "Backup path for an existing SQLite file (default: <file>.backup)")
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
