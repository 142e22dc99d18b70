// Command xfsrepair-core is a thin CLI wrapper around the recovery
// core. The CLI/phase driver is explicitly out of scope for the core
// itself (§1, §6); this wrapper exists so the packages under
// internal/xfs can be exercised manually, the way the teacher ships
// cmd/sqfs alongside its library.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	devicePath string
	noModify   bool
	inoDiscov  bool
)

func main() {
	root := &cobra.Command{
		Use:   "xfsrepair-core",
		Short: "offline recovery core for an extent-based journaled filesystem",
	}
	root.PersistentFlags().StringVar(&devicePath, "device", "", "path to the block device or image")
	root.PersistentFlags().BoolVar(&noModify, "no-modify", false, "dry run: report but do not write corrections")
	root.PersistentFlags().BoolVar(&inoDiscov, "ino-discovery", false, "defer unknown inode numbers instead of treating them as dangling")

	root.AddCommand(scanCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(repairDirCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requireDevice() error {
	if devicePath == "" {
		return fmt.Errorf("--device is required")
	}
	return nil
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "locate the log's head and tail",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDevice(); err != nil {
				return err
			}
			logrus.WithField("device", devicePath).Info("scanning log for head/tail")
			return fmt.Errorf("scan: device I/O wiring is left to the embedding program; see internal/xfs/logscan")
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "replay the log's transactions in two passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDevice(); err != nil {
				return err
			}
			logrus.WithField("device", devicePath).Info("replaying log")
			return fmt.Errorf("replay: device I/O wiring is left to the embedding program; see internal/xfs/logreplay")
		},
	}
}

func repairDirCmd() *cobra.Command {
	var ino uint64
	cmd := &cobra.Command{
		Use:   "repair-dir",
		Short: "validate and repair one directory inode in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDevice(); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"device": devicePath, "ino": ino, "no_modify": noModify}).
				Info("repairing directory")
			return fmt.Errorf("repair-dir: device I/O wiring is left to the embedding program; see internal/xfs/dirrepair")
		},
	}
	cmd.Flags().Uint64Var(&ino, "ino", 0, "directory inode number to repair")
	return cmd
}
