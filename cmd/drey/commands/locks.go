package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/backlog"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/den"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and recover den locks",
	Long: `List the locks currently held in the den, with owner pid, host, and age.

Locks are released automatically; a lock that persists across runs usually
belongs to a crashed process. 'drey locks sweep' releases locks whose
owner process is gone; 'drey locks release' breaks a specific lock by hand.`,
	RunE: runLocksList,
}

var locksReleaseCmd = &cobra.Command{
	Use:   "release <name>",
	Short: "Force-release a lock regardless of owner",
	Long: `Break the named lock even if its owner is still running.

Only do this when you know the owner is gone; breaking a live process's
lock lets two processes mutate the same document at once.`,
	Args: cobra.ExactArgs(1),
	RunE: runLocksRelease,
}

var locksSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release locks owned by dead processes",
	RunE:  runLocksSweep,
}

func init() {
	locksCmd.AddCommand(locksReleaseCmd)
	locksCmd.AddCommand(locksSweepCmd)
	rootCmd.AddCommand(locksCmd)
}

func runLocksList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout := cfg.Layout()

	names, err := den.HeldLocks(layout)
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}

	locks := make([]backlog.LockInfo, 0, len(names))
	for _, name := range names {
		info := backlog.LockInfo{Name: name}
		owner, err := den.InspectLock(layout, name)
		if err == nil {
			info.Owner = owner
		} else if !errors.Is(err, den.ErrNotLocked) {
			// Owner record unreadable; list the lock with unknown owner.
			printer.Warning("lock %s: %v\n", name, err)
		}
		locks = append(locks, info)
	}

	backlog.FormatLockTable(os.Stdout, locks)
	return nil
}

func runLocksRelease(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout := cfg.Layout()
	name := args[0]

	if _, err := den.InspectLock(layout, name); errors.Is(err, den.ErrNotLocked) {
		return printer.Error(
			fmt.Sprintf("lock %q is not held", name),
			"Nothing to release.",
			[]string{"List held locks:\n  drey locks"},
		)
	}

	if err := den.ForceReleaseLock(layout, name); err != nil {
		return err
	}
	printer.Success("Released lock %s\n", name)
	return nil
}

func runLocksSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	released, err := den.SweepDeadLocks(cfg.Layout())
	if err != nil {
		return err
	}
	if len(released) == 0 {
		fmt.Println("No dead locks found")
		return nil
	}
	printer.Success("Released %d dead lock(s): %s\n", len(released), strings.Join(released, ", "))
	return nil
}
