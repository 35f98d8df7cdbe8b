package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/username/no-hidden-extensions/internal/flagstore"
	"github.com/username/no-hidden-extensions/internal/remediate"
	"github.com/username/no-hidden-extensions/internal/shell"
	"github.com/username/no-hidden-extensions/internal/startup"
	"go.uber.org/zap"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print whether file extensions are shown",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			shown, err := store.Read(ctx)
			switch {
			case errors.Is(err, flagstore.ErrValueAbsent):
				fmt.Println("File extensions are hidden (the setting is not present, Windows hides them by default)")
				return nil
			case err != nil:
				return fmt.Errorf("failed to read setting: %w", err)
			case shown:
				fmt.Println("File extensions are shown")
			default:
				fmt.Println("File extensions are hidden")
			}
			return nil
		},
	}
}

func fixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix",
		Short: "Show file extensions and restart Explorer",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			r := remediate.New(store, shell.NewController(logger.Named("shell")), remediate.Options{
				ShellProcess: cfg.Remediation.ShellProcess,
				ShellPath:    cfg.Remediation.ShellPath,
				RelaunchWait: cfg.Remediation.GetRelaunchWait(),
				MaxAttempts:  cfg.Remediation.MaxAttempts,
			}, logger.Named("remediate"))

			res, err := r.Run(ctx)
			fmt.Println(res.Message)
			if err != nil {
				return err
			}
			if !res.Changed {
				fmt.Println("The setting was already correct")
			}
			return nil
		},
	}
}

func startupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "startup",
		Short: "Manage running the monitor when you sign in",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Run this executable at sign-in",
		RunE: func(cmd *cobra.Command, args []string) error {
			changed, err := startup.NewRegistration(logger).Enable()
			if err != nil {
				return err
			}
			printChange(changed, "Enabled run at startup", "Run at startup is already enabled")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Stop running this executable at sign-in",
		RunE: func(cmd *cobra.Command, args []string) error {
			changed, err := startup.NewRegistration(logger).Disable()
			if err != nil {
				return err
			}
			printChange(changed, "Disabled run at startup", "Run at startup is already disabled")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print whether this executable runs at sign-in",
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := startup.NewRegistration(logger).IsEnabled()
			if err != nil {
				return err
			}
			logger.Debug("Startup registration checked", zap.Bool("enabled", enabled))
			if enabled {
				fmt.Println("Run at startup: enabled")
			} else {
				fmt.Println("Run at startup: disabled")
			}
			return nil
		},
	})

	return cmd
}

func printChange(changed bool, done, already string) {
	if changed {
		fmt.Println(done)
		return
	}
	fmt.Println(already)
}
