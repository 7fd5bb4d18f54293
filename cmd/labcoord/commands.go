// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	coordinator "github.com/AleutianAI/labcoord/services/coordinator"
	"github.com/AleutianAI/labcoord/services/coordinator/config"
)

// --- Global Command Variables ---
var (
	configPath    string
	cleanupMaxAge time.Duration
	submitType    string
	submitPayload string

	rootCmd = &cobra.Command{
		Use:   "labcoord",
		Short: "Resource-aware coordination for distributed analysis agents",
		Long: `labcoord gates heavy analysis work on local memory pressure, keeps
submitted tasks durable while the shared backend is down, and aggregates
lab reports into a ranked digest.`,
		SilenceUsage: true,
	}

	// --- Service ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP service and background loops",
		RunE:  runServe,
	}

	// --- Inspection ---
	stateCmd = &cobra.Command{
		Use:   "state",
		Short: "Sample local resources and print the admission state",
		RunE:  runState,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print fallback store counts",
		RunE:  runStats,
	}

	// --- Maintenance ---
	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete recovered and expired rows from the fallback store",
		RunE:  runCleanup,
	}
	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Re-push pending fallback tasks to the backend once",
		RunE:  runReconcile,
	}
	submitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Submit one analysis task",
		RunE:  runSubmit,
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after env overrides",
		RunE:  runConfigShow,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "labcoord.yaml",
		"Path to the YAML configuration (missing file means defaults)")

	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 24*time.Hour,
		"Delete rows older than this regardless of status")

	submitCmd.Flags().StringVar(&submitType, "type", "", "Task type (required)")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "{}", "Task payload as a JSON object")
	_ = submitCmd.MarkFlagRequired("type")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(serveCmd, stateCmd, statsCmd, cleanupCmd, reconcileCmd, submitCmd, configCmd)
}

// =============================================================================
// Command Implementations
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	svc, err := coordinator.New(cfg, &coordinator.Options{ConfigPath: configPath})
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func runState(cmd *cobra.Command, _ []string) error {
	return withService(func(ctx context.Context, svc coordinator.Service) error {
		snap, err := svc.Supervisor().GetResourceState(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), snap)
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	return withService(func(ctx context.Context, svc coordinator.Service) error {
		stats, err := svc.Supervisor().FallbackStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	})
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	if cleanupMaxAge < 0 {
		return fmt.Errorf("--max-age must not be negative")
	}
	return withService(func(ctx context.Context, svc coordinator.Service) error {
		deleted, err := svc.Supervisor().Cleanup(ctx, cleanupMaxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d rows\n", deleted)
		return nil
	})
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	return withService(func(ctx context.Context, svc coordinator.Service) error {
		recovered, err := svc.Supervisor().Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recovered %d tasks\n", recovered)
		return nil
	})
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(submitPayload), &payload); err != nil {
		return fmt.Errorf("--payload must be a JSON object: %w", err)
	}
	return withService(func(ctx context.Context, svc coordinator.Service) error {
		if err := svc.Supervisor().SubmitTask(ctx, submitType, payload); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", submitType)
		return nil
	})
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Backend.Password = redact(cfg.Backend.Password)
	cfg.Influx.Token = redact(cfg.Influx.Token)
	cfg.Service.OperatorToken = redact(cfg.Service.OperatorToken)
	cfg.Service.ReaderToken = redact(cfg.Service.ReaderToken)
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

// =============================================================================
// Helpers
// =============================================================================

// withService builds a short-lived service for one-shot commands. No loops
// are started.
func withService(fn func(ctx context.Context, svc coordinator.Service) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Service.LogLevel = "warn"
	svc, err := coordinator.New(cfg, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
