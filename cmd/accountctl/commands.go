package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"copilot2api-go/internal/config"
	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/health"
	"copilot2api-go/internal/probe"
	"copilot2api-go/internal/storage"
	"copilot2api-go/internal/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Every subcommand opens the store itself
// so a failing backend is reported instead of silently falling back.
func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		verbose bool
	)
	root := &cobra.Command{
		Use:          "accountctl",
		Short:        "Manage the copilot2api credential pool",
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetOutput(cmd.ErrOrStderr())
			log.SetLevel(log.WarnLevel)
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.Locate(), "Configuration file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	open := func(ctx context.Context) (*config.Config, *credential.Manager, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
		}
		mgr := credential.NewManager(store)
		if err := mgr.Reload(ctx); err != nil {
			_ = mgr.Close()
			return nil, nil, err
		}
		return cfg, mgr, nil
	}

	root.AddCommand(
		newListCmd(open),
		newAddCmd(open),
		newRemoveCmd(open),
		newReorderCmd(open),
		newProbeCmd(open),
	)
	return root
}

type openFunc func(ctx context.Context) (*config.Config, *credential.Manager, error)

func newListCmd(open openFunc) *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials in priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mgr, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			creds := mgr.List()
			summaries := make([]credential.Summary, 0, len(creds))
			for _, c := range creds {
				summaries = append(summaries, c.Summarize())
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "no credentials")
				return nil
			}
			fmt.Fprintf(out, "%-4s %-38s %-20s %-10s %s\n", "PRI", "ID", "LABEL", "HOST", "TOKEN")
			for _, s := range summaries {
				fmt.Fprintf(out, "%-4d %-38s %-20s %-10s %s\n", s.Priority, s.ID, s.Label, s.Host, s.Token)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	return cmd
}

func newAddCmd(open openFunc) *cobra.Command {
	var in credential.Credential
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a credential at the lowest precedence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mgr, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			added, err := mgr.Add(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (priority %d, token %s)\n", added.ID, added.Priority, credential.Mask(added.Token))
			return nil
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "Credential id (generated when empty)")
	cmd.Flags().StringVar(&in.Label, "label", "", "Display label")
	cmd.Flags().StringVar(&in.Domain, "domain", "", "Enterprise host (empty for the public deployment)")
	cmd.Flags().StringVar(&in.Token, "token", "", "Account token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newRemoveCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mgr, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.Remove(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("remove %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newReorderCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <id>...",
		Short: "Put the named credentials first, in the given order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mgr, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.Reorder(cmd.Context(), args); err != nil {
				return err
			}
			for _, c := range mgr.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", c.Priority, c.ID)
			}
			return nil
		},
	}
}

func newProbeCmd(open openFunc) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe credentials and print their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, mgr, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			creds := mgr.List()
			if id != "" {
				c, ok := mgr.Get(id)
				if !ok {
					return fmt.Errorf("probe %s: %w", id, credential.ErrNotFound)
				}
				creds = []credential.Credential{c}
			}
			def, max := cfg.Health.Bounds()
			p := probe.New(health.NewRegistry(health.Options{DefaultRetry: def, MaxRetry: max}), probe.Options{
				Endpoints: cfg.Upstream.Endpoints(),
				Identity:  cfg.Upstream.Identity(),
				Timeout:   cfg.Probe.Timeout(),
			})
			start := time.Now()
			results := p.ProbeAll(cmd.Context(), creds)
			for _, c := range creds {
				printResult(cmd.OutOrStdout(), results[c.ID])
			}
			summary := probe.RecordRun("cli", results, time.Since(start))
			fmt.Fprintln(cmd.OutOrStdout(), summary.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Probe only this credential")
	return cmd
}

func printResult(w io.Writer, r probe.Result) {
	line := fmt.Sprintf("%-38s %-16s %s", r.ID, r.Status, r.Tier)
	if r.RetryAfter > 0 {
		line += fmt.Sprintf(" retry_after=%s", r.RetryAfter.Round(time.Second))
	}
	if r.DisplayName != "" {
		line += " login=" + r.DisplayName
	}
	if r.Error != "" {
		line += " error=" + r.Error
	}
	fmt.Fprintln(w, line)
}
