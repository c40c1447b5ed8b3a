package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-gate/agentgate/internal/adapter/outbound/sqlite"
	"github.com/agent-gate/agentgate/internal/config"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit trail entries",
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum entries to show")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.Storage.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(auditLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("audit trail is empty")
		return nil
	}

	for _, e := range entries {
		resolution := e.Resolution
		if resolution == "" {
			resolution = "pending"
		}
		line := fmt.Sprintf("%s  %-8s %-18s %s",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Decision, resolution, e.Signature)
		if e.ResolvedBy != "" {
			line += fmt.Sprintf("  (by %s)", e.ResolvedBy)
		}
		fmt.Println(line)
	}
	return nil
}
