package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/borrowdesk/locatefee/internal/audit"
	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/persistence"
	"github.com/borrowdesk/locatefee/internal/persistence/postgres"
)

func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail operations",
	}
	auditCmd.AddCommand(newAuditReplayCmd())
	auditCmd.AddCommand(newAuditAnalyzeCmd())
	return auditCmd
}

func newAuditReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Re-submit spooled audit records to the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			sink := audit.NewSink(
				postgres.NewAuditRepo(db, cfg.Database.QueryTimeout()),
				audit.NewSpool(cfg.Audit.SpoolPath),
				nil)

			persisted, err := sink.Replay(cmd.Context())
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			log.Info().Int("persisted", persisted).Msg("spool replay complete")
			return nil
		},
	}
}

// analysisReport is the audit analyze output.
type analysisReport struct {
	Records           int                  `json:"records"`
	FallbackFrequency decimal.Decimal      `json:"fallback_frequency"`
	TopSources        []audit.SourceCount  `json:"top_fallback_sources"`
	RateDifference    audit.RateDifference `json:"rate_difference"`
}

func newAuditAnalyzeCmd() *cobra.Command {
	var (
		clientID string
		ticker   string
		since    string
		top      int
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Summarize fallback usage across the audit trail",
		Long: `Reads the audit trail and reports how often fallback data sources
were used, which sources substituted most, and how fallback pricing
compared to normal pricing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			repo := postgres.NewAuditRepo(db, cfg.Database.QueryTimeout())

			filter := persistence.AuditFilter{ClientID: clientID, Ticker: ticker}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must be RFC3339: %w", err)
				}
				filter.From = &t
			}

			records, err := collectAll(cmd.Context(), repo, filter)
			if err != nil {
				return err
			}

			report := analysisReport{
				Records:           len(records),
				FallbackFrequency: audit.FallbackFrequency(records),
				TopSources:        audit.TopFallbackSources(records, top),
				RateDifference:    audit.FallbackRateDifference(records),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "restrict to one client")
	cmd.Flags().StringVar(&ticker, "ticker", "", "restrict to one ticker")
	cmd.Flags().StringVar(&since, "since", "", "restrict to records at or after this RFC3339 time")
	cmd.Flags().IntVar(&top, "top", 10, "number of top fallback sources to report")
	return cmd
}

// collectAll pages through the filtered audit trail.
func collectAll(ctx context.Context, repo persistence.AuditRepo, filter persistence.AuditFilter) ([]domain.AuditRecord, error) {
	var all []domain.AuditRecord
	page := persistence.Page{Number: 1, Size: persistence.MaxPageSize}
	for {
		records, total, err := repo.List(ctx, filter, page)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if len(all) >= total || len(records) == 0 {
			return all, nil
		}
		page.Number++
	}
}
