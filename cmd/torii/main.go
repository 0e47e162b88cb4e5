// Command torii is the operational CLI for the entity kernel: it applies
// schema migrations, runs migration jobs from configuration files, and
// verifies stored signed reports.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/torii-data/torii"
	"github.com/torii-data/torii/internal/auth"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("TORII_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "torii",
		Short:         "Multi-tenant entity kernel and migration runner",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(logger))
	root.AddCommand(newImportCmd(logger))
	root.AddCommand(newVerifyReportCmd(logger))
	root.AddCommand(newIssueTokenCmd())
	root.AddCommand(newHashAPIKeyCmd())
	return root
}

// openKernel builds a kernel from the environment plus the entity types file.
// New applies embedded schema migrations before returning.
func openKernel(logger *slog.Logger, typesPath string) (*torii.Kernel, error) {
	opts := []torii.Option{
		torii.WithLogger(logger),
		torii.WithVersion(version),
	}
	if typesPath != "" {
		raw, err := os.ReadFile(typesPath)
		if err != nil {
			return nil, fmt.Errorf("read entity types: %w", err)
		}
		var types []torii.EntityType
		if err := yaml.Unmarshal(raw, &types); err != nil {
			return nil, fmt.Errorf("parse entity types: %w", err)
		}
		for _, t := range types {
			opts = append(opts, torii.WithEntityType(t))
		}
	}
	return torii.New(opts...)
}

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(logger, "")
			if err != nil {
				return err
			}
			defer func() { _ = k.Close(context.Background()) }()
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newImportCmd(logger *slog.Logger) *cobra.Command {
	var (
		typesPath   string
		jobPath     string
		recordsPath string
		orgID       string
		actorID     string
		signature   string
		apiKey      string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run one migration job from a YAML definition and a JSON records file",
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("--org: %w", err)
			}
			actor := org
			if actorID != "" {
				if actor, err = uuid.Parse(actorID); err != nil {
					return fmt.Errorf("--actor: %w", err)
				}
			}

			if apiKey != "" {
				hash := os.Getenv("TORII_INGEST_KEY_HASH")
				if hash == "" {
					return fmt.Errorf("--api-key given but TORII_INGEST_KEY_HASH is not set")
				}
				ok, err := auth.VerifyAPIKey(apiKey, hash)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("ingest api key rejected")
				}
			}

			jobRaw, err := os.ReadFile(jobPath)
			if err != nil {
				return fmt.Errorf("read job: %w", err)
			}
			var job torii.MigrationJob
			if err := yaml.Unmarshal(jobRaw, &job); err != nil {
				return fmt.Errorf("parse job: %w", err)
			}

			recordsRaw, err := os.ReadFile(recordsPath)
			if err != nil {
				return fmt.Errorf("read records: %w", err)
			}
			records, err := parseRecords(recordsPath, recordsRaw)
			if err != nil {
				return fmt.Errorf("parse records: %w", err)
			}

			k, err := openKernel(logger, typesPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close(context.Background()) }()

			m := torii.NewMigrator(k)
			if signature != "" && !m.VerifyPayload(signature, recordsRaw) {
				return fmt.Errorf("records payload signature verification failed")
			}

			outcome, err := m.RunJob(cmd.Context(), k.BuildSystemContext(org, actor), job, records)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(map[string]any{
				"job_id":      outcome.JobID,
				"result":      outcome.Result,
				"report_hash": outcome.Report.Hash,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&typesPath, "types", "", "YAML file listing entity type registrations")
	cmd.Flags().StringVar(&jobPath, "job", "", "YAML job definition file")
	cmd.Flags().StringVar(&recordsPath, "records", "", "source records file (.json array or .csv with header row)")
	cmd.Flags().StringVar(&orgID, "org", "", "tenant id")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --org)")
	cmd.Flags().StringVar(&signature, "signature", "", "hex HMAC-SHA256 signature of the records file")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "ingest api key checked against TORII_INGEST_KEY_HASH")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("records")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newVerifyReportCmd(logger *slog.Logger) *cobra.Command {
	var (
		orgID string
		jobID string
	)
	cmd := &cobra.Command{
		Use:   "verify-report",
		Short: "Recompute a stored report's aggregate hash and compare",
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("--org: %w", err)
			}
			job, err := uuid.Parse(jobID)
			if err != nil {
				return fmt.Errorf("--job-id: %w", err)
			}

			k, err := openKernel(logger, "")
			if err != nil {
				return err
			}
			defer func() { _ = k.Close(context.Background()) }()

			ok, err := torii.NewMigrator(k).VerifyReport(cmd.Context(), k.BuildSystemContext(org, org), job)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("report hash mismatch for job %s", job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report verified: job %s\n", job)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "tenant id")
	cmd.Flags().StringVar(&jobID, "job-id", "", "migration job id")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

// parseRecords decodes a records file. CSV files use the header row as field
// names with every value kept as a string; transform chains handle typing.
func parseRecords(path string, raw []byte) ([]map[string]any, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("csv file has no header row")
		}
		header := rows[0]
		records := make([]map[string]any, 0, len(rows)-1)
		for _, row := range rows[1:] {
			rec := make(map[string]any, len(header))
			for i, col := range header {
				if i < len(row) {
					rec[col] = row[i]
				}
			}
			records = append(records, rec)
		}
		return records, nil
	}

	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// newIssueTokenCmd mints a bearer token for an actor, signed with the key
// pair configured via TORII_JWT_PRIVATE_KEY / TORII_JWT_PUBLIC_KEY. With no
// key files configured an ephemeral pair is used, which only the same process
// could verify, so the command requires both paths.
func newIssueTokenCmd() *cobra.Command {
	var (
		orgID  string
		actor  string
		scopes []string
		expiry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a signed bearer token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("--org: %w", err)
			}
			privPath := os.Getenv("TORII_JWT_PRIVATE_KEY")
			pubPath := os.Getenv("TORII_JWT_PUBLIC_KEY")
			if privPath == "" || pubPath == "" {
				return fmt.Errorf("TORII_JWT_PRIVATE_KEY and TORII_JWT_PUBLIC_KEY must be set (run scripts/genkey first)")
			}
			tm, err := auth.NewTokenManager(privPath, pubPath, expiry)
			if err != nil {
				return err
			}
			token, err := tm.Issue(actor, org, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "tenant id")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (uuid)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"entity:read", "entity:write"}, "permission scopes")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// newHashAPIKeyCmd prints the Argon2id hash of an ingest API key. Store the
// hash in TORII_INGEST_KEY_HASH; the import command checks presented keys
// against it.
func newHashAPIKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-api-key <key>",
		Short: "Hash an ingest API key for TORII_INGEST_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
