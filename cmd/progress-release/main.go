package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dar-k-dev/p-progress/internal/audit"
	"github.com/dar-k-dev/p-progress/internal/config"
	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/publisher"
	"github.com/dar-k-dev/p-progress/internal/verifier"
)

var (
	version = "0.1.0"
	cfgFile string

	referenceVersion string
	strict           bool
)

// errChecksFailed makes main exit 1 without printing anything further.
var errChecksFailed = errors.New("verification failed")

var rootCmd = &cobra.Command{
	Use:           "progress-release",
	Short:         "Publish and verify P-Progress releases",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the update manifest for the current release version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return publish(cmd.Context())
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <base-url>",
	Short: "Check a deployment's manifest, version record and agent scripts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return verify(cmd.Context(), args[0])
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger [path]",
	Short: "Check the integrity of the release ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.Release.LedgerFile
		}
		if path == "" {
			return errors.New("no ledger file configured")
		}
		n, err := audit.Verify(path)
		if err != nil {
			return err
		}
		fmt.Printf("Ledger %s: %d entries, chain intact\n", path, n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("progress-release v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./agent.yaml)")
	verifyCmd.Flags().StringVar(&referenceVersion, "reference-version", "", "version the deployment is expected to serve")
	verifyCmd.Flags().BoolVar(&strict, "strict", false, "exit 1 if any check fails or the version does not match")

	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errChecksFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	result := cfg.ValidateTiered()
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	for _, w := range result.Warnings {
		logging.L("main").Warn("config", logging.KeyError, w)
	}
	if result.HasFatals() {
		return nil, errors.Join(result.Fatals...)
	}
	return cfg, nil
}

func publish(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rel, err := publisher.ReleaseFromConfig(cfg.Release)
	if err != nil {
		return err
	}
	pub, err := publisher.FromConfig(ctx, cfg.Release)
	if err != nil {
		return err
	}
	res, err := pub.Publish(ctx, rel)
	if err != nil {
		return err
	}

	m := res.Manifest
	if cfg.Release.LedgerFile != "" {
		ledger, err := audit.Open(cfg.Release.LedgerFile)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		ledger.Log(audit.EventReleasePublished, m.Version, map[string]any{
			"buildHash": m.BuildHash,
			"critical":  m.Critical,
			"rollout":   m.Rollout.Percentage,
			"targets":   res.Targets,
		})
		ledger.Close()
	}

	fmt.Printf("Published %s (build %s)\n", m.Version, m.BuildHash)
	for _, t := range res.Targets {
		fmt.Printf("  -> %s\n", t)
	}
	return nil
}

func verify(ctx context.Context, baseURL string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	v := verifier.New(verifier.Config{
		Scripts: cfg.Verify.AgentScripts,
		Timeout: time.Duration(cfg.Verify.RequestTimeoutSeconds) * time.Second,
	})
	report, err := v.Verify(ctx, baseURL, referenceVersion)
	if err != nil {
		return err
	}
	if err := report.Render(os.Stdout); err != nil {
		return err
	}
	if strict && !report.OK() {
		return errChecksFailed
	}
	return nil
}
