package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dar-k-dev/p-progress/internal/config"
	"github.com/dar-k-dev/p-progress/internal/delivery"
	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/orchestrator"
	"github.com/dar-k-dev/p-progress/internal/push"
	"github.com/dar-k-dev/p-progress/internal/store"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "progress-agent",
	Short: "P-Progress background agent",
	Long:  `progress-agent delivers P-Progress notifications and keeps the client up to date.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("P-Progress Agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show installed version, subscription and pending deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Ask for notification permission and register for push",
	RunE: func(cmd *cobra.Command, args []string) error {
		return subscribe(cmd.Context())
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe",
	Short: "Remove the push registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(cfg *config.Config, st *store.Store) error {
			if err := newPushManager(cfg, st, nil).Unsubscribe(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Unsubscribed.")
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for an update once and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkOnce(cmd.Context())
	},
}

var autoUpdateCmd = &cobra.Command{
	Use:       "autoupdate on|off",
	Short:     "Turn automatic installation of updates on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAutoUpdate(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/progress/agent.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(unsubscribeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(autoUpdateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config. Fatal problems are returned;
// corrected values are logged.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	return cfg, nil
}

func validate(cfg *config.Config) error {
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config", logging.KeyError, w)
	}
	if result.HasFatals() {
		return errors.Join(result.Fatals...)
	}
	return nil
}

func withStore(fn func(*config.Config, *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{Path: cfg.DataDir, SyncWrites: true})
	if err != nil {
		return fmt.Errorf("%w (is the agent running?)", err)
	}
	defer st.Close()
	return fn(cfg, st)
}

func newPushManager(cfg *config.Config, st *store.Store, prompter push.Prompter) *push.Manager {
	if prompter == nil {
		prompter = push.ConfiguredPrompter(cfg.NotificationPermission)
	}
	return push.NewManager(push.Config{
		PushURL:  cfg.PushURL,
		ClientID: clientID(cfg),
		UserID:   cfg.UserID,
	}, st, prompter)
}

func clientID(cfg *config.Config) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return orchestrator.DefaultClientID()
}

func showStatus() error {
	return withStore(func(cfg *config.Config, st *store.Store) error {
		installed, err := st.InstalledVersion(cfg.CurrentVersion)
		if err != nil {
			return err
		}
		fmt.Printf("Installed version: %s\n", installed)
		fmt.Printf("Client ID: %s\n", clientID(cfg))
		fmt.Printf("Auto-update: %t\n", cfg.AutoUpdate)

		mgr := newPushManager(cfg, st, nil)
		perm, err := mgr.Permission()
		if err != nil {
			return err
		}
		if perm == "" {
			perm = "not decided"
		}
		fmt.Printf("Notifications: %s\n", perm)
		if sub, err := mgr.Current(); err == nil {
			fmt.Printf("Push endpoint: %s (since %s)\n", sub.Endpoint, sub.CreatedAt.Format(time.RFC3339))
		} else {
			fmt.Println("Push endpoint: not subscribed")
		}

		pending, err := delivery.NewQueue(st).Len()
		if err != nil {
			return err
		}
		fmt.Printf("Pending deliveries: %d\n", pending)
		return nil
	})
}

func subscribe(ctx context.Context) error {
	return withStore(func(cfg *config.Config, st *store.Store) error {
		var prompter push.Prompter
		if strings.EqualFold(cfg.NotificationPermission, "prompt") && hasConsole() {
			prompter = push.TerminalPrompter{In: os.Stdin, Out: os.Stdout}
		}
		mgr := newPushManager(cfg, st, prompter)

		perm, err := mgr.RequestPermission(ctx)
		if err != nil {
			return err
		}
		if perm != push.PermissionGranted {
			fmt.Println("Notifications are blocked; push stays off.")
			return nil
		}
		sub, err := mgr.Subscribe(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Subscribed: %s\n", sub.Endpoint)
		return nil
	})
}

func checkOnce(ctx context.Context) error {
	return withStore(func(cfg *config.Config, st *store.Store) error {
		orch := newOrchestrator(cfg, st)
		defer orch.Close()

		state, err := orch.Check(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Installed: %s\n", state.InstalledVersion)
		if state.Phase != orchestrator.PhaseAvailable || state.Available == nil {
			fmt.Println("Up to date.")
			return nil
		}
		m := state.Available
		fmt.Printf("Available: %s", m.Version)
		if m.Critical {
			fmt.Print(" (critical)")
		}
		fmt.Println()
		for _, c := range m.Changes {
			fmt.Printf("  - %s\n", c)
		}
		return nil
	})
}

func setAutoUpdate(arg string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	switch arg {
	case "on":
		cfg.AutoUpdate = true
	case "off":
		cfg.AutoUpdate = false
	default:
		return fmt.Errorf("expected on or off, got %q", arg)
	}
	if err := config.SaveTo(cfg, cfgFile); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Auto-update %s.\n", arg)
	return nil
}
