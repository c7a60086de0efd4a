package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "PROGRESS"

type Config struct {
	ClientID string `mapstructure:"client_id"`
	Region   string `mapstructure:"region"`
	UserID   string `mapstructure:"user_id"`

	BaseURL     string `mapstructure:"base_url"`
	AppURL      string `mapstructure:"app_url"`
	PushURL     string `mapstructure:"push_url"`
	DeliveryURL string `mapstructure:"delivery_url"`

	CurrentVersion        string `mapstructure:"current_version"`
	PackagePath           string `mapstructure:"package_path"`
	AutoUpdate            bool   `mapstructure:"auto_update"`
	CheckIntervalSeconds  int    `mapstructure:"check_interval_seconds"`
	AutoApplyDelaySeconds int    `mapstructure:"auto_apply_delay_seconds"`
	FetchTimeoutSeconds   int    `mapstructure:"fetch_timeout_seconds"`

	NotificationPermission string `mapstructure:"notification_permission"`
	EventQueueSize         int    `mapstructure:"event_queue_size"`

	DataDir       string `mapstructure:"data_dir"`
	LogFormat     string `mapstructure:"log_format"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
	// ControlAddr serves the local notification control API. Loopback only.
	ControlAddr string `mapstructure:"control_addr"`

	Reminders RemindersConfig `mapstructure:"reminders"`
	Release   ReleaseConfig   `mapstructure:"release"`
	Verify    VerifyConfig    `mapstructure:"verify"`
}

type RemindersConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	DailySchedule    string `mapstructure:"daily_schedule"`
	ProgressSchedule string `mapstructure:"progress_schedule"`
	DailyTitle       string `mapstructure:"daily_title"`
	DailyBody        string `mapstructure:"daily_body"`
}

// ReleaseConfig drives `progress-release publish`.
type ReleaseConfig struct {
	VersionFile       string         `mapstructure:"version_file"`
	NotesFile         string         `mapstructure:"notes_file"`
	Changes           []string       `mapstructure:"changes"`
	DownloadURL       string         `mapstructure:"download_url"`
	ArtifactPath      string         `mapstructure:"artifact_path"`
	Size              int64          `mapstructure:"size"`
	Checksum          string         `mapstructure:"checksum"`
	Critical          bool           `mapstructure:"critical"`
	RolloutPercentage int            `mapstructure:"rollout_percentage"`
	RolloutRegions    []string       `mapstructure:"rollout_regions"`
	Targets           []TargetConfig `mapstructure:"targets"`
	// LedgerFile receives a hash-chained record of every publish. Empty
	// disables it.
	LedgerFile string `mapstructure:"ledger_file"`
}

// TargetConfig describes one place the manifest is published to.
type TargetConfig struct {
	Type             string `mapstructure:"type"` // local, s3, gcs, azblob, b2
	Path             string `mapstructure:"path"`
	Bucket           string `mapstructure:"bucket"`
	Prefix           string `mapstructure:"prefix"`
	Region           string `mapstructure:"region"`
	Endpoint         string `mapstructure:"endpoint"`
	ConnectionString string `mapstructure:"connection_string"`
	AccountID        string `mapstructure:"account_id"`
	ApplicationKey   string `mapstructure:"application_key"`
}

type VerifyConfig struct {
	AgentScripts          []string `mapstructure:"agent_scripts"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
}

func Default() *Config {
	return &Config{
		BaseURL:                "http://localhost:8080",
		AppURL:                 "http://localhost:8080",
		CurrentVersion:         "0.0.0",
		CheckIntervalSeconds:   30 * 60,
		AutoApplyDelaySeconds:  5,
		FetchTimeoutSeconds:    10,
		NotificationPermission: "prompt",
		EventQueueSize:         256,
		DataDir:                GetDataDir(),
		LogFormat:              "text",
		LogLevel:               "info",
		LogMaxSizeMB:           50,
		LogMaxBackups:          3,
		ControlAddr:            "127.0.0.1:7391",
		Reminders: RemindersConfig{
			DailySchedule:    "0 20 * * *",
			ProgressSchedule: "@every 1h",
			DailyTitle:       "Daily check-in",
			DailyBody:        "Take a minute to log today's progress.",
		},
		Release: ReleaseConfig{
			VersionFile:       "package.json",
			RolloutPercentage: 100,
			RolloutRegions:    []string{"all"},
			Targets:           []TargetConfig{{Type: "local", Path: "public"}},
			LedgerFile:        "release-ledger.jsonl",
		},
		Verify: VerifyConfig{
			AgentScripts:          []string{"sw.js", "sw-push.js"},
			RequestTimeoutSeconds: 10,
		},
	}
}

func newViper(cfgFile string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func Load(cfgFile string) (*Config, error) {
	v := newViper(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Watch reloads the config whenever the file changes and hands the result to
// onChange. Reload failures are passed as errors and the old config stays in
// effect. It returns the initial config.
func Watch(cfgFile string, onChange func(*Config, error)) (*Config, error) {
	v := newViper(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// nothing to watch
			return decode(v)
		}
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(fsnotify.Event) {
		onChange(decode(v))
	})
	v.WatchConfig()
	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo persists the client-facing settings. Release and verify settings
// belong to the build pipeline and are never rewritten by the agent.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("client_id", cfg.ClientID)
	v.Set("region", cfg.Region)
	v.Set("user_id", cfg.UserID)
	v.Set("base_url", cfg.BaseURL)
	v.Set("app_url", cfg.AppURL)
	v.Set("push_url", cfg.PushURL)
	v.Set("delivery_url", cfg.DeliveryURL)
	v.Set("current_version", cfg.CurrentVersion)
	v.Set("package_path", cfg.PackagePath)
	v.Set("auto_update", cfg.AutoUpdate)
	v.Set("check_interval_seconds", cfg.CheckIntervalSeconds)
	v.Set("auto_apply_delay_seconds", cfg.AutoApplyDelaySeconds)
	v.Set("fetch_timeout_seconds", cfg.FetchTimeoutSeconds)
	v.Set("notification_permission", cfg.NotificationPermission)
	v.Set("event_queue_size", cfg.EventQueueSize)
	v.Set("data_dir", cfg.DataDir)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_file", cfg.LogFile)
	v.Set("metrics_addr", cfg.MetricsAddr)
	v.Set("control_addr", cfg.ControlAddr)
	v.Set("reminders", map[string]any{
		"enabled":           cfg.Reminders.Enabled,
		"daily_schedule":    cfg.Reminders.DailySchedule,
		"progress_schedule": cfg.Reminders.ProgressSchedule,
		"daily_title":       cfg.Reminders.DailyTitle,
		"daily_body":        cfg.Reminders.DailyBody,
	})

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Progress")
	case "darwin":
		return "/Library/Application Support/Progress"
	default:
		return "/etc/progress"
	}
}

// GetDataDir returns the platform-specific directory for the durable store.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Progress", "data")
	case "darwin":
		return "/Library/Application Support/Progress/data"
	default:
		return "/var/lib/progress-agent"
	}
}
