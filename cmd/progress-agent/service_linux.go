//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const (
	linuxBinaryPath  = "/usr/local/bin/progress-agent"
	linuxUnitDst     = "/etc/systemd/system/progress-agent.service"
	linuxConfigDir   = "/etc/progress"
	linuxDataDir     = "/var/lib/progress-agent"
	linuxServiceName = "progress-agent"
)

const linuxUnit = `[Unit]
Description=P-Progress Agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/usr/local/bin/progress-agent run
WorkingDirectory=/var/lib/progress-agent
Restart=on-failure
RestartSec=5
StartLimitIntervalSec=60
StartLimitBurst=5

ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=/etc/progress /var/lib/progress-agent
PrivateTmp=true
NoNewPrivileges=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=progress-agent

[Install]
WantedBy=multi-user.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the agent system service (systemd)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStartCmd, serviceStopCmd, serviceStatusCmd)
}

func requireRoot(action string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root (sudo progress-agent service %s)", action)
	}
	return nil
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("install"); err != nil {
			return err
		}
		for _, dir := range []string{linuxConfigDir, linuxDataDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := os.Chmod(linuxConfigDir, 0o700); err != nil {
			return fmt.Errorf("failed to set permissions on %s: %w", linuxConfigDir, err)
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		if exePath, err = filepath.EvalSymlinks(exePath); err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		if exePath != linuxBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(linuxBinaryPath, data, 0o755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", linuxBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", linuxBinaryPath)
		}

		if err := os.WriteFile(linuxUnitDst, []byte(linuxUnit), 0o644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if err := systemctl("daemon-reload"); err != nil {
			return err
		}
		if err := systemctl("enable", linuxServiceName); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		fmt.Println()
		fmt.Println("Agent service installed and enabled.")
		fmt.Println("  Start:  sudo progress-agent service start")
		fmt.Println("  Logs:   journalctl -u progress-agent -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the agent systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("uninstall"); err != nil {
			return err
		}
		// best-effort: the unit may already be stopped or disabled
		_ = systemctl("stop", linuxServiceName)
		_ = systemctl("disable", linuxServiceName)
		os.Remove(linuxUnitDst)
		_ = systemctl("daemon-reload")
		os.Remove(linuxBinaryPath)

		fmt.Println("Agent service uninstalled.")
		fmt.Printf("Config in %s and data in %s were preserved.\n", linuxConfigDir, linuxDataDir)
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("start"); err != nil {
			return err
		}
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'sudo progress-agent service install' first")
		}
		if err := systemctl("start", linuxServiceName); err != nil {
			return err
		}
		fmt.Println("Agent service started.")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("stop"); err != nil {
			return err
		}
		if err := systemctl("stop", linuxServiceName); err != nil {
			return err
		}
		fmt.Println("Agent service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// systemctl status exits non-zero for a stopped unit
		out, _ := exec.Command("systemctl", "status", linuxServiceName, "--no-pager").CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}
