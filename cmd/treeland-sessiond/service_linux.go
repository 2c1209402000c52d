//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treeland-project/sessiond/internal/config"
)

const (
	linuxBinaryPath  = "/usr/local/bin/treeland-sessiond"
	linuxUnitDst     = "/etc/systemd/system/treeland-sessiond.service"
	linuxConfigDir   = "/etc/treeland"
	linuxDataDir     = "/var/lib/treeland"
	linuxRuntimeDir  = "/run/treeland"
	linuxServiceName = "treeland-sessiond"
)

const linuxUnit = `[Unit]
Description=Treeland session daemon
After=systemd-logind.service
Wants=systemd-logind.service
Before=display-manager.service

[Service]
Type=notify
NotifyAccess=main
ExecStart=/usr/local/bin/treeland-sessiond run
Restart=on-failure
RestartSec=2
StartLimitIntervalSec=60
StartLimitBurst=5
RuntimeDirectory=treeland
RuntimeDirectoryPreserve=yes

ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=/var/lib/treeland /run/treeland
PrivateTmp=true
NoNewPrivileges=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=treeland-sessiond

[Install]
WantedBy=graphical.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the treeland-sessiond systemd service",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the daemon as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo treeland-sessiond service install)")
		}

		for _, dir := range []string{linuxConfigDir, linuxDataDir, linuxRuntimeDir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := os.Chmod(linuxDataDir, 0700); err != nil {
			return fmt.Errorf("failed to set permissions on %s: %w", linuxDataDir, err)
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		if exePath != linuxBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(linuxBinaryPath, data, 0755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", linuxBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", linuxBinaryPath)
		}

		cfgPath := filepath.Join(linuxConfigDir, "sessiond.yaml")
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if err := config.SaveTo(config.Default(), cfgPath); err != nil {
				return fmt.Errorf("failed to write default config: %w", err)
			}
			fmt.Printf("Default config written to %s\n", cfgPath)
		}

		if err := os.WriteFile(linuxUnitDst, []byte(linuxUnit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if out, err := exec.Command("systemctl", "daemon-reload").CombinedOutput(); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", strings.TrimSpace(string(out)))
		}
		if out, err := exec.Command("systemctl", "enable", linuxServiceName).CombinedOutput(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to enable service: %s\n", strings.TrimSpace(string(out)))
		}

		fmt.Println()
		fmt.Println("treeland-sessiond service installed and enabled.")
		fmt.Println("  Start:  sudo systemctl start treeland-sessiond")
		fmt.Println("  Logs:   journalctl -u treeland-sessiond -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo treeland-sessiond service uninstall)")
		}

		exec.Command("systemctl", "stop", linuxServiceName).Run()
		exec.Command("systemctl", "disable", linuxServiceName).Run()
		os.Remove(linuxUnitDst)
		exec.Command("systemctl", "daemon-reload").Run()
		os.Remove(linuxBinaryPath)

		fmt.Println("treeland-sessiond service uninstalled.")
		fmt.Printf("Config at %s and audit trail at %s were preserved.\n", linuxConfigDir, linuxDataDir)
		return nil
	},
}
