package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/treeland-project/sessiond/internal/audit"
	"github.com/treeland-project/sessiond/internal/config"
	"github.com/treeland-project/sessiond/internal/daemon"
	"github.com/treeland-project/sessiond/internal/ipc"
	"github.com/treeland-project/sessiond/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "treeland-sessiond",
	Short: "Treeland session daemon",
	Long:  `treeland-sessiond arbitrates per-user Wayland sockets, shell surface overlap and the window switcher for one seat`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("treeland-sessiond v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List registered sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd.OutOrStdout())
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <username>",
	Short: "Switch the seat to a user's session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return activateUser(args[0])
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Check the audit log hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path = filepath.Join(cfg.DataDir, "audit.jsonl")
		}
		n, err := audit.Verify(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, chain intact\n", path, n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/treeland/sessiond.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "config warning: %v\n", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config error: %v\n", f)
		}
		return nil, fmt.Errorf("invalid config")
	}
	return cfg, nil
}

// initLogging sends logs to stdout, and also to a rotated file when one is
// configured. The returned writer is nil without a log file.
func initLogging(cfg *config.Config) *logging.RotatingWriter {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
		return nil
	}
	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v\n", cfg.LogFile, err)
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
		return nil
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, io.MultiWriter(os.Stdout, rw))
	return rw
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if rw := initLogging(cfg); rw != nil {
		defer rw.Close()
	}

	log.Info("starting treeland-sessiond", "version", version, "controlSocket", cfg.ControlSocket)

	d, err := daemon.New(cfg, daemon.Options{Version: version})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// request sends one message as a cli peer and returns the reply.
func request(msgType string, payload any) (*ipc.Envelope, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := ipc.Dial(ctx, cfg.ControlSocket, ipc.RoleCLI, "treeland-sessiond")
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.ControlSocket, err)
	}
	defer conn.Close()

	env, err := ipc.Request(ctx, conn, uuid.NewString(), msgType, payload, nil)
	conn.SendTyped(uuid.NewString(), ipc.TypeDisconnect, struct{}{})
	return env, err
}

func printStatus(w io.Writer) error {
	env, err := request(ipc.TypeSessionList, struct{}{})
	if err != nil {
		return err
	}
	var res ipc.SessionListResult
	if err := decodePayload(env, &res); err != nil {
		return err
	}
	return writeYAML(w, res)
}

func activateUser(username string) error {
	if _, err := request(ipc.TypeSessionActivate, ipc.SessionRef{Username: username}); err != nil {
		return err
	}
	fmt.Printf("Activated %s\n", username)
	return nil
}
