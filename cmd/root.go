// File: cmd/root.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/taskfleet/agent/api/schemas"
	"github.com/taskfleet/agent/internal/automation"
	"github.com/taskfleet/agent/internal/config"
	"github.com/taskfleet/agent/internal/observability"
	"github.com/taskfleet/agent/internal/runner"
	"github.com/taskfleet/agent/internal/transport"
)

var (
	cfgFile string
	cfg     *config.Config

	codec = jsoniter.ConfigCompatibleWithStandardLibrary
)

// rootCmd runs the agent: connect, register, execute assigned tasks until
// interrupted.
var rootCmd = &cobra.Command{
	Use:     "agent",
	Short:   "Taskfleet agent executes dispatcher-assigned automation tasks.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return err
		}

		loaded, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			// Fall back to a usable logger so the failure is visible.
			observability.InitializeLogger(config.LoggerConfig{
				Level: "info", Format: "console", ServiceName: "taskfleet-agent",
			})
			return err
		}
		cfg = loaded

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Info("Starting taskfleet agent",
			zap.String("version", Version),
			zap.String("device_id", cfg.Device.ID))
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context(), cfg)
	},
}

// Execute runs the root command under the given context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.Flags().String("server", "", "dispatcher websocket endpoint")
	rootCmd.Flags().String("device-id", "", "stable device identifier")
	rootCmd.Flags().String("device-name", "", "device display name")
	rootCmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("server.endpoint", rootCmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("device.id", rootCmd.Flags().Lookup("device-id"))
	_ = viper.BindPFlag("device.name", rootCmd.Flags().Lookup("device-name"))
	_ = viper.BindPFlag("logger.level", rootCmd.Flags().Lookup("log-level"))

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// initializeConfig reads in the config file and AGENT_* environment variables.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults, flags, and env vars carry the load.
	}
	return nil
}

// runAgent wires the components together and blocks until ctx is cancelled.
func runAgent(ctx context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()

	router := transport.NewRouter(logger)
	session := transport.NewSession(router, logger)
	session.Initialize(cfg.Server.Endpoint, cfg.Device.Identity(), transport.Options{
		ConnectTimeout:    cfg.Server.ConnectTimeout,
		ReconnectAttempts: cfg.Server.ReconnectAttempts,
		ReconnectDelay:    cfg.Server.ReconnectDelay,
		WriteTimeout:      cfg.Server.WriteTimeout,
	})

	engine := automation.NewEngine(
		automation.NewSessionFactory(cfg.Browser, logger),
		cfg.Tasks,
		logger,
	)
	jobs := runner.New(engine, router, logger)

	router.SubscribeTasks(jobs.AcceptTask)
	router.SubscribeMessages(func(event string, data json.RawMessage) {
		if event != schemas.EventCancelTask {
			return
		}
		var p schemas.CancelPayload
		if err := codec.Unmarshal(data, &p); err != nil {
			logger.Warn("discarding malformed cancel_task payload", zap.Error(err))
			return
		}
		jobs.CancelTask(p.TaskID)
	})
	router.SubscribeConnection(func(connected bool) {
		logger.Info("dispatcher connection state changed", zap.Bool("connected", connected))
	})

	session.Connect()

	heartbeat := time.NewTicker(cfg.Server.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down agent")
			jobs.CancelAll()
			jobs.Wait()
			session.Disconnect()
			return nil
		case <-heartbeat.C:
			session.SendHeartbeat()
		}
	}
}
