package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/watchd"
	"pkt.systems/watchd/internal/svcfields"
	"pkt.systems/watchd/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("WATCHD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "watchd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchd",
		Short: "watchd remote API server",
		Long: `watchd serves the monitoring platform's remote API over HTTP/1.1.

Every flag can also be set through the environment with the WATCHD_ prefix
(dashes become underscores), e.g. WATCHD_LISTEN=:5665.

Examples:

  # Plaintext on the default port with a credential file
  watchd --users users.yaml

  # TLS with client-certificate identities
  watchd --users users.yaml --cert server.crt --key server.key --client-ca ca.crt

  # Expose Prometheus metrics
  watchd --users users.yaml --metrics-listen :9100
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if level, ok := pslog.ParseLevel(logLevel); ok && logLevel != "" {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			cfg := bindConfig()
			server, err := watchd.NewServer(cfg, watchd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), watchd.DefaultShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), watchd.DefaultShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	flags := cmd.Flags()
	flags.String("listen", watchd.DefaultListen, "API listen address")
	flags.String("cert", "", "server TLS certificate (PEM)")
	flags.String("key", "", "server TLS private key (PEM)")
	flags.String("client-ca", "", "CA bundle for verifying client certificates (PEM)")
	flags.String("users", "", "YAML credential store")
	flags.Bool("watch-users", false, "reload the credential store on file change")
	flags.StringSlice("allowed-origin", nil, "origin allowed in access-control responses (repeatable)")
	flags.Int64("max-in-flight", watchd.DefaultMaxInFlight, "maximum concurrently dispatched requests")
	flags.String("header-max", watchd.DefaultHeaderMax, "request header section cap (e.g. 1MiB)")
	flags.String("metrics-listen", watchd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("realm", watchd.DefaultRealm, "authentication realm for WWW-Authenticate challenges")
	flags.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("WATCHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	names := []string{
		"listen", "cert", "key", "client-ca", "users", "watch-users",
		"allowed-origin", "max-in-flight", "header-max", "metrics-listen",
		"realm", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig() watchd.Config {
	return watchd.Config{
		Listen:         viper.GetString("listen"),
		CertFile:       viper.GetString("cert"),
		KeyFile:        viper.GetString("key"),
		ClientCAFile:   viper.GetString("client-ca"),
		UsersFile:      viper.GetString("users"),
		WatchUsers:     viper.GetBool("watch-users"),
		AllowedOrigins: viper.GetStringSlice("allowed-origin"),
		MaxInFlight:    viper.GetInt64("max-in-flight"),
		HeaderMax:      viper.GetString("header-max"),
		MetricsListen:  viper.GetString("metrics-listen"),
		Realm:          viper.GetString("realm"),
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the watchd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Current())
		},
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
