package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ChamsBouzaiene/forge/internal/app"
	"github.com/ChamsBouzaiene/forge/internal/config"
	"github.com/ChamsBouzaiene/forge/internal/logging"
	"github.com/ChamsBouzaiene/forge/internal/providers"
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Multi-agent project generator",
	Long: `forge turns a prompt into a deployed project. Six agents (intake,
research, architect, builder, verifier, deployer) share a versioned
knowledge store; the orchestrator moves a session through their phases,
loops back when the plan misses requirements or verification fails, and
streams every step as an event.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (yaml, json or toml)")
	flags.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flags.String("data-dir", ".forge", "directory for the database, sites, prompts and archived sessions")
	flags.String("provider", "", "LLM provider ("+strings.Join(providers.SupportedProviders(), ", ")+")")
	flags.String("model", "", "default model")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "text", "text or json")
	flags.Bool("json", false, "output JSON")

	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("env-file", flags.Lookup("env-file"))
	_ = viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = viper.BindPFlag("llm.provider", flags.Lookup("provider"))
	_ = viper.BindPFlag("llm.model", flags.Lookup("model"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(versionCmd())
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper(), viper.GetString("config"), viper.GetString("env-file"))
}

// withApp loads the configuration, wires an App and closes it when fn
// returns.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Fprintf(os.Stderr, "Serving forge API on %s (OpenAPI at /v1/openapi.json)\n", a.Config.Server.Addr)
				return a.Serve(ctx)
			})
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("forge", app.Version)
		},
	}
}
