package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/casechat/internal/profile"
	"github.com/hrygo/casechat/internal/version"
	"github.com/hrygo/casechat/server"
	"github.com/hrygo/casechat/store"
	"github.com/hrygo/casechat/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "casechat",
	Short: "Streaming case assistant: server and terminal client",
	Long: `casechat runs the conversation server and talks to it from the terminal.

Examples:
  casechat serve --mode dev --port 8081
  casechat token --user alice
  casechat conversations list
  casechat chat --conversation <id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversation server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		instanceProfile := loadProfile()
		setupLogger(instanceProfile)
		if err := instanceProfile.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", slog.String("error", err.Error()))
			return err
		}
		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", slog.String("error", err.Error()))
			storeInstance.Close()
			return err
		}

		s, err := server.NewServer(ctx, instanceProfile, storeInstance)
		if err != nil {
			slog.Error("failed to create server", slog.String("error", err.Error()))
			storeInstance.Close()
			return err
		}

		printGreetings(instanceProfile)
		return s.Start(ctx)
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8081)
	viper.SetDefault("server", "http://localhost:8081")

	serveCmd.Flags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	serveCmd.Flags().String("addr", "", "address of server")
	serveCmd.Flags().Int("port", 8081, "port of server")
	serveCmd.Flags().String("data", "", "data directory")
	serveCmd.Flags().String("driver", "sqlite", "database driver")
	serveCmd.Flags().String("dsn", "", "database source name(aka. DSN)")
	serveCmd.Flags().String("secret", "", "secret used to sign access tokens")
	for _, name := range []string{"mode", "addr", "port", "data", "driver", "dsn", "secret"} {
		if err := viper.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.PersistentFlags().String("server", "http://localhost:8081", "base URL of the casechat server")
	rootCmd.PersistentFlags().String("token", "", "access token, see 'casechat token'")
	if err := viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("casechat")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(chatCmd)
}

// loadProfile reads CASECHAT_* variables, then applies flags on top.
func loadProfile() *profile.Profile {
	instanceProfile := &profile.Profile{}
	instanceProfile.FromEnv()
	instanceProfile.Mode = viper.GetString("mode")
	instanceProfile.Addr = viper.GetString("addr")
	instanceProfile.Port = viper.GetInt("port")
	instanceProfile.Data = viper.GetString("data")
	if driver := viper.GetString("driver"); driver != "" {
		instanceProfile.Driver = driver
	}
	if dsn := viper.GetString("dsn"); dsn != "" {
		instanceProfile.DSN = dsn
	}
	if secret := viper.GetString("secret"); secret != "" {
		instanceProfile.Secret = secret
	}
	instanceProfile.Version = version.GetCurrentVersion(instanceProfile.Mode)
	return instanceProfile
}

func setupLogger(instanceProfile *profile.Profile) {
	var handler slog.Handler
	if instanceProfile.Mode == "prod" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

func printGreetings(instanceProfile *profile.Profile) {
	fmt.Printf("casechat %s started successfully!\n", instanceProfile.Version)
	if instanceProfile.IsDev() {
		fmt.Fprintf(os.Stderr, "Development mode is enabled\n")
		fmt.Fprintf(os.Stderr, "Database: %s (%s)\n", instanceProfile.DSN, instanceProfile.Driver)
	}
	if len(instanceProfile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", instanceProfile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", instanceProfile.Addr, instanceProfile.Port)
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
