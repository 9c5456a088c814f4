// Command echoctl records chunk files into a sealed, verifiable artifact and
// verifies artifacts locally or against an echod server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	verbose   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "echoctl",
	Short: "Tamper-evident audio recording CLI",
	Long: `echoctl turns audio chunks into a hash-linked revision chain, optionally
signed and witnessed, and verifies exported chains.

Without --server everything runs in-process; with --server the chain is built
and verified by an echod instance.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.echo")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("echo")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.echo/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "echod base URL; runs in-process when empty")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(deriveKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the echoctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("echoctl %s\n", version)
	},
}
