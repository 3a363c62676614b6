// Package cmd implements the atmsim command line.
package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/iti/atmnet"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile string
	v       = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "atmsim",
	Short: "atmsim runs simulations of IP traffic carried over ATM virtual circuits",
	Long: `atmsim builds a network of end systems and switches from a topology file,
applies experiment parameters and static routes, starts the configured IP flows
and runs the simulation to a stop time.  Virtual circuits are set up on demand
by hop-by-hop signaling and carry datagrams as 48 byte cells.

Every flag may also be given in a config file (--config) or in the environment,
prefixed ATMSIM_ (e.g., ATMSIM_LOG_LEVEL=debug).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		return setupLogging(v.GetString("log-level"), v.GetString("log-file"))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file holding flag values")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-file", "", "write the log to this file, rotated, instead of stderr")

	rootCmd.AddCommand(runCmd)
}

// loadConfig binds the command's flags to viper, then reads the config file and environment
func loadConfig(cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	v.SetEnvPrefix("ATMSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if len(cfgFile) == 0 {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading config file %s", cfgFile)
	}
	return nil
}

// setupLogging points the package logger at stderr or at a rotating file
func setupLogging(level, logFile string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}

	var out io.Writer = os.Stderr
	if len(logFile) > 0 {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		}
	}

	lg := logrus.New()
	lg.SetOutput(out)
	lg.SetLevel(lvl)
	lg.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	atmnet.SetLogger(lg)
	return nil
}
