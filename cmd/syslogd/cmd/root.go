package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "syslogd",
	Short: "TelHawk syslog collector",
	Long: `syslogd ingests syslog from network devices over UDP, TCP and TLS,
normalizes both RFC 3164 and RFC 5424 wire formats, retains events under a
configurable size ceiling, evaluates filter rules and forwards matching
events to external collectors.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the syslogd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("syslogd %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
