// Command pulse-sensor counts pulses on GPIO inputs and publishes totals and
// pulse frequencies to MQTT.
//
// Usage:
//
//	pulse-sensor run -c pulse.yaml      # Start the daemon
//	pulse-sensor validate -c pulse.yaml # Check a config file
//	pulse-sensor version                # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
)

// rootCmd only displays help; functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "pulse-sensor",
	Short: "GPIO pulse counter publishing to MQTT",
	Long: `pulse-sensor counts edges on GPIO input lines (flow meters, gas meters,
encoders, tachometers) and publishes either the running total or the pulse
frequency of each configured sensor to MQTT.

Example config:
  mqtt:
    broker: tcp://192.168.1.200:1883
    topic_prefix: home/pulse
  sensors:
    - name: water_meter
      pin: 17
    - name: water_flow
      pin: 17
      type: frequency
      interval: 5s`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pulse-sensor %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}
