package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sweeney/pulse-sensor/internal/config"
	"github.com/sweeney/pulse-sensor/internal/mqtt"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a configuration file without touching GPIO or the broker.

Every rejected sensor is reported by name. The exit code is 1 if the file
is invalid or any sensor is rejected.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Broker:   %s\n", cfg.MQTT.Broker)
	fmt.Fprintf(out, "GPIO:     %s\n", cfg.GPIO.Chip)
	fmt.Fprintf(out, "Sensors:  %d accepted, %d rejected\n", len(cfg.Sensors), len(cfg.Rejected))
	for _, s := range cfg.Sensors {
		fmt.Fprintf(out, "  %-20s pin=%-3d type=%-9s every %-6s -> %s\n",
			s.Name, s.PinID(), s.Mode, s.Interval.Duration(), mqtt.SensorTopic(cfg.MQTT.TopicPrefix, s.Name))
	}

	if err := cfg.RejectedError(); err != nil {
		return fmt.Errorf("invalid sensors:\n%w", err)
	}
	return nil
}
