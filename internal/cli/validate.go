package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration OK\n")
	fmt.Fprintf(out, "  Interval:        %ds\n", cfg.Notification.IntervalSeconds)
	fmt.Fprintf(out, "  Tag:             %s\n", cfg.TagFilter)
	fmt.Fprintf(out, "  SNS prefix:      %s\n", cfg.AWS.SNSPrefix())
	fmt.Fprintf(out, "  NATS:            %s\n", cfg.NATS.URL)
	fmt.Fprintf(out, "  Storage:         %s\n", cfg.Storage.Path)
	fmt.Fprintf(out, "  Resource group:  %t\n", cfg.Discovery.ResourceGroup)

	return nil
}
