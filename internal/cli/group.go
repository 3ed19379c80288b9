package cli

import (
	"fmt"

	rg "github.com/aws/aws-sdk-go-v2/service/resourcegroups"
	"github.com/spf13/cobra"

	"github.com/t77yq/repeated-alarm/internal/discovery"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage the resource group of opted-in alarms",
}

var groupEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create or update the tag-based resource group",
	RunE:  runGroupEnsure,
}

var groupMembersCmd = &cobra.Command{
	Use:   "members",
	Short: "List the alarms that opted in to repeated notification",
	RunE:  runGroupMembers,
}

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupEnsureCmd)
	groupCmd.AddCommand(groupMembersCmd)
}

func newGroupManager(cmd *cobra.Command) (*discovery.GroupManager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}

	return discovery.NewGroupManager(rg.NewFromConfig(awsCfg), cfg.Discovery.GroupName, cfg.TagFilter, logger), nil
}

func runGroupEnsure(cmd *cobra.Command, _ []string) error {
	groups, err := newGroupManager(cmd)
	if err != nil {
		return err
	}

	if err := groups.EnsureGroup(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Resource group is up to date.")
	return nil
}

func runGroupMembers(cmd *cobra.Command, _ []string) error {
	groups, err := newGroupManager(cmd)
	if err != nil {
		return err
	}

	members, err := groups.Members(cmd.Context())
	if err != nil {
		return err
	}

	for _, arn := range members {
		fmt.Fprintln(cmd.OutOrStdout(), arn)
	}
	return nil
}
