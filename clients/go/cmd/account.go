package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	registerCmd.Flags().String("email", "", "optional contact email")
	rootCmd.AddCommand(registerCmd, whoCmd, healthCmd, statsCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Generate a keypair and register it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		ctx, cancel := requestContext(cmd)
		defer cancel()

		client := newClient()
		resp, err := client.Register(ctx, args[0], email)
		if err != nil {
			return err
		}
		fmt.Printf("Registered as: %s\n", resp.ID)
		fmt.Printf("Credentials saved in %s\n", client.ConfigDir)
		return nil
	},
}

var whoCmd = &cobra.Command{
	Use:   "who [user-id]",
	Short: "Show a user's profile (yours by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		id := client.UserID
		if len(args) == 1 {
			id = args[0]
		}
		if id == "" {
			return fmt.Errorf("not registered: pass a user ID or run register first")
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		profile, err := client.Who(ctx, id)
		if err != nil {
			return err
		}
		printJSON(profile)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		resp, err := newClient().Health(ctx)
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show platform statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		stats, err := newClient().Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d users), last activity %s\n", stats.Summary, stats.TotalUsers, stats.LastActivity)
		return nil
	},
}
