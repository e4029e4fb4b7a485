package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/rpc"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/tbapi"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials DEVICE-ID",
	Short: "Print the access token a device uses to connect to the platform",
	Args:  cobra.ExactArgs(1),

	PreRunE: checkPlatformFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		return doCredentials(args[0])
	},
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
}

func doCredentials(deviceID string) error {
	ctx, cancel := interruptContext()
	defer cancel()

	return withSession(ctx, func(p tbapi.Platform, c rpc.Client) error {
		token, err := p.CredentialsFor(ctx, deviceID)
		if err != nil {
			return err
		}

		fmt.Println(token)
		return nil
	})
}
