package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair [payload]",
		Short: "Create a pairing payload, or import one from a peer",
		Long: "With no argument, prints this device's pairing payload for a peer to import.\n" +
			"With a payload argument, imports the peer: its certificate is pinned and its\n" +
			"discovery secret is adopted.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) == 0 {
				payload, err := c.CreatePairingPayload()
				if err != nil {
					return err
				}
				fmt.Println(payload)
				return nil
			}

			peer, err := c.PairWithPeer(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Paired with:  %s\n", peer.DisplayName)
			fmt.Printf("Device ID:    %s\n", peer.DeviceID)
			fmt.Printf("Fingerprint:  %s\n", peer.Fingerprint)
			fmt.Println("Verify the fingerprint with the peer out of band before transferring files.")
			return nil
		},
	}
	return cmd
}
