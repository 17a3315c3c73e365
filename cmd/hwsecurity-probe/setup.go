package main

import (
	"github.com/spf13/cobra"

	"github.com/hwsecurity-go/hwsecurity/openpgp"
	"github.com/hwsecurity-go/hwsecurity/output"
	"github.com/hwsecurity-go/hwsecurity/secret"
)

var (
	newPinFlag      string
	newAdminPinFlag string
	encryptionOnly  bool
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate a full host-side key set (enc/sign/auth), import it, and replace the default PINs",
	Long: `setup drives the full pairing flow: it resets the applet to its default
PINs if an encryption key is already present or the default admin PIN is
rejected, generates RSA-2048 key material
on the host, imports it into the ENC slot (and SIGN/AUTH unless
--encryption-only), then replaces PW1 and PW3 with --new-pin/--new-admin-pin.
It is destructive to any key material already on the card.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if newPinFlag == "" || newAdminPinFlag == "" {
			fatalf("--new-pin and --new-admin-pin are required")
		}

		mgr, tok, err := findToken()
		if err != nil {
			return err
		}
		defer mgr.Close()

		conn, err := openpgp.Open(tok.Transport)
		if err != nil {
			return err
		}
		defer conn.Close()

		newPW1 := secret.FromString(newPinFlag)
		defer newPW1.Release()
		newPW3 := secret.FromString(newAdminPinFlag)
		defer newPW3.Release()

		key, err := conn.SetupPaired(newPW1, newPW3, encryptionOnly)
		output.PrintSetupPairedResult(key, err)
		return err
	},
}

func init() {
	setupCmd.Flags().StringVar(&newPinFlag, "new-pin", "", "PW1 value to set after pairing")
	setupCmd.Flags().StringVar(&newAdminPinFlag, "new-admin-pin", "", "PW3 value to set after pairing")
	setupCmd.Flags().BoolVar(&encryptionOnly, "encryption-only", false, "only personalize the ENC slot, skip SIGN/AUTH")
	rootCmd.AddCommand(setupCmd)
}
