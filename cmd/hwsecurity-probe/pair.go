package main

import (
	"github.com/spf13/cobra"

	"github.com/hwsecurity-go/hwsecurity/openpgp"
	"github.com/hwsecurity-go/hwsecurity/output"
	"github.com/hwsecurity-go/hwsecurity/secret"
)

var keyTypeFlag string

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Verify PW3, generate a key in the chosen slot, and confirm its fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminPIN == "" {
			fatalf("--admin-pin is required")
		}
		kt, err := parseKeyType(keyTypeFlag)
		if err != nil {
			return err
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

		pin := secret.FromString(adminPIN)
		defer pin.Release()

		if err := conn.Verify(openpgp.PW3, pin); err != nil {
			output.PrintKeySlotResult(kt, openpgp.KeySlot{}, err)
			return err
		}
		slot, genErr := conn.GenerateAndConfirmKey(kt)
		output.PrintKeySlotResult(kt, slot, genErr)
		return genErr
	},
}

func parseKeyType(s string) (openpgp.KeyType, error) {
	switch s {
	case "", "sig", "signature":
		return openpgp.SignatureKey, nil
	case "dec", "decryption":
		return openpgp.DecryptionKey, nil
	case "auth", "authentication":
		return openpgp.AuthenticationKey, nil
	default:
		fatalf("unknown --key-type %q (want sig|dec|auth)", s)
		return 0, nil
	}
}

func init() {
	pairCmd.Flags().StringVar(&keyTypeFlag, "key-type", "sig", "key slot to generate: sig|dec|auth")
	rootCmd.AddCommand(pairCmd)
}
