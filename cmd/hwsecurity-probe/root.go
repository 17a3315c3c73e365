package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Global flags shared by every subcommand.
var (
	readerID   string
	nfcConn    string
	adminPIN   string
	userPIN    string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "hwsecurity-probe",
	Short: "OpenPGP/FIDO hardware token probe",
	Long: `hwsecurity-probe v` + version + `
A manual-exercise CLI for the hwsecurity library: discover attached CCID/
U2F HID/NFC tokens, inspect an OpenPGP applet's capabilities, and drive the
PW3-gated key generation/pairing flow against a real device during
development. It is not part of the library's public surface.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&readerID, "reader", "r", "",
		"managed token identity to target (see 'discover' output); first discovered token if omitted")
	rootCmd.PersistentFlags().StringVar(&nfcConn, "nfc", "",
		"libnfc connection string for NFC discovery, e.g. pn532_uart:/dev/ttyUSB0")
	rootCmd.PersistentFlags().StringVar(&adminPIN, "admin-pin", "",
		"PW3 (admin PIN), required for pairing and key operations")
	rootCmd.PersistentFlags().StringVar(&userPIN, "pin", "",
		"PW1 (user PIN)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false,
		"has no effect: all output is rendered as tables")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "hwsecurity-probe: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	Execute()
}
