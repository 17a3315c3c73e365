package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hwsecurity-go/hwsecurity/device"
	"github.com/hwsecurity-go/hwsecurity/openpgp"
	"github.com/hwsecurity-go/hwsecurity/output"
)

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Select the OpenPGP applet on a token and print its capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		output.PrintCapabilities(conn.Capabilities())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(capsCmd)
}

// findToken runs a short discovery window and returns the first managed
// token whose identity matches --reader, or the first one found if --reader
// was not given.
func findToken() (*device.Manager, *device.ManagedToken, error) {
	mgr := device.NewManager()
	stop := make(chan struct{})
	usb := &device.UsbDiscoverer{Manager: mgr}
	go usb.Run(stop)

	if nfcConn != "" {
		nfcDisc := &device.NfcDiscoverer{Manager: mgr, Connstring: nfcConn}
		go nfcDisc.Run(stop)
	}

	time.Sleep(2 * time.Second)
	close(stop)

	ids := mgr.List()
	if len(ids) == 0 {
		mgr.Close()
		return nil, nil, fmt.Errorf("no tokens found")
	}

	want := device.Identity(readerID)
	for _, id := range ids {
		if readerID == "" || id == want {
			tok, _ := mgr.Get(id)
			return mgr, tok, nil
		}
	}
	mgr.Close()
	return nil, nil, fmt.Errorf("reader %q not found among %v", readerID, ids)
}
