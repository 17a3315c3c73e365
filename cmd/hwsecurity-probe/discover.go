package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hwsecurity-go/hwsecurity/device"
	"github.com/hwsecurity-go/hwsecurity/output"
)

var discoverDuration time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Poll for USB and NFC tokens for a fixed window and list what attached",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := device.NewManager(device.WithCallbacks(device.Callbacks{
			OnDiscovered: func(tok *device.ManagedToken) {
				fmt.Printf("discovered %s (%s)\n", tok.Identity, tok.Kind)
			},
			OnLost: func(id device.Identity, cause error) {
				fmt.Printf("lost %s: %v\n", id, cause)
			},
		}))
		defer mgr.Close()

		stop := make(chan struct{})
		usb := &device.UsbDiscoverer{Manager: mgr}
		go usb.Run(stop)

		if nfcConn != "" {
			nfcDisc := &device.NfcDiscoverer{Manager: mgr, Connstring: nfcConn}
			go func() {
				if err := nfcDisc.Run(stop); err != nil {
					fmt.Printf("nfc discovery stopped: %v\n", err)
				}
			}()
		}

		time.Sleep(discoverDuration)
		close(stop)

		output.PrintDevices(mgr.List(), mgr)
		return nil
	},
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverDuration, "duration", 5*time.Second,
		"how long to poll before reporting results")
	rootCmd.AddCommand(discoverCmd)
}
