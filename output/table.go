// Package output renders device discovery, capability and pairing results
// as terminal tables.
package output

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/hwsecurity-go/hwsecurity/device"
	"github.com/hwsecurity-go/hwsecurity/openpgp"
)

var (
	colorHeader  = text.Colors{text.FgCyan, text.Bold}
	colorLabel   = text.Colors{text.FgYellow}
	colorValue   = text.Colors{text.FgWhite}
	colorSuccess = text.Colors{text.FgGreen}
)

func getTableStyle() table.Style {
	style := table.StyleRounded
	style.Color.Header = colorHeader
	style.Color.Row = text.Colors{text.FgWhite}
	style.Color.RowAlternate = text.Colors{text.FgHiWhite}
	style.Options.SeparateRows = false
	return style
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(getTableStyle())
	t.Style().Options.SeparateRows = false
	return t
}

// PrintDevices lists every currently-attached managed token.
func PrintDevices(ids []device.Identity, mgr *device.Manager) {
	fmt.Println()
	t := newTable()
	t.SetTitle("ATTACHED DEVICES")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 30},
		{Number: 2, Colors: colorValue, WidthMin: 14},
	})
	t.AppendHeader(table.Row{"Identity", "Kind"})
	for _, id := range ids {
		kind := "?"
		if tok, ok := mgr.Get(id); ok {
			kind = tok.Kind.String()
		}
		t.AppendRow(table.Row{string(id), kind})
	}
	t.Render()
}

// PrintCapabilities renders the parsed Application Related Data for one
// OpenPGP applet session.
func PrintCapabilities(caps *openpgp.Capabilities) {
	fmt.Println()
	t := newTable()
	t.SetTitle("OPENPGP APPLET CAPABILITIES")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 24},
		{Number: 2, Colors: colorValue, WidthMin: 48},
	})
	t.AppendRow(table.Row{"AID", fmt.Sprintf("%X", caps.AID)})
	t.AppendRow(table.Row{"Version", fmt.Sprintf("%d.%d", caps.Version[0], caps.Version[1])})
	t.AppendRow(table.Row{"Manufacturer", fmt.Sprintf("%X", caps.Manufacturer)})
	t.AppendRow(table.Row{"Serial", fmt.Sprintf("%X", caps.Serial)})
	t.AppendRow(table.Row{"PW1 retries remaining", fmt.Sprint(caps.PWStatus.PW1RetriesRemaining)})
	t.AppendRow(table.Row{"PW3 retries remaining", fmt.Sprint(caps.PWStatus.PW3RetriesRemaining)})
	t.AppendRow(table.Row{"Supports key import", fmt.Sprint(caps.ExtendedCapabilities.SupportsKeyImport)})
	t.AppendRow(table.Row{"Supports KDF", fmt.Sprint(caps.ExtendedCapabilities.SupportsKDF)})
	t.Render()

	fmt.Println()
	fp := newTable()
	fp.SetTitle("KEY FINGERPRINTS")
	fp.AppendHeader(table.Row{"Slot", "Fingerprint"})
	slots := []openpgp.KeyType{openpgp.SignatureKey, openpgp.DecryptionKey, openpgp.AuthenticationKey}
	for _, slot := range slots {
		fp.AppendRow(table.Row{slot.String(), fmt.Sprintf("%X", caps.Fingerprints[slot])})
	}
	fp.Render()
}

// PrintKeySlotResult renders the outcome of a GenerateAndConfirmKey call.
func PrintKeySlotResult(kt openpgp.KeyType, slot openpgp.KeySlot, err error) {
	fmt.Println()
	t := newTable()
	t.SetTitle("KEY GENERATION RESULT")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 18},
		{Number: 2, WidthMin: 48},
	})
	if err != nil {
		t.AppendRow(table.Row{"Status", text.Colors{text.FgRed}.Sprint("failed: " + err.Error())})
		t.Render()
		return
	}
	t.AppendRow(table.Row{"Status", colorSuccess.Sprint("generated")})
	t.AppendRow(table.Row{"Key type", kt.String()})
	t.AppendRow(table.Row{"Fingerprint", fmt.Sprintf("%X", slot.Fingerprint)})
	t.AppendRow(table.Row{"Modulus bits", fmt.Sprint(len(slot.PublicKey.Modulus) * 8)})
	t.Render()
}

// PrintSetupPairedResult renders the outcome of a SetupPaired call.
func PrintSetupPairedResult(key openpgp.PairedKey, err error) {
	fmt.Println()
	t := newTable()
	t.SetTitle("PAIRING RESULT")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 18},
		{Number: 2, WidthMin: 48},
	})
	if err != nil {
		t.AppendRow(table.Row{"Status", text.Colors{text.FgRed}.Sprint("failed: " + err.Error())})
		t.Render()
		return
	}
	t.AppendRow(table.Row{"Status", colorSuccess.Sprint("paired")})
	t.AppendRow(table.Row{"AID", fmt.Sprintf("%X", key.AID)})
	t.AppendRow(table.Row{"Enc fingerprint", fmt.Sprintf("%X", key.Encrypt.Fingerprint)})
	if key.Sign != nil {
		t.AppendRow(table.Row{"Sign fingerprint", fmt.Sprintf("%X", key.Sign.Fingerprint)})
	}
	if key.Auth != nil {
		t.AppendRow(table.Row{"Auth fingerprint", fmt.Sprintf("%X", key.Auth.Fingerprint)})
	}
	t.AppendRow(table.Row{"Paired at", key.PairedAt.Format("2006-01-02 15:04:05")})
	t.Render()
}
