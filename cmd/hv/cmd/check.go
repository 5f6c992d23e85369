/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/guest"
	"github.com/spf13/cobra"
)

// CheckReport is the output of the check command.
type CheckReport struct {
	Supported    bool             `json:"supported"`
	Error        string           `json:"error,omitempty"`
	Revision     uint32           `json:"revision"`
	Secondary    bool             `json:"secondary"`
	Capabilities vmx.Capabilities `json:"capabilities"`
	Controls     vmx.Controls     `json:"controls"`
	Dropped      vmx.Controls     `json:"dropped"`
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().Bool("json", false, "output the report as JSON")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check VMX support and the controls a flat guest negotiates",
	RunE: func(cmd *cobra.Command, args []string) error {
		var report CheckReport

		ok, err := vmx.Supported()
		report.Supported = ok
		if err != nil {
			report.Error = err.Error()
		}

		_, host, err := newHost(1)
		if err != nil {
			return err
		}
		caps := host.Capabilities()
		report.Capabilities = caps
		report.Revision = caps.Revision()
		report.Secondary = caps.SecondarySupported()

		ctl, dropped, err := caps.NegotiateControls(guest.RequestedControls(vmx.Controls{}))
		if err != nil {
			return fmt.Errorf("negotiation failed: %w", err)
		}
		report.Controls, report.Dropped = ctl, dropped.Controls

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal report: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		if report.Error != "" {
			fmt.Printf("vmx support: error: %s\n", report.Error)
		} else {
			fmt.Printf("vmx support: %v\n", report.Supported)
		}
		fmt.Printf("emulated platform: revision=%d secondary=%v\n", report.Revision, report.Secondary)
		fmt.Printf("negotiated controls:\n")
		fmt.Printf("  pin:   %v\n", ctl.Pin)
		fmt.Printf("  proc:  %v\n", ctl.Proc)
		fmt.Printf("  proc2: %v\n", ctl.Proc2)
		fmt.Printf("  exit:  %v\n", ctl.Exit)
		fmt.Printf("  entry: %v\n", ctl.Entry)
		if !dropped.Empty() {
			fmt.Printf("dropped: %v\n", dropped)
		}
		return nil
	},
}
