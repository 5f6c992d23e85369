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
	"fmt"
	"strconv"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/hw"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(decodeCmd)
}

// decoders render a raw value of each kind the decode command accepts.
var decoders = map[string]func(v uint32) string{
	"exit": func(v uint32) string {
		r := vmx.DecodeExitReason(v)
		return fmt.Sprintf("%s (kind=%s basic=%#x known=%v)", r, r.Kind, uint32(r.Basic), r.Basic.Known())
	},
	"error": func(v uint32) string {
		e := hw.InstructionError(v)
		return fmt.Sprintf("%s (known=%v)", e.Error(), e.Known())
	},
	"pin":   func(v uint32) string { return hw.PinCtl(v).String() },
	"proc":  func(v uint32) string { return hw.ProcCtl(v).String() },
	"proc2": func(v uint32) string { return hw.Proc2Ctl(v).String() },
	"exit-controls": func(v uint32) string {
		return hw.ExitCtl(v).String()
	},
	"entry-controls": func(v uint32) string {
		return hw.EntryCtl(v).String()
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <exit|error|pin|proc|proc2|exit-controls|entry-controls> VALUE...",
	Short: "Decode raw exit reasons, VM-instruction errors and control values",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		decode, ok := decoders[args[0]]
		if !ok {
			return fmt.Errorf("unknown value kind %q", args[0])
		}
		for _, arg := range args[1:] {
			v, err := strconv.ParseUint(arg, 0, 32)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", arg, err)
			}
			fmt.Printf("%#x: %s\n", v, decode(uint32(v)))
		}
		return nil
	},
}
