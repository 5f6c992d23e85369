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
package utils

import "testing"

func TestHexDump(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		addr uint64
		want string
	}{
		{"empty", nil, 0, ""},
		{
			name: "partial row",
			data: []byte("hv\x00"),
			addr: 0x1000,
			want: "0000000000001000  68 76 00                                          |hv.|\n",
		},
		{
			name: "two rows",
			data: []byte("0123456789abcdefXY"),
			addr: 0x10,
			want: "0000000000000010  30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  |0123456789abcdef|\n" +
				"0000000000000020  58 59                                             |XY|\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HexDump(tt.data, tt.addr); got != tt.want {
				t.Errorf("HexDump() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}
