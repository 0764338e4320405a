package display

import (
	"encoding/base64"
	"fmt"
	"io"
)

const (
	escapeStart = "\x1b_G"
	escapeEnd   = "\x1b\\"
	chunkSize   = 4096
)

// KittyEncoder writes PNG data using the kitty graphics protocol. Payloads
// longer than chunkSize are split; every chunk but the last carries m=1.
type KittyEncoder struct {
	out     io.Writer
	columns int
}

// NewKittyEncoder scales images to columns terminal cells; zero keeps the
// native size.
func NewKittyEncoder(out io.Writer, columns int) *KittyEncoder {
	return &KittyEncoder{out: out, columns: columns}
}

func (e *KittyEncoder) Encode(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	control := "a=T,f=100,q=2"
	if e.columns > 0 {
		control += fmt.Sprintf(",c=%d", e.columns)
	}

	for start := 0; start < len(encoded); start += chunkSize {
		end := min(start+chunkSize, len(encoded))
		more := 0
		if end < len(encoded) {
			more = 1
		}

		params := fmt.Sprintf("m=%d", more)
		if start == 0 {
			params = control
			if more == 1 {
				params += ",m=1"
			}
		}
		if _, err := fmt.Fprintf(e.out, "%s%s;%s%s", escapeStart, params, encoded[start:end], escapeEnd); err != nil {
			return err
		}
	}
	return nil
}
