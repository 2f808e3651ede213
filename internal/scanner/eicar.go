package scanner

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// eicarSignature is assembled from fragments so that scanning this
// source tree does not trip other engines on the literal test string.
var eicarSignature = "X5O!P%@AP[4\\PZX54(P^)7CC)7}$" +
	"EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*"

// eicarScanLimit bounds how much of a file the module inspects. The
// test file standard requires the signature within the first 128 bytes.
const eicarScanLimit = 128

type eicarModule struct{}

// EICAR returns the built-in detection module matching the standard
// antivirus test file.
func EICAR() Module {
	return eicarModule{}
}

func (eicarModule) Name() string { return "eicar" }

func (eicarModule) ScanFile(ctx context.Context, path string, r io.Reader) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	head := make([]byte, eicarScanLimit)
	n, err := io.ReadFull(bufio.NewReader(r), head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Verdict{}, err
	}
	if strings.Contains(string(head[:n]), eicarSignature) {
		return Verdict{Malicious: true, Signature: "EICAR-Test-File"}, nil
	}
	return Verdict{}, nil
}
