//go:build linux && bpf_embedded

package bpf

import _ "embed"

//go:embed kernox.bpf.o
var embeddedBPFObject []byte

func init() {
	bpfObjectBytes = embeddedBPFObject
}
