// Package bpf — bpfobject.go
//
// The compiled BPF ELF object is built out-of-band (see agent/bpf/Makefile)
// and is not checked into this tree. A standard build therefore carries a
// nil bpfObjectBytes and Load() returns a descriptive error rather than
// panicking; building with -tags bpf_embedded after running the BPF
// Makefile embeds the real object via bpfobject_embed_linux.go.
package bpf

// bpfObjectBytes holds the compiled BPF ELF object. nil in a standard
// build; set by bpfobject_embed_linux.go's init() under -tags bpf_embedded.
var bpfObjectBytes []byte
