// Command manifest computes a transfer manifest for a file: the
// chunk digests and Merkle root a sender and receiver agree on before
// a chunk stream begins.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/meshbridge/corelink/internal/transfer"
)

func main() {
	chunkSize := flag.Int("chunk-size", transfer.DefaultChunkOptions().ChunkSize, "chunk size in bytes")
	output := flag.String("output", "", "write manifest JSON to this file instead of stdout")
	pretty := flag.Bool("pretty", true, "pretty-print JSON output")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: manifest [options] <file_path>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	filePath := flag.Arg(0)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "file not found: %s\n", filePath)
		os.Exit(2)
	}

	m, err := transfer.ComputeManifest(filePath, transfer.ChunkOptions{ChunkSize: *chunkSize})
	if err != nil {
		fmt.Fprintf(os.Stderr, "computing manifest: %v\n", err)
		os.Exit(3)
	}

	fmt.Fprintf(os.Stderr, "file size:  %d bytes\n", m.FileSize)
	fmt.Fprintf(os.Stderr, "chunk size: %d bytes\n", m.ChunkSize)
	fmt.Fprintf(os.Stderr, "chunks:     %d\n", len(m.Chunks))
	fmt.Fprintf(os.Stderr, "digest:     %x\n", m.FileDigest)
	fmt.Fprintf(os.Stderr, "merkle:     %x\n", m.MerkleRoot)

	var data []byte
	if *pretty {
		data, err = json.MarshalIndent(m, "", "  ")
	} else {
		data, err = json.Marshal(m)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "serializing manifest: %v\n", err)
		os.Exit(4)
	}

	if *output != "" {
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "writing manifest: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "manifest written to: %s\n", *output)
		return
	}
	fmt.Println(string(data))
}
