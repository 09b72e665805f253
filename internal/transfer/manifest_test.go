package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meshbridge/corelink/internal/integrity"
)

func writeTempFile(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestComputeManifestChunksAndDigests(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 2500)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTempFile(t, dir, data)

	m, err := ComputeManifest(path, ChunkOptions{ChunkSize: 1000})
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}
	if len(m.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(m.Chunks))
	}
	if m.Chunks[0].Length != 1000 || m.Chunks[1].Length != 1000 || m.Chunks[2].Length != 500 {
		t.Fatalf("unexpected chunk lengths: %+v", m.Chunks)
	}
	if m.FileDigest != integrity.Hash(data) {
		t.Fatal("file digest does not match whole-file hash")
	}
	want := integrity.Hash(data[:1000])
	if m.Chunks[0].Digest != want {
		t.Fatal("first chunk digest mismatch")
	}
}

func TestComputeManifestEmptyFileYieldsSingleZeroChunk(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, nil)

	m, err := ComputeManifest(path, DefaultChunkOptions())
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}
	if len(m.Chunks) != 1 || m.Chunks[0].Length != 0 {
		t.Fatalf("expected one zero-length chunk, got %+v", m.Chunks)
	}
	if m.FileDigest != integrity.Hash(nil) {
		t.Fatal("empty file digest should be hash of empty input")
	}
}

func TestComputeMerkleRootDeterministicAndOddElementDuplicated(t *testing.T) {
	a := integrity.Hash([]byte("a"))
	b := integrity.Hash([]byte("b"))
	c := integrity.Hash([]byte("c"))

	root1, err := ComputeMerkleRoot([]integrity.Digest{a, b, c})
	if err != nil {
		t.Fatalf("ComputeMerkleRoot: %v", err)
	}
	root2, err := ComputeMerkleRoot([]integrity.Digest{a, b, c})
	if err != nil {
		t.Fatalf("ComputeMerkleRoot: %v", err)
	}
	if root1 != root2 {
		t.Fatal("merkle root is not deterministic")
	}

	rootDup, err := ComputeMerkleRoot([]integrity.Digest{a, b, c, c})
	if err != nil {
		t.Fatalf("ComputeMerkleRoot: %v", err)
	}
	if root1 != rootDup {
		t.Fatal("odd trailing element should be duplicated to match an explicit duplicate")
	}
}

func TestComputeMerkleRootEmptyInput(t *testing.T) {
	root, err := ComputeMerkleRoot(nil)
	if err != nil {
		t.Fatalf("ComputeMerkleRoot: %v", err)
	}
	if root != (integrity.Digest{}) {
		t.Fatal("expected zero digest for empty input")
	}
}

func TestReadChunkRandomAccess(t *testing.T) {
	dir := t.TempDir()
	data := []byte("0123456789abcdefghij")
	path := writeTempFile(t, dir, data)

	chunk, err := ReadChunk(path, 1, 10)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if string(chunk) != "abcdefghij" {
		t.Fatalf("expected second chunk 'abcdefghij', got %q", chunk)
	}
}
