package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshbridge/corelink/internal/fec"
	"github.com/meshbridge/corelink/internal/packet"
)

type chanTransport struct {
	out chan packet.Packet
}

func (c *chanTransport) Send(pkt packet.Packet) error {
	c.out <- pkt
	return nil
}

func TestSenderReceiverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 3500)
	for i := range data {
		data[i] = byte(i % 251)
	}
	inputPath := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	manifest, err := ComputeManifest(inputPath, ChunkOptions{ChunkSize: 1000})
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}

	records, err := OpenRecordStore(filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatalf("OpenRecordStore: %v", err)
	}
	defer records.Close()

	senderTransfer := NewTransfer(manifest, "remote.bin", packet.PriorityNormal, fec.ProfileNone, DefaultRetryPolicy(), "session-1")
	receiverTransfer := NewTransfer(manifest, "remote.bin", packet.PriorityNormal, fec.ProfileNone, DefaultRetryPolicy(), "session-1")

	dataCh := make(chan packet.Packet, 256)
	ackCh := make(chan packet.Packet, 256)

	receiver, err := NewReceiver(manifest, receiverTransfer, &chanTransport{out: ackCh}, filepath.Join(dir, "recv.part"), filepath.Join(dir, "recv.final"), records, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		for pkt := range dataCh {
			if err := receiver.OnData(ctx, pkt); err != nil {
				t.Errorf("OnData: %v", err)
			}
		}
	}()

	sender := NewSender(manifest, senderTransfer, &chanTransport{out: dataCh}, inputPath, nil, nil)
	if err := sender.Run(ctx, ackCh); err != nil {
		t.Fatalf("Sender.Run: %v", err)
	}
	close(dataCh)

	if senderTransfer.Status() != StatusInProgress {
		t.Fatalf("expected sender to stay InProgress once every chunk is acked (completion is the receiver's call), got %v", senderTransfer.Status())
	}
	if !senderTransfer.ChunksAcked.Full() {
		t.Fatal("expected every chunk acked on the sender side")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if receiverTransfer.Status() == StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if receiverTransfer.Status() != StatusCompleted {
		t.Fatalf("expected receiver transfer Completed, got %v", receiverTransfer.Status())
	}

	got, err := os.ReadFile(filepath.Join(dir, "recv.final"))
	if err != nil {
		t.Fatalf("ReadFile final: %v", err)
	}
	if string(got) != string(data) {
		t.Fatal("reassembled file does not match original")
	}
}

func TestSenderReceiverRoundTripWithFragmentedChunks(t *testing.T) {
	dir := t.TempDir()
	// A chunk size larger than a single packet's max payload forces
	// every chunk to split into multiple fragments.
	data := make([]byte, 180000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	inputPath := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	manifest, err := ComputeManifest(inputPath, ChunkOptions{ChunkSize: 100000})
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}
	if len(manifest.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(manifest.Chunks))
	}

	records, err := OpenRecordStore(filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatalf("OpenRecordStore: %v", err)
	}
	defer records.Close()

	senderTransfer := NewTransfer(manifest, "remote.bin", packet.PriorityNormal, fec.ProfileNone, DefaultRetryPolicy(), "session-1")
	receiverTransfer := NewTransfer(manifest, "remote.bin", packet.PriorityNormal, fec.ProfileNone, DefaultRetryPolicy(), "session-1")

	dataCh := make(chan packet.Packet, 256)
	ackCh := make(chan packet.Packet, 256)

	receiver, err := NewReceiver(manifest, receiverTransfer, &chanTransport{out: ackCh}, filepath.Join(dir, "recv.part"), filepath.Join(dir, "recv.final"), records, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		for pkt := range dataCh {
			if err := receiver.OnData(ctx, pkt); err != nil {
				t.Errorf("OnData: %v", err)
			}
		}
	}()

	sender := NewSender(manifest, senderTransfer, &chanTransport{out: dataCh}, inputPath, nil, nil)
	if err := sender.Run(ctx, ackCh); err != nil {
		t.Fatalf("Sender.Run: %v", err)
	}
	close(dataCh)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if receiverTransfer.Status() == StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if receiverTransfer.Status() != StatusCompleted {
		t.Fatalf("expected receiver transfer Completed, got %v", receiverTransfer.Status())
	}

	got, err := os.ReadFile(filepath.Join(dir, "recv.final"))
	if err != nil {
		t.Fatalf("ReadFile final: %v", err)
	}
	if string(got) != string(data) {
		t.Fatal("reassembled file from fragmented chunks does not match original")
	}
}

func TestReceiverRejectsChunkDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	data := []byte("some file contents for digest mismatch test")
	inputPath := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	manifest, err := ComputeManifest(inputPath, ChunkOptions{ChunkSize: 1024})
	if err != nil {
		t.Fatalf("ComputeManifest: %v", err)
	}

	records, err := OpenRecordStore(filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatalf("OpenRecordStore: %v", err)
	}
	defer records.Close()

	transfer := NewTransfer(manifest, "remote.bin", packet.PriorityNormal, fec.ProfileNone, DefaultRetryPolicy(), "session-1")
	ackCh := make(chan packet.Packet, 8)
	receiver, err := NewReceiver(manifest, transfer, &chanTransport{out: ackCh}, filepath.Join(dir, "recv.part"), filepath.Join(dir, "recv.final"), records, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	corrupted := packet.Packet{
		Kind:       packet.KindData,
		TransferID: transfer.ID,
		ChunkIndex: 0,
		Payload:    []byte("this is not the original chunk content at all"),
	}
	err = receiver.OnData(context.Background(), corrupted)
	if _, ok := err.(ErrChunkDigestMismatch); !ok {
		t.Fatalf("expected ErrChunkDigestMismatch, got %v", err)
	}
}
