package fec

import "fmt"

// ErrInsufficientShards is returned when a block cannot be recovered
// because more shards are missing than the profile can tolerate. The
// transfer receiver drops such a block without sending any request; its
// chunks arrive again only when the sender's ack timeout resends them.
type ErrInsufficientShards struct {
	BlockID     uint64
	Missing     int
	Recoverable int
}

func (e ErrInsufficientShards) Error() string {
	return fmt.Sprintf("fec: block %d unrecoverable: %d shards missing, can recover at most %d", e.BlockID, e.Missing, e.Recoverable)
}
