package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"exposehub/reservation-service/internal/models"

	"golang.org/x/crypto/blake2b"
)

var ErrHistoryTampered = errors.New("status history chain broken")

func ComputeHistoryHash(prevHash string, entry models.HistoryEntry) string {
	from := "-"
	if entry.FromStatus != nil {
		from = strconv.Itoa(int(*entry.FromStatus))
	}
	raw := fmt.Sprintf("%s|%s|%d|%s|%d|%s|%s|%s",
		prevHash,
		entry.ReservationID,
		entry.Seq,
		from,
		int(entry.ToStatus),
		entry.ChangedBy,
		entry.ChangedAt.UTC().Format(time.RFC3339Nano),
		entry.Notes,
	)
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ChainHistoryEntry fills Seq, PrevHash and Hash of entry so that it follows
// last. found is false for the first entry of a reservation.
func ChainHistoryEntry(last models.HistoryEntry, found bool, entry models.HistoryEntry) models.HistoryEntry {
	entry.Seq = 1
	entry.PrevHash = ""
	if found {
		entry.Seq = last.Seq + 1
		entry.PrevHash = last.Hash
	}
	entry.Hash = ComputeHistoryHash(entry.PrevHash, entry)
	return entry
}

// ReplayHistory checks the hash chain of entries (ordered by Seq) and returns
// the status the reservation ends up in.
func ReplayHistory(entries []models.HistoryEntry) (models.Status, error) {
	var status models.Status
	prevHash := ""
	for i, entry := range entries {
		if entry.Seq != i+1 {
			return 0, fmt.Errorf("%w: expected seq %d, got %d", ErrHistoryTampered, i+1, entry.Seq)
		}
		if entry.PrevHash != prevHash {
			return 0, fmt.Errorf("%w: seq %d does not follow its predecessor", ErrHistoryTampered, entry.Seq)
		}
		if ComputeHistoryHash(prevHash, entry) != entry.Hash {
			return 0, fmt.Errorf("%w: seq %d hash mismatch", ErrHistoryTampered, entry.Seq)
		}
		prevHash = entry.Hash
		status = entry.ToStatus
	}
	return status, nil
}
