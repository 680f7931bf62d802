// Package merge reconciles the server's message log with messages that
// exist only locally. All functions are pure: inputs are never modified
// and no I/O happens here. Callers decide what to persist or log based
// on the Result.
package merge

import (
	"cmp"
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Result is the outcome of merging server and local messages.
type Result struct {
	// Messages is the merged list, unique by ID and sorted by
	// (SequenceNum, CreatedAt).
	Messages []models.Message

	ServerCount       int
	LocalOnlyCount    int
	DuplicatesRemoved int

	// Duplicates holds the local copies that were discarded because the
	// server already has a message with the same ID or an earlier local
	// message already used it.
	Duplicates []models.Message
}

// MaxSequence returns the highest SequenceNum in msgs, or 0 when empty.
func MaxSequence(msgs []models.Message) int64 {
	var maxSeq int64
	for _, m := range msgs {
		if m.SequenceNum > maxSeq {
			maxSeq = m.SequenceNum
		}
	}

	return maxSeq
}

// Sequence numbers local-only messages after the server's log:
// localOnly[i] gets MaxSequence(server) + 1 + i. Any sequence number the
// local messages already carry is replaced.
func Sequence(server, localOnly []models.Message) []models.Message {
	base := MaxSequence(server)

	out := make([]models.Message, len(localOnly))
	for i, m := range localOnly {
		c := m.Clone()
		c.SequenceNum = base + 1 + int64(i)
		out[i] = c
	}

	return out
}

// Deduplicate splits local into messages the server does not know about
// and duplicates: messages whose ID the server already has, and repeats
// of an ID seen earlier in local. The first local copy of an ID wins.
// Relative order is kept in both outputs.
func Deduplicate(server, local []models.Message) (localOnly, duplicates []models.Message) {
	seen := make(map[string]struct{}, len(server)+len(local))
	for _, m := range server {
		seen[m.ID] = struct{}{}
	}

	for _, m := range local {
		if _, ok := seen[m.ID]; ok {
			duplicates = append(duplicates, m.Clone())
			continue
		}

		seen[m.ID] = struct{}{}
		localOnly = append(localOnly, m.Clone())
	}

	return localOnly, duplicates
}

// Merge combines the server log with local messages. The server always
// wins on ID conflicts. Local-only messages are sequenced after the
// server's highest sequence number and the result is sorted.
//
// The server log is taken as is: ServerCount is len(server) and an ID the
// server repeats stays repeated. Callers log such repeats with
// DuplicateIDs.
func Merge(server, local []models.Message) Result {
	localOnly, duplicates := Deduplicate(server, local)
	sequenced := Sequence(server, localOnly)

	merged := make([]models.Message, 0, len(server)+len(sequenced))
	merged = append(merged, models.CloneMessages(server)...)
	merged = append(merged, sequenced...)

	slices.SortStableFunc(merged, CompareMessages)

	return Result{
		Messages:          merged,
		ServerCount:       len(server),
		LocalOnlyCount:    len(localOnly),
		DuplicatesRemoved: len(local) - len(localOnly),
		Duplicates:        duplicates,
	}
}

// DuplicateIDs returns the IDs that occur more than once in msgs, in order
// of their second occurrence.
func DuplicateIDs(msgs []models.Message) []string {
	seen := make(map[string]int, len(msgs))

	var dups []string

	for _, m := range msgs {
		seen[m.ID]++
		if seen[m.ID] == 2 {
			dups = append(dups, m.ID)
		}
	}

	return dups
}

// CompareMessages orders by SequenceNum, then CreatedAt.
func CompareMessages(a, b models.Message) int {
	if c := cmp.Compare(a.SequenceNum, b.SequenceNum); c != 0 {
		return c
	}

	return a.CreatedAt.Compare(b.CreatedAt)
}

// IsSorted reports whether msgs satisfies the merge ordering.
func IsSorted(msgs []models.Message) bool {
	return slices.IsSortedFunc(msgs, CompareMessages)
}
