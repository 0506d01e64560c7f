package broadcast

import (
	"fmt"

	"tgblaster/internal/transport"
)

// Kind distinguishes how a job was created: a single-target schedule or a
// batch schedule across all of a sender's targets. The two kinds coexist in
// the scheduler under distinct identities.
type Kind string

const (
	KindSolo Kind = "broadcast"
	KindAll  Kind = "broadcastall"
)

// Kinds lists every known job-identity kind, in the order stop operations
// try them.
var Kinds = []Kind{KindSolo, KindAll}

// JobID builds the scheduler identity for a (sender, target) pair. The
// target component is normalized with transport.GidKey so the same chat
// referenced through different id encodings maps to one job.
func JobID(kind Kind, senderID, targetID int64) string {
	return fmt.Sprintf("%s:%d:%d", kind, senderID, transport.GidKey(targetID))
}

// SenderPrefix is the identity prefix shared by all jobs of one kind for
// one sender; batch rescheduling cancels by this prefix.
func SenderPrefix(kind Kind, senderID int64) string {
	return fmt.Sprintf("%s:%d:", kind, senderID)
}
