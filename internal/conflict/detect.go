// Package conflict decides how one remote event delta merges against the
// corresponding local record.
//
// The decision function is pure: it reads the remote representation, the
// local record (if any), and the local tombstone (if any), and returns an
// action for the sync engine to apply. It never touches the store itself,
// which keeps the whole decision table directly testable.
package conflict

import (
	"github.com/calmirror/calmirror/internal/remote"
	"github.com/calmirror/calmirror/internal/schema"
)

// Action is the merge decision for one remote delta.
type Action int

const (
	// Ignore drops the delta: the remote side hasn't advanced past the
	// version the pending local edit was based on, so the queued write
	// will supersede it.
	Ignore Action = iota

	// ApplyRemote applies the remote state to the local store: create,
	// update, or (for a cancelled remote event) local deletion.
	ApplyRemote

	// MarkConflict flags the local record for user-facing resolution and
	// suspends the event's pending change. Never deletes data.
	MarkConflict

	// ApplyRemoteAndClearTombstone confirms a local delete on both sides:
	// the event record, its tombstone, and any stray pending change for
	// the id are purged.
	ApplyRemoteAndClearTombstone
)

// String returns the string representation of an action.
func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case ApplyRemote:
		return "apply_remote"
	case MarkConflict:
		return "mark_conflict"
	case ApplyRemoteAndClearTombstone:
		return "apply_remote_clear_tombstone"
	default:
		return "unknown"
	}
}

// Resolve decides the merge action for one remote event against local
// state. local and tombstone are nil when absent.
//
// While an event is locally modified its stored RemoteVersion holds the
// version the edit was based on, so equality with the incoming version
// means the remote hasn't moved past our base.
func Resolve(rev *remote.RemoteEvent, local *schema.Event, tombstone *schema.Tombstone) Action {
	if rev.Cancelled {
		// Remote reports the event gone.
		if tombstone != nil {
			return ApplyRemoteAndClearTombstone
		}
		if local == nil {
			// Never had it; nothing to do.
			return Ignore
		}
		if local.LocallyModified {
			// Local edit vs. remote deletion: surface, don't discard.
			return MarkConflict
		}
		return ApplyRemote
	}

	if tombstone != nil {
		// A local delete is queued but the remote still lists the event.
		// Version parity means the remote simply hasn't seen the delete
		// yet; an advanced version means someone edited an event we
		// deleted, and that needs a user decision, not a silent
		// resurrection.
		if local == nil || rev.Version == local.RemoteVersion {
			return Ignore
		}
		return MarkConflict
	}

	if local == nil {
		return ApplyRemote
	}

	if !local.LocallyModified {
		// No pending local intent; remote is authoritative.
		return ApplyRemote
	}

	if rev.Version == local.RemoteVersion {
		return Ignore
	}

	return MarkConflict
}
