package revision

import (
	"github.com/pkg/errors"

	"github.com/softwarefaith/appflowy/pkg/ot"
)

// TieBreak decides which side's insert comes first when a pending local
// revision and a committed remote revision insert at the same position.
// Server and clients must agree on it.
type TieBreak int

const (
	LocalFirst TieBreak = iota
	RemoteFirst
)

// ParseTieBreak parses "local-first" or "remote-first". Empty means LocalFirst.
func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "", "local-first":
		return LocalFirst, nil
	case "remote-first":
		return RemoteFirst, nil
	}
	return LocalFirst, errors.Errorf("revision: unknown tie-break %q", s)
}

func (t TieBreak) String() string {
	if t == RemoteFirst {
		return "remote-first"
	}
	return "local-first"
}

// LocalPriority reports whether an uncommitted revision wins ties against a
// revision that was committed before it.
func (t TieBreak) LocalPriority() bool { return t == LocalFirst }

// Rebase transforms a not yet committed delta over one committed before it.
// It returns the rebased pending delta and the committed delta rewritten to
// apply after the pending one.
func (t TieBreak) Rebase(committed, pending ot.Delta) (pendingOut, committedOut ot.Delta, err error) {
	pendingOut, err = committed.Transform(pending, !t.LocalPriority())
	if err != nil {
		return ot.Delta{}, ot.Delta{}, err
	}
	committedOut, err = pending.Transform(committed, t.LocalPriority())
	if err != nil {
		return ot.Delta{}, ot.Delta{}, err
	}
	return pendingOut, committedOut, nil
}
