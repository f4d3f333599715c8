package coordinator

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
)

// Phase is the round lifecycle. Transitions only happen through the Round
// methods below, which reject anything the protocol does not allow.
type Phase int

const (
	Configuring Phase = iota
	Published
	Registering
	Committed
	Signing
	Completed
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Configuring:
		return "CONFIGURING"
	case Published:
		return "PUBLISHED"
	case Registering:
		return "REGISTERING"
	case Committed:
		return "COMMITTED"
	case Signing:
		return "SIGNING"
	case Completed:
		return "COMPLETED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNDEFINED"
	}
}

// Round is one peer's working state for a single round. Exactly one exists
// per session and it is discarded on terminal transition.
type Round struct {
	ID        string
	PoolID    string
	Phase     Phase
	StartedAt time.Time
	Deadline  time.Time
	Txid      *chainhash.Hash

	abortErr error
}

func NewRound(poolID string, start, deadline time.Time) *Round {
	return &Round{
		ID:        uuid.New().String(),
		PoolID:    poolID,
		Phase:     Configuring,
		StartedAt: start,
		Deadline:  deadline,
	}
}

// Publish marks the pool as visible on the relay: the initiator advertised
// it, or the joiner was accepted into its DM stream.
func (r *Round) Publish() error {
	if r.Phase != Configuring {
		return fmt.Errorf("cannot publish from phase %s", r.Phase)
	}
	r.Phase = Published
	return nil
}

// StartRegistration opens the membership and output collection.
func (r *Round) StartRegistration() error {
	if r.Phase != Published {
		return fmt.Errorf("cannot start registration from phase %s", r.Phase)
	}
	r.Phase = Registering
	return nil
}

// Commit freezes the round membership. The registered count must equal the
// configured one exactly, a wrong-sized anonymity set is never signed.
func (r *Round) Commit(registered, required int) error {
	if r.Phase != Registering {
		return fmt.Errorf("cannot commit from phase %s", r.Phase)
	}
	if registered != required {
		return fmt.Errorf("%w: registered %d, configured %d",
			ErrPeerCountMismatch, registered, required)
	}
	r.Phase = Committed
	return nil
}

// StartSigning hands the frozen template to the signing exchange.
func (r *Round) StartSigning() error {
	if r.Phase != Committed {
		return fmt.Errorf("cannot start signing from phase %s", r.Phase)
	}
	r.Phase = Signing
	return nil
}

// Complete records the broadcast acknowledgement.
func (r *Round) Complete(txid *chainhash.Hash) error {
	if r.Phase != Signing {
		return fmt.Errorf("cannot complete from phase %s", r.Phase)
	}
	if txid == nil {
		return fmt.Errorf("missing txid")
	}
	r.Phase = Completed
	r.Txid = txid
	return nil
}

// Abort moves any non-terminal phase to Aborted. It keeps the first reason
// and is a no-op on terminal rounds.
func (r *Round) Abort(reason error) {
	if r.Terminal() {
		return
	}
	r.Phase = Aborted
	r.abortErr = reason
}

// Terminal reports whether the round reached Completed or Aborted.
func (r *Round) Terminal() bool {
	return r.Phase == Completed || r.Phase == Aborted
}

// Err returns the abort reason, if any.
func (r *Round) Err() error {
	return r.abortErr
}
