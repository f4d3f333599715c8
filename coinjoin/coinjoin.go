// Package coinjoin assembles the shared equal-denomination transaction of
// a round. Every peer builds the same output template independently, signs
// only its own input against it, and merges the signed inputs it observes;
// ordering is made deterministic so all peers converge on the same txid.
package coinjoin

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/joinstr/joinstr-go/nostr"
)

// Virtual-size estimate of a wpkh coinjoin, used for the per-peer fee
// share. Every input and output of the scheme is p2wpkh.
const (
	txOverheadVBytes   = 11
	p2wpkhInputVBytes  = 68
	p2wpkhOutputVBytes = 31
)

var (
	// ErrDuplicateInput flags an already registered outpoint. Peers see
	// their own contributions replayed by the relay, so duplicates are
	// expected and skipped.
	ErrDuplicateInput = errors.New("input already registered")
	// ErrDuplicateOutput flags output-script reuse inside a round, which
	// would link two participants.
	ErrDuplicateOutput = errors.New("output script already registered")
)

// CoinJoin accumulates the registered outputs and signed inputs of one
// round and produces the unsigned template and the final transaction.
type CoinJoin struct {
	denomination btcutil.Amount
	feeRate      uint32
	peers        int

	outputs []*wire.TxOut
	inputs  []*nostr.SignedInput
}

func New(denomination btcutil.Amount, feeRate uint32, peers int) *CoinJoin {
	return &CoinJoin{
		denomination: denomination,
		feeRate:      feeRate,
		peers:        peers,
	}
}

// EstimatedVSize returns the virtual size of a round transaction with the
// given shape.
func EstimatedVSize(inputs, outputs int) int {
	return txOverheadVBytes + inputs*p2wpkhInputVBytes + outputs*p2wpkhOutputVBytes
}

// FeeShare returns the slice of the estimated fee each peer's input must
// cover on top of the denomination, rounded up.
func FeeShare(feeRate uint32, peers int) btcutil.Amount {
	fee := int64(feeRate) * int64(EstimatedVSize(peers, peers))
	return btcutil.Amount((fee + int64(peers) - 1) / int64(peers))
}

// RequiredInputValue returns the minimum value a coin must have to be
// eligible for a round.
func RequiredInputValue(denomination btcutil.Amount, feeRate uint32, peers int) btcutil.Amount {
	return denomination + FeeShare(feeRate, peers)
}

func (c *CoinJoin) Denomination() btcutil.Amount { return c.denomination }
func (c *CoinJoin) OutputsLen() int              { return len(c.outputs) }
func (c *CoinJoin) InputsLen() int               { return len(c.inputs) }

// AddOutput registers a denomination output paying the given address.
// Every output of a round carries exactly the denomination value.
func (c *CoinJoin) AddOutput(addr btcutil.Address) error {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("failed to build output script: %w", err)
	}
	if txrules.IsDustAmount(c.denomination, len(script), txrules.DefaultRelayFeePerKb) {
		return fmt.Errorf("denomination %s is dust for output %s", c.denomination, addr)
	}
	for _, out := range c.outputs {
		if bytes.Equal(out.PkScript, script) {
			return ErrDuplicateOutput
		}
	}
	c.outputs = append(c.outputs, wire.NewTxOut(int64(c.denomination), script))
	return nil
}

// AddInput registers a peer's signed input. Inputs whose disclosed value
// cannot cover the denomination plus the fee share are rejected so an
// underfunded peer cannot drag the round below its fee floor.
func (c *CoinJoin) AddInput(in *nostr.SignedInput) error {
	if in == nil || in.TxIn == nil {
		return fmt.Errorf("missing input")
	}
	if len(in.TxIn.Witness) == 0 {
		return fmt.Errorf("input %s carries no witness", in.OutPoint())
	}
	for _, existing := range c.inputs {
		if existing.OutPoint() == in.OutPoint() {
			return ErrDuplicateInput
		}
	}
	if in.Amount > 0 {
		required := RequiredInputValue(c.denomination, c.feeRate, c.peers)
		if in.Amount < required {
			return fmt.Errorf("input %s value %s is below the required %s",
				in.OutPoint(), in.Amount, required)
		}
	}
	c.inputs = append(c.inputs, in)
	return nil
}

// UnsignedTx returns the output-only transaction template every peer signs
// against. Outputs are ordered by script so all peers derive the same
// template from the same registrations.
func (c *CoinJoin) UnsignedTx() (*wire.MsgTx, error) {
	if len(c.outputs) == 0 {
		return nil, fmt.Errorf("no outputs registered")
	}
	tx := wire.NewMsgTx(2)
	outputs := make([]*wire.TxOut, len(c.outputs))
	copy(outputs, c.outputs)
	sort.Slice(outputs, func(i, j int) bool {
		return bytes.Compare(outputs[i].PkScript, outputs[j].PkScript) < 0
	})
	for _, out := range outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}
	return tx, nil
}

// FinalTx merges the signed inputs into the template. It requires one input
// per output and the configured peer count, and enforces the fee-rate floor
// whenever every input disclosed its value. Inputs are ordered by outpoint
// so every peer assembles the same transaction.
func (c *CoinJoin) FinalTx() (*wire.MsgTx, error) {
	if len(c.outputs) != c.peers {
		return nil, fmt.Errorf("expected %d outputs, got %d", c.peers, len(c.outputs))
	}
	if len(c.inputs) != len(c.outputs) {
		return nil, fmt.Errorf("expected %d inputs, got %d", len(c.outputs), len(c.inputs))
	}
	tx, err := c.UnsignedTx()
	if err != nil {
		return nil, err
	}
	inputs := make([]*nostr.SignedInput, len(c.inputs))
	copy(inputs, c.inputs)
	sort.Slice(inputs, func(i, j int) bool {
		a, b := inputs[i].OutPoint(), inputs[j].OutPoint()
		if cmp := bytes.Compare(a.Hash[:], b.Hash[:]); cmp != 0 {
			return cmp < 0
		}
		return a.Index < b.Index
	})
	totalIn := btcutil.Amount(0)
	allKnown := true
	for _, in := range inputs {
		tx.AddTxIn(in.TxIn)
		if in.Amount == 0 {
			allKnown = false
		}
		totalIn += in.Amount
	}
	if allKnown {
		fee := totalIn - c.denomination*btcutil.Amount(len(c.outputs))
		floor := btcutil.Amount(int64(c.feeRate) * int64(EstimatedVSize(len(inputs), len(c.outputs))))
		if fee < floor {
			return nil, fmt.Errorf("fee %s is below the %s floor", fee, floor)
		}
	}
	return tx, nil
}
