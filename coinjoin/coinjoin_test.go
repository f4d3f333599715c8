package coinjoin_test

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/joinstr/joinstr-go/coinjoin"
	"github.com/joinstr/joinstr-go/nostr"
)

var vectorAddresses = []string{
	"bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu",
	"bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g",
	"bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el",
}

func address(t *testing.T, i int) btcutil.Address {
	t.Helper()
	addr, err := btcutil.DecodeAddress(vectorAddresses[i], &chaincfg.MainNetParams)
	require.NoError(t, err)
	return addr
}

func signedInput(seed byte, amount btcutil.Amount) *nostr.SignedInput {
	var hash chainhash.Hash
	hash[0] = seed
	txin := wire.NewTxIn(wire.NewOutPoint(&hash, uint32(seed)), nil, wire.TxWitness{{seed}})
	return &nostr.SignedInput{TxIn: txin, Amount: amount}
}

func TestFeeArithmetic(t *testing.T) {
	// 11 + 5*68 + 5*31
	require.Equal(t, 506, coinjoin.EstimatedVSize(5, 5))
	// ceil(2*506 / 5)
	require.Equal(t, btcutil.Amount(203), coinjoin.FeeShare(2, 5))
	// ceil(1*209 / 2)
	require.Equal(t, btcutil.Amount(105), coinjoin.FeeShare(1, 2))
	require.Equal(t,
		btcutil.Amount(100203),
		coinjoin.RequiredInputValue(100000, 2, 5))
}

func TestAddOutput(t *testing.T) {
	cj := coinjoin.New(100000, 2, 2)
	require.NoError(t, cj.AddOutput(address(t, 0)))
	require.Equal(t, 1, cj.OutputsLen())

	err := cj.AddOutput(address(t, 0))
	require.ErrorIs(t, err, coinjoin.ErrDuplicateOutput)

	require.NoError(t, cj.AddOutput(address(t, 1)))
	require.Equal(t, 2, cj.OutputsLen())
}

func TestAddOutputRejectsDust(t *testing.T) {
	cj := coinjoin.New(100, 2, 2)
	err := cj.AddOutput(address(t, 0))
	require.Error(t, err)
	require.Contains(t, err.Error(), "dust")
}

func TestAddInput(t *testing.T) {
	cj := coinjoin.New(100000, 2, 2)
	required := coinjoin.RequiredInputValue(100000, 2, 2)

	require.NoError(t, cj.AddInput(signedInput(1, required)))
	require.Equal(t, 1, cj.InputsLen())

	err := cj.AddInput(signedInput(1, required))
	require.ErrorIs(t, err, coinjoin.ErrDuplicateInput)

	// undisclosed amount is accepted
	require.NoError(t, cj.AddInput(signedInput(2, 0)))

	err = cj.AddInput(signedInput(3, required-1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "below the required")

	witnessless := signedInput(4, required)
	witnessless.TxIn.Witness = nil
	require.Error(t, cj.AddInput(witnessless))
}

func TestUnsignedTxDeterministic(t *testing.T) {
	first := coinjoin.New(100000, 2, 3)
	second := coinjoin.New(100000, 2, 3)
	for _, i := range []int{0, 1, 2} {
		require.NoError(t, first.AddOutput(address(t, i)))
	}
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, second.AddOutput(address(t, i)))
	}

	txA, err := first.UnsignedTx()
	require.NoError(t, err)
	txB, err := second.UnsignedTx()
	require.NoError(t, err)
	require.Equal(t, txA.TxHash(), txB.TxHash())

	require.Len(t, txA.TxOut, 3)
	for i := 1; i < len(txA.TxOut); i++ {
		require.Negative(t,
			bytes.Compare(txA.TxOut[i-1].PkScript, txA.TxOut[i].PkScript))
	}
	for _, out := range txA.TxOut {
		require.EqualValues(t, 100000, out.Value)
	}
}

func TestFinalTx(t *testing.T) {
	required := coinjoin.RequiredInputValue(100000, 2, 2)

	build := func(t *testing.T, outputOrder, inputOrder []int) *wire.MsgTx {
		cj := coinjoin.New(100000, 2, 2)
		for _, i := range outputOrder {
			require.NoError(t, cj.AddOutput(address(t, i)))
		}
		for _, i := range inputOrder {
			require.NoError(t, cj.AddInput(signedInput(byte(i+1), required)))
		}
		tx, err := cj.FinalTx()
		require.NoError(t, err)
		return tx
	}

	// all peers assemble the same transaction whatever order they saw the
	// registrations in
	txA := build(t, []int{0, 1}, []int{0, 1})
	txB := build(t, []int{1, 0}, []int{1, 0})
	require.Equal(t, txA.TxHash(), txB.TxHash())
	require.Len(t, txA.TxIn, 2)
	require.Len(t, txA.TxOut, 2)
}

func TestFinalTxCountChecks(t *testing.T) {
	required := coinjoin.RequiredInputValue(100000, 2, 2)

	missingOutputs := coinjoin.New(100000, 2, 2)
	require.NoError(t, missingOutputs.AddOutput(address(t, 0)))
	_, err := missingOutputs.FinalTx()
	require.Error(t, err)

	missingInputs := coinjoin.New(100000, 2, 2)
	require.NoError(t, missingInputs.AddOutput(address(t, 0)))
	require.NoError(t, missingInputs.AddOutput(address(t, 1)))
	require.NoError(t, missingInputs.AddInput(signedInput(1, required)))
	_, err = missingInputs.FinalTx()
	require.Error(t, err)
}
