package signer_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joinstr/joinstr-go/signer"
)

func TestParseOutPoint(t *testing.T) {
	txid := strings.Repeat("ab", 32)
	outpoint, err := signer.ParseOutPoint(txid + ":3")
	require.NoError(t, err)
	require.Equal(t, txid, outpoint.Hash.String())
	require.EqualValues(t, 3, outpoint.Index)

	for _, invalid := range []string{
		"",
		txid,
		txid + ":x",
		"nothex:0",
		txid + ":0:1",
	} {
		_, err := signer.ParseOutPoint(invalid)
		require.Error(t, err, invalid)
	}
}

func TestCoinJSONRoundTrip(t *testing.T) {
	coin := signer.NewCoin(
		strings.Repeat("cd", 32), 2, 150000,
		[]byte{0x00, 0x14, 0xaa}, signer.CoinPath{Depth: 1, Index: 7},
	)

	buf, err := json.Marshal(coin)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf, &fields))
	require.Contains(t, fields, "txout")
	require.Contains(t, fields, "outpoint")
	require.Contains(t, fields, "sequence")
	require.Contains(t, fields, "coin_path")

	var back signer.Coin
	require.NoError(t, json.Unmarshal(buf, &back))
	require.Equal(t, coin, back)
}

func TestNewCoinSignalsRBF(t *testing.T) {
	coin := signer.NewCoin(strings.Repeat("00", 32), 0, 1, nil, signer.CoinPath{})
	require.EqualValues(t, 0xfffffffd, coin.Sequence)
}
