package signer

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// ReceiveBranch and ChangeBranch are the two derivation branches a
	// wallet is scanned over.
	ReceiveBranch uint32 = 0
	ChangeBranch  uint32 = 1
)

// CoinPath locates the key controlling a coin under the wallet's account:
// m/84'/0'/0'/depth/index.
type CoinPath struct {
	Depth uint32 `json:"depth"`
	Index uint32 `json:"index"`
}

// CoinTxOut is the spent-output half of a coin.
type CoinTxOut struct {
	// Value in satoshis.
	Value btcutil.Amount `json:"value"`
	// ScriptPubKey hex.
	ScriptPubKey string `json:"script_pubkey"`
}

// Coin is an unspent output controlled by the wallet. Immutable once
// produced by a scan; registering it into a round reserves it for that
// round only.
type Coin struct {
	TxOut CoinTxOut `json:"txout"`
	// Outpoint as "txid:vout".
	Outpoint string   `json:"outpoint"`
	Sequence uint32   `json:"sequence"`
	Path     CoinPath `json:"coin_path"`
}

// NewCoin builds a coin from a scan result.
func NewCoin(txid string, vout uint32, value btcutil.Amount, pkScript []byte, path CoinPath) Coin {
	return Coin{
		TxOut: CoinTxOut{
			Value:        value,
			ScriptPubKey: hex.EncodeToString(pkScript),
		},
		Outpoint: fmt.Sprintf("%s:%d", txid, vout),
		Sequence: wire.MaxTxInSequenceNum - 2, // signal RBF
		Path:     path,
	}
}

// OutPoint parses the coin's outpoint.
func (c Coin) OutPoint() (*wire.OutPoint, error) {
	return ParseOutPoint(c.Outpoint)
}

// PkScript decodes the coin's scriptPubKey.
func (c Coin) PkScript() ([]byte, error) {
	script, err := hex.DecodeString(c.TxOut.ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid script hex on coin %s: %w", c.Outpoint, err)
	}
	return script, nil
}

// ParseOutPoint parses a "txid:vout" string.
func ParseOutPoint(s string) (*wire.OutPoint, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid outpoint %q", s)
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid txid in outpoint %q: %w", s, err)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid vout in outpoint %q: %w", s, err)
	}
	return wire.NewOutPoint(hash, uint32(vout)), nil
}
