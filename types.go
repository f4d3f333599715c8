package joinstr

import (
	"fmt"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Network selects the bitcoin network a pool operates on. All participants
// of a pool must agree on it, a mismatch is a hard error.
type Network int32

const (
	Mainnet Network = iota
	Testnet
	Signet
	Regtest
)

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "bitcoin"
	case Testnet:
		return "testnet"
	case Signet:
		return "signet"
	case Regtest:
		return "regtest"
	default:
		return "unknown"
	}
}

// NetworkFromString parses the wire representation used in pool descriptors.
func NetworkFromString(s string) (Network, error) {
	switch s {
	case "bitcoin", "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "signet":
		return Signet, nil
	case "regtest":
		return Regtest, nil
	default:
		return 0, fmt.Errorf("unknown network %q", s)
	}
}

// ChainParams returns the chaincfg params for the network.
func (n Network) ChainParams() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Signet:
		return &chaincfg.SigNetParams, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %d", n)
	}
}

// PoolConfig describes the economic and topology parameters of a pool.
type PoolConfig struct {
	// Denomination is the exact output value every participant must
	// produce, in BTC.
	Denomination float64
	// Fee is the minimum fee rate the final transaction must pay, in
	// sat/vb. The estimated fee is split evenly across peers.
	Fee uint32
	// MaxDuration bounds the round lifetime, in seconds.
	MaxDuration uint64
	// Peers is the number of participants required to execute the round.
	Peers   int
	Network Network
}

// Validate is pure and side-effect free. No other operation accepts an
// unvalidated config.
func (c PoolConfig) Validate() error {
	if c.Denomination <= 0 {
		return errorf(CodePoolConfig, "denomination must be positive, got %f", c.Denomination)
	}
	if _, err := btcutil.NewAmount(c.Denomination); err != nil {
		return errorf(CodePoolConfig, "invalid denomination: %s", err)
	}
	if c.Peers < 2 {
		return errorf(CodePoolConfig, "at least 2 peers are required, got %d", c.Peers)
	}
	if c.MaxDuration == 0 {
		return errorf(CodePoolConfig, "max duration must be positive")
	}
	if _, err := c.Network.ChainParams(); err != nil {
		return newError(CodePoolConfig, err)
	}
	return nil
}

// DenominationAmount returns the denomination in satoshis. Callers must
// Validate first.
func (c PoolConfig) DenominationAmount() (btcutil.Amount, error) {
	return btcutil.NewAmount(c.Denomination)
}

// PeerConfig describes one peer's collaborators and coin selection for a
// single round. The core holds it only for the duration of the call and
// never persists the mnemonics.
type PeerConfig struct {
	ElectrumAddress string
	ElectrumPort    uint16
	// Mnemonics is the BIP39 seed phrase of the wallet the input is
	// spent from.
	Mnemonics string
	// Input optionally pins the coin to register, as a "txid:vout"
	// outpoint. Empty means the smallest eligible coin is picked.
	Input string
	// Output is the address the denomination output is paid to.
	Output string
	// Relay is the websocket url of the nostr relay coordinating the
	// pool.
	Relay string
}

func (c PeerConfig) Validate() error {
	for _, s := range []string{
		c.ElectrumAddress, c.Mnemonics, c.Input, c.Output, c.Relay,
	} {
		if !utf8.ValidString(s) {
			return errorf(CodeCString, "peer config contains invalid text")
		}
	}
	if c.ElectrumAddress == "" {
		return errorf(CodePeerConfig, "missing electrum address")
	}
	if c.ElectrumPort == 0 {
		return errorf(CodePeerConfig, "missing electrum port")
	}
	if c.Mnemonics == "" {
		return errorf(CodePeerConfig, "missing mnemonics")
	}
	if c.Output == "" {
		return errorf(CodePeerConfig, "missing output address")
	}
	if c.Relay == "" {
		return errorf(CodePeerConfig, "missing relay url")
	}
	return nil
}
