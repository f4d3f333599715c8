// Package signer derives wpkh keys from a BIP39 mnemonic under the BIP84
// scheme and signs coinjoin inputs with SIGHASH_ALL|ANYONECANPAY, so each
// peer's signature stays valid while the other peers' inputs are merged
// into the shared transaction.
package signer

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/joinstr/joinstr-go/nostr"
	"github.com/vulpemventures/go-bip39"
)

// HotSigner holds the derived account key in memory for the duration of one
// operation. It is never persisted.
type HotSigner struct {
	account *hdkeychain.ExtendedKey
	params  *chaincfg.Params
}

// NewFromMnemonic derives the m/84'/0'/0' account from the seed phrase.
func NewFromMnemonic(params *chaincfg.Params, mnemonic string) (*HotSigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	account := master
	for _, child := range []uint32{
		hdkeychain.HardenedKeyStart + 84,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + 0,
	} {
		if account, err = account.Derive(child); err != nil {
			return nil, fmt.Errorf("failed to derive account key: %w", err)
		}
	}
	return &HotSigner{account: account, params: params}, nil
}

// Generate creates a signer with a fresh 12-word mnemonic and returns the
// phrase alongside. Refused on mainnet, the entropy source is not meant for
// real funds.
func Generate(params *chaincfg.Params) (*HotSigner, string, error) {
	if params.Net == chaincfg.MainNetParams.Net {
		return nil, "", fmt.Errorf("generated signers are not allowed on mainnet")
	}
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", err
	}
	signer, err := NewFromMnemonic(params, mnemonic)
	if err != nil {
		return nil, "", err
	}
	return signer, mnemonic, nil
}

func (s *HotSigner) keyAt(path CoinPath) (*hdkeychain.ExtendedKey, error) {
	branch, err := s.account.Derive(path.Depth)
	if err != nil {
		return nil, fmt.Errorf("failed to derive branch %d: %w", path.Depth, err)
	}
	child, err := branch.Derive(path.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d/%d: %w", path.Depth, path.Index, err)
	}
	return child, nil
}

// AddressAt returns the wpkh address at the given path.
func (s *HotSigner) AddressAt(path CoinPath) (btcutil.Address, error) {
	child, err := s.keyAt(path)
	if err != nil {
		return nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), s.params,
	)
}

// ScriptAt returns the scriptPubKey at the given path.
func (s *HotSigner) ScriptAt(path CoinPath) ([]byte, error) {
	addr, err := s.AddressAt(path)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// SignInput signs the coin as the sole input of the given output-only
// transaction template and returns it ready to be merged with the other
// peers' inputs. The template must not carry inputs, every peer signs its
// own copy at index zero.
func (s *HotSigner) SignInput(unsigned *wire.MsgTx, coin Coin) (*nostr.SignedInput, error) {
	if len(unsigned.TxIn) != 0 {
		return nil, fmt.Errorf("transaction template already has inputs")
	}
	pkScript, err := coin.PkScript()
	if err != nil {
		return nil, err
	}
	expected, err := s.ScriptAt(coin.Path)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pkScript, expected) {
		return nil, fmt.Errorf("coin %s does not match the key at %d/%d",
			coin.Outpoint, coin.Path.Depth, coin.Path.Index)
	}
	outpoint, err := coin.OutPoint()
	if err != nil {
		return nil, err
	}

	tx := unsigned.Copy()
	txin := wire.NewTxIn(outpoint, nil, nil)
	txin.Sequence = coin.Sequence
	tx.AddTxIn(txin)

	child, err := s.keyAt(coin.Path)
	if err != nil {
		return nil, err
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, int64(coin.TxOut.Value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	witness, err := txscript.WitnessSignature(
		tx, sigHashes, 0, int64(coin.TxOut.Value), pkScript,
		txscript.SigHashAll|txscript.SigHashAnyOneCanPay, priv, true,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sign input %s: %w", coin.Outpoint, err)
	}
	txin.Witness = witness

	return &nostr.SignedInput{TxIn: txin, Amount: coin.TxOut.Value}, nil
}
