// Package joinstr is the client-side core of the joinstr coinjoin scheme:
// pools are advertised on a nostr relay, peers coordinate a round over the
// pool's encrypted DM stream, and the resulting equal-denomination
// transaction is broadcast through an Electrum server.
//
// The four public operations block until they have a result and report it as
// a payload-or-error pair: the payload is set iff the error code is
// CodeNone. The shape mirrors the language bindings consuming this core.
package joinstr

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/joinstr/joinstr-go/electrum"
	"github.com/joinstr/joinstr-go/signer"
)

// Pools is the result of ListPools: a JSON array of pool descriptors, or an
// error code.
type Pools struct {
	Pools *string
	Error Code
}

// Coins is the result of ListCoins: a JSON array of coins, or an error code.
type Coins struct {
	Coins *string
	Error Code
}

// Txid is the result of a round: the broadcast transaction id, or an error
// code.
type Txid struct {
	Txid  *string
	Error Code
}

// ListPools collects the pools advertised on the relay within the last back
// seconds, waiting at most timeout seconds for the relay to deliver. Expired
// pools are dropped; no matching pool yields an empty array, not an error.
func ListPools(ctx context.Context, back, timeout uint64, relay string) Pools {
	if !utf8.ValidString(relay) {
		return Pools{Error: CodeCString}
	}
	pools, err := listPools(ctx, relay, back, timeout)
	if err != nil {
		log.WithError(err).Error("list pools failed")
		return Pools{Error: codeOf(err, CodeListPools)}
	}
	payload, err := json.Marshal(pools)
	if err != nil {
		return Pools{Error: CodeJson}
	}
	result := string(payload)
	return Pools{Pools: &result}
}

// ListCoins scans the wallet derived from the mnemonics over the receive and
// change branches for indexes in [indexMin, indexMax] and returns the
// unspent coins as a JSON array. A single failed lookup fails the whole
// scan, partial results are never returned.
func ListCoins(
	ctx context.Context,
	mnemonics, electrumAddress string,
	electrumPort uint16,
	network Network,
	indexMin, indexMax uint32,
) Coins {
	if !utf8.ValidString(mnemonics) || !utf8.ValidString(electrumAddress) {
		return Coins{Error: CodeCString}
	}
	coins, err := scanCoins(ctx, mnemonics, electrumAddress, electrumPort, network, indexMin, indexMax)
	if err != nil {
		log.WithError(err).Error("list coins failed")
		return Coins{Error: codeOf(err, CodeListCoins)}
	}
	payload, err := json.Marshal(coins)
	if err != nil {
		return Coins{Error: CodeJson}
	}
	result := string(payload)
	return Coins{Coins: &result}
}

// InitiateCoinjoin creates and advertises a pool from the config and drives
// the round as its initiator, returning the broadcast txid.
func InitiateCoinjoin(ctx context.Context, config PoolConfig, peer PeerConfig) Txid {
	if err := config.Validate(); err != nil {
		return Txid{Error: codeOf(err, CodePoolConfig)}
	}
	if err := peer.Validate(); err != nil {
		return Txid{Error: codeOf(err, CodePeerConfig)}
	}
	txid, err := initiateCoinjoin(ctx, config, peer)
	if err != nil {
		log.WithError(err).Error("initiate coinjoin failed")
		return Txid{Error: codeOf(err, CodeInitiateConjoin)}
	}
	result := txid.String()
	return Txid{Txid: &result}
}

// JoinCoinjoin joins an advertised pool and drives the round as a regular
// peer. The pool argument is either a full JSON pool descriptor or a pool
// id, ids are resolved against the relay's recent advertisements.
func JoinCoinjoin(ctx context.Context, pool string, peer PeerConfig) Txid {
	if !utf8.ValidString(pool) {
		return Txid{Error: CodeCString}
	}
	if err := peer.Validate(); err != nil {
		return Txid{Error: codeOf(err, CodePeerConfig)}
	}
	txid, err := joinCoinjoin(ctx, pool, peer)
	if err != nil {
		log.WithError(err).Error("join coinjoin failed")
		return Txid{Error: codeOf(err, CodeInitiateConjoin)}
	}
	result := txid.String()
	return Txid{Txid: &result}
}

func scanCoins(
	ctx context.Context,
	mnemonics, electrumAddress string,
	electrumPort uint16,
	network Network,
	indexMin, indexMax uint32,
) ([]signer.Coin, error) {
	params, err := network.ChainParams()
	if err != nil {
		return nil, newError(CodePoolConfig, err)
	}
	hot, err := signer.NewFromMnemonic(params, mnemonics)
	if err != nil {
		return nil, newError(CodePeerConfig, err)
	}
	client, err := electrum.NewClient(ctx, electrumAddress, electrumPort)
	if err != nil {
		return nil, newError(CodeListCoins, err)
	}
	defer client.Close()
	coins, err := listCoins(ctx, hot, client, indexMin, indexMax)
	if err != nil {
		return nil, newError(CodeListCoins, err)
	}
	return coins, nil
}
