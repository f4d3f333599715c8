package joinstr

import (
	"context"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/joinstr/joinstr-go/coinjoin"
	"github.com/joinstr/joinstr-go/coordinator"
	"github.com/joinstr/joinstr-go/electrum"
	"github.com/joinstr/joinstr-go/nostr"
	"github.com/joinstr/joinstr-go/signer"
)

// roundEnv holds the collaborators of one round. Built per call, torn down
// when the round reaches a terminal phase.
type roundEnv struct {
	params   *chaincfg.Params
	hot      *signer.HotSigner
	electrum *electrum.Client
	relay    *nostr.Client
	output   btcutil.Address
}

func newRoundEnv(ctx context.Context, name string, network Network, peer PeerConfig) (*roundEnv, error) {
	params, err := network.ChainParams()
	if err != nil {
		return nil, newError(CodePoolConfig, err)
	}
	hot, err := signer.NewFromMnemonic(params, peer.Mnemonics)
	if err != nil {
		return nil, newError(CodePeerConfig, err)
	}
	output, err := btcutil.DecodeAddress(peer.Output, params)
	if err != nil {
		return nil, errorf(CodePeerConfig, "invalid output address %q: %s", peer.Output, err)
	}
	if !output.IsForNet(params) {
		return nil, errorf(CodePeerConfig, "output address %s is not valid for %s",
			peer.Output, network)
	}
	eclient, err := electrum.NewClient(ctx, peer.ElectrumAddress, peer.ElectrumPort)
	if err != nil {
		return nil, newError(CodeListCoins, err)
	}
	relay, err := nostr.NewClient(name, peer.Relay)
	if err != nil {
		eclient.Close()
		return nil, newError(CodeInitiateConjoin, err)
	}
	if err := relay.Connect(ctx); err != nil {
		eclient.Close()
		return nil, newError(CodeInitiateConjoin, err)
	}
	if err := relay.SubscribeDM(ctx); err != nil {
		relay.Close()
		eclient.Close()
		return nil, newError(CodeInitiateConjoin, err)
	}
	return &roundEnv{
		params:   params,
		hot:      hot,
		electrum: eclient,
		relay:    relay,
		output:   output,
	}, nil
}

func (e *roundEnv) close() {
	e.relay.Close()
	e.electrum.Close()
}

// pickCoin scans the wallet and selects the input the round registers.
func (e *roundEnv) pickCoin(ctx context.Context, pinned string, required btcutil.Amount) (signer.Coin, error) {
	coins, err := listCoins(ctx, e.hot, e.electrum, DefaultIndexMin, DefaultIndexMax)
	if err != nil {
		return signer.Coin{}, newError(CodeListCoins, err)
	}
	coin, err := selectCoin(coins, pinned, required)
	if err != nil {
		return signer.Coin{}, newError(CodeListCoins, err)
	}
	return coin, nil
}

func (e *roundEnv) sessionOptions(coin signer.Coin) coordinator.Options {
	return coordinator.Options{
		Transport: e.relay,
		Backend:   e.electrum,
		Signer:    e.hot,
		Params:    e.params,
		Coin:      coin,
		Output:    e.output,
	}
}

// initiateCoinjoin publishes a fresh pool and drives the round as its
// initiator, contributing one input and one output like every other peer.
func initiateCoinjoin(ctx context.Context, config PoolConfig, peer PeerConfig) (*chainhash.Hash, error) {
	denomination, err := config.DenominationAmount()
	if err != nil {
		return nil, newError(CodePoolConfig, err)
	}
	env, err := newRoundEnv(ctx, "initiator", config.Network, peer)
	if err != nil {
		return nil, err
	}
	defer env.close()

	required := coinjoin.RequiredInputValue(denomination, config.Fee, config.Peers)
	coin, err := env.pickCoin(ctx, peer.Input, required)
	if err != nil {
		return nil, err
	}

	expiry := time.Now().Add(time.Duration(config.MaxDuration) * time.Second)
	payload := &nostr.Payload{
		Denomination: denomination,
		Peers:        config.Peers,
		Timeout:      nostr.SimpleTimeline(expiry),
		Relays:       []string{peer.Relay},
		Fee:          nostr.FixedFee(config.Fee),
	}
	session, err := coordinator.NewInitiator(
		env.sessionOptions(coin), payload, config.Network.String())
	if err != nil {
		return nil, newError(CodeInitiateConjoin, err)
	}
	txid, err := session.Run(ctx)
	if err != nil {
		return nil, newError(CodeInitiateConjoin, err)
	}
	return txid, nil
}

// joinCoinjoin resolves the pool argument and drives the round as a joiner.
// The argument is a full JSON descriptor or a pool id looked up on the relay.
func joinCoinjoin(ctx context.Context, poolArg string, peer PeerConfig) (*chainhash.Hash, error) {
	pool, err := resolvePool(ctx, poolArg, peer.Relay)
	if err != nil {
		return nil, err
	}
	network, err := NetworkFromString(pool.Network)
	if err != nil {
		return nil, newError(CodeListPools, err)
	}
	if pool.Payload == nil {
		return nil, errorf(CodeListPools, "pool %s carries no payload", pool.ID)
	}
	env, err := newRoundEnv(ctx, "peer", network, peer)
	if err != nil {
		return nil, err
	}
	defer env.close()

	required := coinjoin.RequiredInputValue(
		pool.Payload.Denomination, pool.Payload.Fee.Fixed, pool.Payload.Peers)
	coin, err := env.pickCoin(ctx, peer.Input, required)
	if err != nil {
		return nil, err
	}

	session, err := coordinator.NewJoiner(env.sessionOptions(coin), pool)
	if err != nil {
		return nil, newError(CodeInitiateConjoin, err)
	}
	txid, err := session.Run(ctx)
	if err != nil {
		return nil, newError(CodeInitiateConjoin, err)
	}
	return txid, nil
}

func resolvePool(ctx context.Context, poolArg, relayURL string) (*nostr.Pool, error) {
	arg := strings.TrimSpace(poolArg)
	if strings.HasPrefix(arg, "{") {
		pool, err := nostr.ParsePool([]byte(arg))
		if err != nil {
			return nil, newError(CodeSerdeJson, err)
		}
		return pool, nil
	}
	pool, err := findPool(ctx, relayURL, arg)
	if err != nil {
		return nil, newError(CodeListPools, err)
	}
	return pool, nil
}
