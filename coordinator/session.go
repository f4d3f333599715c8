// Package coordinator drives one coinjoin round from the peer's point of
// view: announce or join a pool, collect the other peers, exchange outputs
// and signed inputs over the pool's encrypted DM stream, and broadcast the
// resulting transaction. Every peer runs the same session logic, the
// initiator additionally answers join requests with the pool credentials.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	gonostr "github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"github.com/joinstr/joinstr-go/coinjoin"
	"github.com/joinstr/joinstr-go/nostr"
	"github.com/joinstr/joinstr-go/signer"
)

var (
	// ErrRoundTimeout is returned when the pool expires before the round
	// completes.
	ErrRoundTimeout = errors.New("round deadline expired")
	// ErrPeerCountMismatch is returned when the frozen membership does not
	// match the pool configuration.
	ErrPeerCountMismatch = errors.New("peer count does not match the pool configuration")
)

// dmReplayWindow bounds how far back a freshly rekeyed subscription asks the
// relay to replay. It only has to cover the lifetime of a single pool.
const dmReplayWindow = 24 * time.Hour

// Options bundles the collaborators of a session.
type Options struct {
	Transport Transport
	Backend   Backend
	Signer    InputSigner
	Params    *chaincfg.Params
	// Coin is the input the peer contributes.
	Coin signer.Coin
	// Output receives the peer's denomination.
	Output btcutil.Address
}

func (o Options) validate() error {
	if o.Transport == nil || o.Backend == nil || o.Signer == nil {
		return fmt.Errorf("missing transport, backend or signer")
	}
	if o.Params == nil {
		return fmt.Errorf("missing chain params")
	}
	if o.Output == nil {
		return fmt.Errorf("missing output address")
	}
	if !o.Output.IsForNet(o.Params) {
		return fmt.Errorf("output address %s is not valid for %s",
			o.Output, o.Params.Name)
	}
	return nil
}

// Session is one peer's participation in one round. It is single-use, Run
// drives the round to a terminal phase.
type Session struct {
	transport Transport
	backend   Backend
	signer    InputSigner
	params    *chaincfg.Params
	coin      signer.Coin
	output    btcutil.Address

	pool      *nostr.Pool
	round     *Round
	initiator bool
	// poolKey is the recipient of every pool message. Peers holding the
	// pool secret all read the DMs addressed to it.
	poolKey string
	// marker is the npub carried in the peer's own join message. The
	// initiator uses a throwaway key so it is counted like everyone else.
	marker string

	pendingOutputs []string
	pendingInputs  []*nostr.SignedInput
}

// NewInitiator builds the session that creates and advertises a pool.
func NewInitiator(opts Options, payload *nostr.Payload, network string) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	if err := validatePayload(payload, now); err != nil {
		return nil, err
	}
	expiry, err := payload.Timeout.Expiry()
	if err != nil {
		return nil, err
	}
	if err := checkCoinValue(opts.Coin, payload); err != nil {
		return nil, err
	}
	marker, err := gonostr.GetPublicKey(gonostr.GeneratePrivateKey())
	if err != nil {
		return nil, fmt.Errorf("failed to derive marker key: %w", err)
	}
	poolKey := opts.Transport.PublicKey()
	pool := &nostr.Pool{
		Versions:  []string{nostr.Version},
		ID:        nostr.NewPoolID(poolKey, now),
		Type:      nostr.PoolTypeCreate,
		PublicKey: poolKey,
		Network:   network,
		Payload:   payload,
	}
	return &Session{
		transport: opts.Transport,
		backend:   opts.Backend,
		signer:    opts.Signer,
		params:    opts.Params,
		coin:      opts.Coin,
		output:    opts.Output,
		pool:      pool,
		round:     NewRound(pool.ID, now, expiry),
		initiator: true,
		poolKey:   poolKey,
		marker:    marker,
	}, nil
}

// NewJoiner builds the session that joins an advertised pool.
func NewJoiner(opts Options, pool *nostr.Pool) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	if pool == nil || pool.Payload == nil {
		return nil, fmt.Errorf("pool descriptor carries no payload")
	}
	if pool.PublicKey == "" {
		return nil, fmt.Errorf("pool descriptor misses public key")
	}
	if pool.Network != networkName(opts.Params) {
		return nil, fmt.Errorf("pool is on %s, client on %s",
			pool.Network, networkName(opts.Params))
	}
	if err := validatePayload(pool.Payload, now); err != nil {
		return nil, err
	}
	expiry, err := pool.Payload.Timeout.Expiry()
	if err != nil {
		return nil, err
	}
	if err := checkCoinValue(opts.Coin, pool.Payload); err != nil {
		return nil, err
	}
	return &Session{
		transport: opts.Transport,
		backend:   opts.Backend,
		signer:    opts.Signer,
		params:    opts.Params,
		coin:      opts.Coin,
		output:    opts.Output,
		pool:      pool,
		round:     NewRound(pool.ID, now, expiry),
		poolKey:   pool.PublicKey,
		marker:    opts.Transport.PublicKey(),
	}, nil
}

func validatePayload(payload *nostr.Payload, now time.Time) error {
	if payload == nil {
		return fmt.Errorf("missing pool payload")
	}
	if payload.Denomination <= 0 {
		return fmt.Errorf("invalid denomination %d", payload.Denomination)
	}
	if payload.Peers < 2 {
		return fmt.Errorf("a pool needs at least 2 peers, got %d", payload.Peers)
	}
	if payload.Fee.Provider != nil {
		return fmt.Errorf("fee providers are not supported")
	}
	if payload.Transport.Vpn != nil && payload.Transport.Vpn.Enable {
		return fmt.Errorf("vpn transport is not supported")
	}
	if payload.Transport.Tor != nil && payload.Transport.Tor.Enable {
		return fmt.Errorf("tor transport is not supported")
	}
	expiry, err := payload.Timeout.Expiry()
	if err != nil {
		return err
	}
	if !expiry.After(now) {
		return fmt.Errorf("pool expired at %s", expiry)
	}
	return nil
}

func checkCoinValue(coin signer.Coin, payload *nostr.Payload) error {
	required := coinjoin.RequiredInputValue(
		payload.Denomination, payload.Fee.Fixed, payload.Peers)
	if coin.TxOut.Value < required {
		return fmt.Errorf("coin %s value %s is below the required %s",
			coin.Outpoint, coin.TxOut.Value, required)
	}
	return nil
}

func networkName(params *chaincfg.Params) string {
	switch params.Net {
	case chaincfg.TestNet3Params.Net:
		return "testnet"
	case chaincfg.SigNetParams.Net:
		return "signet"
	case chaincfg.RegressionNetParams.Net:
		return "regtest"
	default:
		return "bitcoin"
	}
}

// Pool returns the descriptor of the round's pool.
func (s *Session) Pool() *nostr.Pool { return s.pool }

// Round returns the round state. It is not safe to inspect while Run is in
// flight.
func (s *Session) Round() *Round { return s.round }

// Run drives the round to completion and returns the txid of the broadcast
// transaction. The pool expiry bounds the whole exchange, on any failure the
// round is aborted and the first error returned.
func (s *Session) Run(ctx context.Context) (*chainhash.Hash, error) {
	ctx, cancel := context.WithDeadline(ctx, s.round.Deadline)
	defer cancel()

	txid, err := s.run(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w in phase %s", ErrRoundTimeout, s.round.Phase)
		}
		s.round.Abort(err)
		log.Warnf("round %s: aborted: %s", s.round.ID, err)
		return nil, err
	}
	return txid, nil
}

func (s *Session) run(ctx context.Context) (*chainhash.Hash, error) {
	if s.initiator {
		if err := s.announce(ctx); err != nil {
			return nil, err
		}
	} else {
		if err := s.join(ctx); err != nil {
			return nil, err
		}
	}

	payload := s.pool.Payload
	cj := coinjoin.New(payload.Denomination, payload.Fee.Fixed, payload.Peers)

	peers, err := s.collectPeers(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.registerOutputs(ctx, cj); err != nil {
		return nil, err
	}
	if err := s.round.Commit(len(peers), payload.Peers); err != nil {
		return nil, err
	}
	tx, err := s.exchangeInputs(ctx, cj)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, tx)
}

// announce publishes the pool and enters it under the marker key, so the
// initiator counts as a peer like everyone else.
func (s *Session) announce(ctx context.Context) error {
	if err := s.transport.PublishPool(ctx, s.pool); err != nil {
		return err
	}
	if err := s.round.Publish(); err != nil {
		return err
	}
	log.Infof("round %s: pool %s published, waiting for %d peers",
		s.round.ID, s.pool.ID, s.pool.Payload.Peers)
	join := nostr.Message{Type: nostr.MessageJoin, Npub: s.marker}
	return s.transport.Send(ctx, s.poolKey, join)
}

// join asks for the pool credentials and installs the shared key, switching
// the session onto the pool's DM stream including its replayed history.
func (s *Session) join(ctx context.Context) error {
	join := nostr.Message{Type: nostr.MessageJoin, Npub: s.marker}
	if err := s.transport.Send(ctx, s.poolKey, join); err != nil {
		return err
	}
	for {
		msg, _, err := s.transport.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Type != nostr.MessageCredentials {
			log.Debugf("round %s: ignoring %s message while joining",
				s.round.ID, msg.Type)
			continue
		}
		if msg.Credentials.ID != s.pool.ID {
			continue
		}
		since := time.Now().Add(-dmReplayWindow)
		if err := s.transport.Rekey(ctx, msg.Credentials.Key, since); err != nil {
			return err
		}
		log.Infof("round %s: joined pool %s", s.round.ID, s.pool.ID)
		return s.round.Publish()
	}
}

// collectPeers waits until the configured number of distinct peers announced
// themselves on the pool stream. The initiator answers every new peer with
// the pool credentials. Outputs and inputs arriving early are buffered.
func (s *Session) collectPeers(ctx context.Context) (map[string]struct{}, error) {
	if err := s.round.StartRegistration(); err != nil {
		return nil, err
	}
	required := s.pool.Payload.Peers
	peers := make(map[string]struct{})
	for len(peers) < required {
		msg, _, err := s.transport.Receive(ctx)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case nostr.MessageJoin:
			if _, ok := peers[msg.Npub]; ok {
				continue
			}
			peers[msg.Npub] = struct{}{}
			log.Debugf("round %s: peer %d/%d", s.round.ID, len(peers), required)
			if s.initiator && msg.Npub != s.marker {
				creds := nostr.Message{
					Type: nostr.MessageCredentials,
					Credentials: &nostr.Credentials{
						ID:  s.pool.ID,
						Key: s.transport.SecretKey(),
					},
				}
				if err := s.transport.Send(ctx, msg.Npub, creds); err != nil {
					return nil, err
				}
			}
		case nostr.MessageOutput:
			s.pendingOutputs = append(s.pendingOutputs, msg.Address)
		case nostr.MessageInput:
			s.pendingInputs = append(s.pendingInputs, msg.Input)
		default:
			log.Debugf("round %s: ignoring %s message", s.round.ID, msg.Type)
		}
	}
	return peers, nil
}

// registerOutputs sends the peer's own output and collects one denomination
// output per peer. The peer's own registration comes back through the relay
// like everyone else's.
func (s *Session) registerOutputs(ctx context.Context, cj *coinjoin.CoinJoin) error {
	// a short random pause decorrelates registration order from join order
	delay := time.Duration(100+rand.Intn(900)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	out := nostr.Message{Type: nostr.MessageOutput, Address: s.output.EncodeAddress()}
	if err := s.transport.Send(ctx, s.poolKey, out); err != nil {
		return err
	}
	required := s.pool.Payload.Peers
	for cj.OutputsLen() < required {
		var raw string
		if len(s.pendingOutputs) > 0 {
			raw, s.pendingOutputs = s.pendingOutputs[0], s.pendingOutputs[1:]
		} else {
			msg, _, err := s.transport.Receive(ctx)
			if err != nil {
				return err
			}
			switch msg.Type {
			case nostr.MessageOutput:
				raw = msg.Address
			case nostr.MessageInput:
				s.pendingInputs = append(s.pendingInputs, msg.Input)
				continue
			default:
				log.Debugf("round %s: ignoring %s message", s.round.ID, msg.Type)
				continue
			}
		}
		if err := s.addOutput(cj, raw); err != nil {
			return err
		}
	}
	log.Infof("round %s: %d outputs registered", s.round.ID, cj.OutputsLen())
	return nil
}

func (s *Session) addOutput(cj *coinjoin.CoinJoin, raw string) error {
	addr, err := btcutil.DecodeAddress(raw, s.params)
	if err != nil {
		log.Warnf("round %s: dropping output %q: %s", s.round.ID, raw, err)
		return nil
	}
	if !addr.IsForNet(s.params) {
		log.Warnf("round %s: dropping output %s on the wrong network", s.round.ID, raw)
		return nil
	}
	if err := cj.AddOutput(addr); err != nil {
		if errors.Is(err, coinjoin.ErrDuplicateOutput) {
			log.Debugf("round %s: output %s already registered", s.round.ID, raw)
			return nil
		}
		return err
	}
	return nil
}

// exchangeInputs signs the peer's own input against the frozen template,
// publishes it, and merges one signed input per peer into the final
// transaction.
func (s *Session) exchangeInputs(ctx context.Context, cj *coinjoin.CoinJoin) (*wire.MsgTx, error) {
	if err := s.round.StartSigning(); err != nil {
		return nil, err
	}
	unsigned, err := cj.UnsignedTx()
	if err != nil {
		return nil, err
	}
	own, err := s.signer.SignInput(unsigned, s.coin)
	if err != nil {
		return nil, err
	}
	in := nostr.Message{Type: nostr.MessageInput, Input: own}
	if err := s.transport.Send(ctx, s.poolKey, in); err != nil {
		return nil, err
	}
	required := s.pool.Payload.Peers
	for cj.InputsLen() < required {
		var input *nostr.SignedInput
		if len(s.pendingInputs) > 0 {
			input, s.pendingInputs = s.pendingInputs[0], s.pendingInputs[1:]
		} else {
			msg, _, err := s.transport.Receive(ctx)
			if err != nil {
				return nil, err
			}
			switch msg.Type {
			case nostr.MessageInput:
				input = msg.Input
			case nostr.MessageTransaction:
				// a faster peer finished already, keep assembling our own
				log.Debugf("round %s: peer broadcast ahead of us", s.round.ID)
				continue
			default:
				log.Debugf("round %s: ignoring %s message", s.round.ID, msg.Type)
				continue
			}
		}
		if err := cj.AddInput(input); err != nil {
			if errors.Is(err, coinjoin.ErrDuplicateInput) {
				continue
			}
			log.Warnf("round %s: rejecting input: %s", s.round.ID, err)
			continue
		}
		log.Debugf("round %s: input %d/%d", s.round.ID, cj.InputsLen(), required)
	}
	return cj.FinalTx()
}

// finish broadcasts the final transaction and shares it on the pool stream.
// Every peer broadcasts the same transaction, losing the race to a faster
// peer still completes the round.
func (s *Session) finish(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	txid, err := s.backend.Broadcast(ctx, tx)
	if err != nil {
		if !alreadyBroadcast(err) {
			return nil, err
		}
		hash := tx.TxHash()
		txid = &hash
		log.Debugf("round %s: transaction already relayed by a peer", s.round.ID)
	}
	if raw, err := nostr.TxHex(tx); err == nil {
		share := nostr.Message{Type: nostr.MessageTransaction, Tx: raw}
		if err := s.transport.Send(ctx, s.poolKey, share); err != nil {
			log.Debugf("round %s: failed to share transaction: %s", s.round.ID, err)
		}
	}
	if err := s.round.Complete(txid); err != nil {
		return nil, err
	}
	log.Infof("round %s: completed, txid %s", s.round.ID, txid)
	return txid, nil
}

func alreadyBroadcast(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already") || strings.Contains(msg, "in mempool")
}
