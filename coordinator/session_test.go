package coordinator_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joinstr/joinstr-go/coinjoin"
	"github.com/joinstr/joinstr-go/coordinator"
	"github.com/joinstr/joinstr-go/nostr"
	"github.com/joinstr/joinstr-go/signer"
)

// memBus stands in for the relay: it keeps the whole message history so a
// rekeyed transport can replay it, exactly like a DM subscription with an
// earlier since.
type memBus struct {
	mu    sync.Mutex
	msgs  []memMsg
	pools []*nostr.Pool
}

type memMsg struct {
	to  string
	msg nostr.Message
}

func (b *memBus) append(to string, msg nostr.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, memMsg{to: to, msg: msg})
}

func (b *memBus) next(cursor int, to string) (*nostr.Message, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ; cursor < len(b.msgs); cursor++ {
		if b.msgs[cursor].to == to {
			msg := b.msgs[cursor].msg
			return &msg, cursor + 1, true
		}
	}
	return nil, cursor, false
}

type memTransport struct {
	bus *memBus

	mu     sync.Mutex
	secret string
	public string
	cursor int
}

func newMemTransport(t *testing.T, bus *memBus) *memTransport {
	t.Helper()
	sk := gonostr.GeneratePrivateKey()
	pk, err := gonostr.GetPublicKey(sk)
	require.NoError(t, err)
	return &memTransport{bus: bus, secret: sk, public: pk}
}

func (m *memTransport) PublicKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.public
}

func (m *memTransport) SecretKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secret
}

func (m *memTransport) PublishPool(_ context.Context, pool *nostr.Pool) error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	m.bus.pools = append(m.bus.pools, pool)
	return nil
}

func (m *memTransport) Rekey(_ context.Context, secretKey string, _ time.Time) error {
	pk, err := gonostr.GetPublicKey(secretKey)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret = secretKey
	m.public = pk
	m.cursor = 0
	return nil
}

func (m *memTransport) Send(_ context.Context, to string, msg nostr.Message) error {
	m.bus.append(to, msg)
	return nil
}

func (m *memTransport) Receive(ctx context.Context) (*nostr.Message, string, error) {
	for {
		m.mu.Lock()
		msg, next, ok := m.bus.next(m.cursor, m.public)
		m.cursor = next
		m.mu.Unlock()
		if ok {
			return msg, "", nil
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// memBackend accepts the first broadcast of a transaction and answers every
// further one the way electrum servers do.
type memBackend struct {
	mu  sync.Mutex
	txs map[chainhash.Hash]*wire.MsgTx
}

func newMemBackend() *memBackend {
	return &memBackend{txs: make(map[chainhash.Hash]*wire.MsgTx)}
}

func (b *memBackend) Broadcast(_ context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash := tx.TxHash()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.txs[hash]; ok {
		return nil, fmt.Errorf("transaction already in mempool")
	}
	b.txs[hash] = tx
	return &hash, nil
}

func (b *memBackend) transactions() []*wire.MsgTx {
	b.mu.Lock()
	defer b.mu.Unlock()
	txs := make([]*wire.MsgTx, 0, len(b.txs))
	for _, tx := range b.txs {
		txs = append(txs, tx)
	}
	return txs
}

func peerOptions(
	t *testing.T, bus *memBus, backend *memBackend, seed byte, value btcutil.Amount,
) coordinator.Options {
	t.Helper()
	params := &chaincfg.RegressionNetParams
	hot, _, err := signer.Generate(params)
	require.NoError(t, err)
	path := signer.CoinPath{Depth: signer.ReceiveBranch, Index: 0}
	script, err := hot.ScriptAt(path)
	require.NoError(t, err)
	coin := signer.NewCoin(fmt.Sprintf("%064x", seed), 0, value, script, path)
	output, err := hot.AddressAt(signer.CoinPath{Depth: signer.ReceiveBranch, Index: 1})
	require.NoError(t, err)
	return coordinator.Options{
		Transport: newMemTransport(t, bus),
		Backend:   backend,
		Signer:    hot,
		Params:    params,
		Coin:      coin,
		Output:    output,
	}
}

func testPayload(peers int, lifetime time.Duration) *nostr.Payload {
	return &nostr.Payload{
		Denomination: 100000,
		Peers:        peers,
		Timeout:      nostr.SimpleTimeline(time.Now().Add(lifetime)),
		Relays:       []string{"wss://relay.test"},
		Fee:          nostr.FixedFee(2),
	}
}

func TestThreePeerRound(t *testing.T) {
	bus := &memBus{}
	backend := newMemBackend()
	payload := testPayload(3, 30*time.Second)
	value := coinjoin.RequiredInputValue(
		payload.Denomination, payload.Fee.Fixed, payload.Peers)

	initiator, err := coordinator.NewInitiator(
		peerOptions(t, bus, backend, 1, value), payload, "regtest")
	require.NoError(t, err)
	joinerA, err := coordinator.NewJoiner(
		peerOptions(t, bus, backend, 2, value), initiator.Pool())
	require.NoError(t, err)
	joinerB, err := coordinator.NewJoiner(
		peerOptions(t, bus, backend, 3, value), initiator.Pool())
	require.NoError(t, err)

	sessions := []*coordinator.Session{initiator, joinerA, joinerB}
	txids := make([]*chainhash.Hash, len(sessions))
	g, ctx := errgroup.WithContext(context.Background())
	for i, session := range sessions {
		i, session := i, session
		g.Go(func() error {
			txid, err := session.Run(ctx)
			if err != nil {
				return err
			}
			txids[i] = txid
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, session := range sessions {
		require.Equal(t, coordinator.Completed, session.Round().Phase)
	}
	require.Equal(t, txids[0], txids[1])
	require.Equal(t, txids[0], txids[2])

	// every peer assembled and broadcast the same transaction
	txs := backend.transactions()
	require.Len(t, txs, 1)
	require.Len(t, txs[0].TxIn, 3)
	require.Len(t, txs[0].TxOut, 3)
	for _, out := range txs[0].TxOut {
		require.EqualValues(t, payload.Denomination, out.Value)
	}
	require.Equal(t, *txids[0], txs[0].TxHash())
}

func TestRoundTimesOut(t *testing.T) {
	bus := &memBus{}
	backend := newMemBackend()
	payload := testPayload(2, 1500*time.Millisecond)
	value := coinjoin.RequiredInputValue(
		payload.Denomination, payload.Fee.Fixed, payload.Peers)

	initiator, err := coordinator.NewInitiator(
		peerOptions(t, bus, backend, 1, value), payload, "regtest")
	require.NoError(t, err)

	_, err = initiator.Run(context.Background())
	require.ErrorIs(t, err, coordinator.ErrRoundTimeout)
	require.Equal(t, coordinator.Aborted, initiator.Round().Phase)
	require.Error(t, initiator.Round().Err())
}

func TestNewJoinerValidation(t *testing.T) {
	bus := &memBus{}
	backend := newMemBackend()
	payload := testPayload(3, 30*time.Second)
	value := coinjoin.RequiredInputValue(
		payload.Denomination, payload.Fee.Fixed, payload.Peers)
	opts := peerOptions(t, bus, backend, 1, value)

	valid := func() *nostr.Pool {
		return &nostr.Pool{
			Versions:  []string{nostr.Version},
			ID:        "pool",
			Type:      nostr.PoolTypeCreate,
			PublicKey: "0000000000000000000000000000000000000000000000000000000000000001",
			Network:   "regtest",
			Payload:   testPayload(3, 30*time.Second),
		}
	}

	tests := []struct {
		name   string
		mutate func(pool *nostr.Pool)
	}{
		{
			name:   "missing payload",
			mutate: func(pool *nostr.Pool) { pool.Payload = nil },
		},
		{
			name:   "wrong network",
			mutate: func(pool *nostr.Pool) { pool.Network = "bitcoin" },
		},
		{
			name: "expired",
			mutate: func(pool *nostr.Pool) {
				pool.Payload.Timeout = nostr.SimpleTimeline(time.Now().Add(-time.Minute))
			},
		},
		{
			name: "fee provider",
			mutate: func(pool *nostr.Pool) {
				pool.Payload.Fee = nostr.Fee{Provider: &nostr.Provider{Address: "x"}}
			},
		},
		{
			name: "single peer",
			mutate: func(pool *nostr.Pool) {
				pool.Payload.Peers = 1
			},
		},
		{
			name: "coin below requirement",
			mutate: func(pool *nostr.Pool) {
				pool.Payload.Denomination = 100 * value
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := valid()
			tt.mutate(pool)
			_, err := coordinator.NewJoiner(opts, pool)
			require.Error(t, err)
		})
	}

	_, err := coordinator.NewJoiner(opts, valid())
	require.NoError(t, err)
}
