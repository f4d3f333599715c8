package coordinator

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/joinstr/joinstr-go/nostr"
	"github.com/joinstr/joinstr-go/signer"
)

// Transport is the relay-facing side of a session: pool advertisement plus
// the encrypted DM stream of one pool. The nostr client implements it, tests
// run rounds over an in-memory bus.
type Transport interface {
	PublicKey() string
	SecretKey() string
	PublishPool(ctx context.Context, pool *nostr.Pool) error
	// Rekey installs the pool's shared secret and replays the DM stream
	// back to since.
	Rekey(ctx context.Context, secretKey string, since time.Time) error
	Send(ctx context.Context, to string, msg nostr.Message) error
	Receive(ctx context.Context) (*nostr.Message, string, error)
}

// Backend submits the final transaction to the network.
type Backend interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
}

// InputSigner produces the peer's signed input against the shared template.
type InputSigner interface {
	SignInput(unsigned *wire.MsgTx, coin signer.Coin) (*nostr.SignedInput, error)
}
