package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	log "github.com/sirupsen/logrus"
)

// Client talks to a single nostr relay: it advertises pools as kind-2022
// events and exchanges pool messages as NIP-04 encrypted DMs. A fresh
// keypair is generated per client unless one is installed with Rekey.
type Client struct {
	name     string
	relayURL string

	mu        sync.Mutex
	secretKey string
	publicKey string
	relay     *nostr.Relay
	dmSub     *nostr.Subscription
	poolSub   *nostr.Subscription
	// dmSince anchors DM subscriptions so the relay replays the whole
	// pool conversation after a rekey.
	dmSince nostr.Timestamp
}

// NewClient creates a client for the given relay with a fresh keypair. The
// name only shows up in logs.
func NewClient(name, relayURL string) (*Client, error) {
	if !nostr.IsValidRelayURL(relayURL) {
		return nil, fmt.Errorf("invalid relay URL: %s", relayURL)
	}
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &Client{
		name:      name,
		relayURL:  relayURL,
		secretKey: sk,
		publicKey: pk,
		dmSince:   nostr.Now(),
	}, nil
}

// Connect dials the relay. It must be called before any other operation.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay != nil {
		return fmt.Errorf("already connected to %s", c.relayURL)
	}
	relay, err := nostr.RelayConnect(ctx, c.relayURL)
	if err != nil {
		return fmt.Errorf("failed to connect to relay %s: %w", c.relayURL, err)
	}
	c.relay = relay
	return nil
}

// Close tears down subscriptions and the relay connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dmSub != nil {
		c.dmSub.Unsub()
		c.dmSub = nil
	}
	if c.poolSub != nil {
		c.poolSub.Unsub()
		c.poolSub = nil
	}
	if c.relay != nil {
		c.relay.Close()
		c.relay = nil
	}
}

func (c *Client) PublicKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicKey
}

func (c *Client) SecretKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secretKey
}

// SubscribePools subscribes to pool advertisements published within the
// last back seconds. Events are delivered on the returned channel until ctx
// is done.
func (c *Client) SubscribePools(ctx context.Context, back uint64) (<-chan *nostr.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay == nil {
		return nil, fmt.Errorf("not connected")
	}
	since := nostr.Timestamp(time.Now().Unix() - int64(back))
	sub, err := c.relay.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{KindPool},
		Since: &since,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to pool events: %w", err)
	}
	c.poolSub = sub
	return sub.Events, nil
}

// SubscribeDM subscribes to the encrypted DMs addressed to the client key,
// replaying the conversation back to the subscription anchor.
func (c *Client) SubscribeDM(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeDMLocked(ctx)
}

func (c *Client) subscribeDMLocked(ctx context.Context) error {
	if c.relay == nil {
		return fmt.Errorf("not connected")
	}
	if c.dmSub != nil {
		c.dmSub.Unsub()
	}
	since := c.dmSince
	sub, err := c.relay.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{nostr.KindEncryptedDirectMessage},
		Tags:  nostr.TagMap{"p": []string{c.publicKey}},
		Since: &since,
	}})
	if err != nil {
		return fmt.Errorf("failed to subscribe to DMs: %w", err)
	}
	c.dmSub = sub
	return nil
}

// Rekey installs the pool's shared secret key and resubscribes so the
// client observes the same DM stream as every other accepted peer,
// including messages sent before it joined.
func (c *Client) Rekey(ctx context.Context, secretKey string, since time.Time) error {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return fmt.Errorf("invalid pool secret key: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secretKey = secretKey
	c.publicKey = pk
	c.dmSince = nostr.Timestamp(since.Unix())
	return c.subscribeDMLocked(ctx)
}

// PublishPool signs and publishes the pool advertisement.
func (c *Client) PublishPool(ctx context.Context, pool *Pool) error {
	ev, err := pool.Event()
	if err != nil {
		return fmt.Errorf("failed to encode pool event: %w", err)
	}
	c.mu.Lock()
	relay, sk := c.relay, c.secretKey
	c.mu.Unlock()
	if relay == nil {
		return fmt.Errorf("not connected")
	}
	if err := ev.Sign(sk); err != nil {
		return fmt.Errorf("failed to sign pool event: %w", err)
	}
	if err := relay.Publish(ctx, *ev); err != nil {
		return fmt.Errorf("failed to publish pool event: %w", err)
	}
	log.Debugf("nostr(%s): published pool %s", c.name, pool.ID)
	return nil
}

// Send encrypts msg for the recipient key with NIP-04 and publishes it as a
// DM.
func (c *Client) Send(ctx context.Context, to string, msg Message) error {
	if !nostr.IsValidPublicKey(to) {
		return fmt.Errorf("invalid recipient public key: %s", to)
	}
	content, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode pool message: %w", err)
	}
	c.mu.Lock()
	relay, sk, pk := c.relay, c.secretKey, c.publicKey
	c.mu.Unlock()
	if relay == nil {
		return fmt.Errorf("not connected")
	}
	shared, err := nip04.ComputeSharedSecret(to, sk)
	if err != nil {
		return fmt.Errorf("failed to compute shared secret: %w", err)
	}
	encrypted, err := nip04.Encrypt(string(content), shared)
	if err != nil {
		return fmt.Errorf("failed to encrypt message for %s: %w", to, err)
	}
	ev := nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", to}},
		Content:   encrypted,
	}
	if err := ev.Sign(sk); err != nil {
		return fmt.Errorf("failed to sign DM: %w", err)
	}
	if err := relay.Publish(ctx, ev); err != nil {
		return fmt.Errorf("failed to publish DM: %w", err)
	}
	log.Debugf("nostr(%s): sent %s message to %s", c.name, msg.Type, to[:8])
	return nil
}

// Receive blocks until the next parseable pool message addressed to the
// client key, or ctx is done. Undecryptable and malformed DMs are dropped.
// The second return value is the sender key, substituted as Npub on join
// messages that omit it.
func (c *Client) Receive(ctx context.Context) (*Message, string, error) {
	c.mu.Lock()
	sub := c.dmSub
	c.mu.Unlock()
	if sub == nil {
		return nil, "", fmt.Errorf("not subscribed to DMs")
	}
	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case ev, ok := <-sub.Events:
			if !ok {
				// the relay tore the subscription down
				return nil, "", fmt.Errorf("DM subscription closed")
			}
			msg, sender, err := c.decryptMessage(ev)
			if err != nil {
				log.Debugf("nostr(%s): dropping DM: %s", c.name, err)
				continue
			}
			return msg, sender, nil
		}
	}
}

func (c *Client) decryptMessage(ev *nostr.Event) (*Message, string, error) {
	if ev.Kind != nostr.KindEncryptedDirectMessage {
		return nil, "", fmt.Errorf("unexpected event kind %d", ev.Kind)
	}
	c.mu.Lock()
	sk := c.secretKey
	c.mu.Unlock()
	shared, err := nip04.ComputeSharedSecret(ev.PubKey, sk)
	if err != nil {
		return nil, "", fmt.Errorf("failed to compute shared secret: %w", err)
	}
	clear, err := nip04.Decrypt(ev.Content, shared)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt DM: %w", err)
	}
	msg, err := ParseMessage([]byte(clear))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse pool message: %w", err)
	}
	if msg.Type == MessageJoin && msg.Npub == "" {
		// respond to the sender when no key was advertised
		msg.Npub = ev.PubKey
	}
	return msg, ev.PubKey, nil
}
