package nostr

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/nbd-wtf/go-nostr"
)

// KindPool is the nostr event kind used to advertise pools.
const KindPool = 2022

// Version is the pool protocol version spoken by this client.
const Version = "1"

type PoolType string

const (
	PoolTypeCreate PoolType = "create"
	PoolTypeUpdate PoolType = "update"
	PoolTypeDelete PoolType = "delete"
)

// Pool is the descriptor advertised on the relay. The relay is the sole
// source of truth for pool discovery, descriptors are never cached across
// calls.
type Pool struct {
	Versions  []string
	ID        string
	Type      PoolType
	PublicKey string
	Network   string
	Payload   *Payload
}

// Payload carries the economic parameters of a pool. It is flattened into
// the descriptor on the wire.
type Payload struct {
	// Denomination in satoshis.
	Denomination btcutil.Amount `json:"denomination"`
	Peers        int            `json:"peers"`
	Timeout      Timeline       `json:"timeout"`
	Relays       []string       `json:"relays"`
	Fee          Fee            `json:"fee_rate"`
	Transport    Transport      `json:"transport"`
	// PeersJoined is the externally observed participant count, set on
	// update descriptors only.
	PeersJoined *int `json:"peers_joined,omitempty"`
}

type Transport struct {
	Vpn *Vpn `json:"vpn,omitempty"`
	Tor *Tor `json:"tor,omitempty"`
}

type Vpn struct {
	Enable  bool    `json:"enable"`
	Gateway *string `json:"gateway,omitempty"`
}

type Tor struct {
	Enable bool `json:"enable"`
}

type poolJSON struct {
	Versions  []string `json:"versions,omitempty"`
	ID        string   `json:"id"`
	Type      PoolType `json:"type"`
	PublicKey string   `json:"public_key"`
	Network   string   `json:"network"`
	*Payload
}

func (p Pool) MarshalJSON() ([]byte, error) {
	return json.Marshal(poolJSON{
		Versions:  p.Versions,
		ID:        p.ID,
		Type:      p.Type,
		PublicKey: p.PublicKey,
		Network:   p.Network,
		Payload:   p.Payload,
	})
}

func (p *Pool) UnmarshalJSON(buf []byte) error {
	aux := poolJSON{Payload: &Payload{}}
	if err := json.Unmarshal(buf, &aux); err != nil {
		return err
	}
	p.Versions = aux.Versions
	p.ID = aux.ID
	p.Type = aux.Type
	p.PublicKey = aux.PublicKey
	p.Network = aux.Network
	p.Payload = aux.Payload
	// a descriptor without economic parameters has no payload at all
	if aux.Denomination == 0 && aux.Peers == 0 && len(aux.Relays) == 0 {
		p.Payload = nil
	}
	return nil
}

// ParsePool decodes a JSON pool descriptor.
func ParsePool(buf []byte) (*Pool, error) {
	pool := &Pool{}
	if err := json.Unmarshal(buf, pool); err != nil {
		return nil, err
	}
	if pool.ID == "" {
		return nil, fmt.Errorf("pool descriptor misses id")
	}
	return pool, nil
}

// PoolFromEvent decodes a kind-2022 relay event into a pool descriptor.
func PoolFromEvent(ev *nostr.Event) (*Pool, error) {
	if ev.Kind != KindPool {
		return nil, fmt.Errorf("unexpected event kind %d", ev.Kind)
	}
	return ParsePool([]byte(ev.Content))
}

// Event builds the signable relay event advertising the pool.
func (p Pool) Event() (*nostr.Event, error) {
	content, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &nostr.Event{
		PubKey:    p.PublicKey,
		CreatedAt: nostr.Now(),
		Kind:      KindPool,
		Tags:      nostr.Tags{},
		Content:   string(content),
	}, nil
}

// Expired reports whether the pool's timeline lies in the past.
func (p Pool) Expired(now time.Time) bool {
	if p.Payload == nil {
		return true
	}
	expiry, err := p.Payload.Timeout.Expiry()
	if err != nil {
		return true
	}
	return expiry.Before(now)
}

// NewPoolID derives a fresh pool identifier from the initiator key and the
// current time.
func NewPoolID(publicKey string, now time.Time) string {
	h := sha256.New()
	h.Write([]byte(publicKey))
	var micros [8]byte
	binary.BigEndian.PutUint64(micros[:], uint64(now.UnixMicro()))
	h.Write(micros[:])
	return hex.EncodeToString(h.Sum(nil))
}

// TimelineKind discriminates the accepted timeline encodings. Only the
// simple form is driven to completion by the round coordinator, the
// structured forms parse but are rejected before a round starts.
type TimelineKind int

const (
	TimelineSimple TimelineKind = iota
	TimelineFixed
	TimelineTimeout
)

// Timeline bounds the lifetime of a pool. The simple form is a plain unix
// timestamp after which the pool is cancelled.
type Timeline struct {
	Kind TimelineKind
	// Timestamp is the absolute expiry (simple and timeout forms) or
	// unset for the fixed form.
	Timestamp uint64
	// Start is the registration close time of the fixed form.
	Start uint64
	// MaxDuration extends the structured forms past their first
	// timestamp, in seconds.
	MaxDuration uint64
}

// SimpleTimeline returns the timeline form every pool initiated by this
// client uses.
func SimpleTimeline(expiry time.Time) Timeline {
	return Timeline{Kind: TimelineSimple, Timestamp: uint64(expiry.Unix())}
}

// Expiry returns the absolute deadline of the timeline.
func (t Timeline) Expiry() (time.Time, error) {
	switch t.Kind {
	case TimelineSimple:
		return time.Unix(int64(t.Timestamp), 0), nil
	case TimelineFixed:
		return time.Unix(int64(t.Start+t.MaxDuration), 0), nil
	case TimelineTimeout:
		return time.Unix(int64(t.Timestamp+t.MaxDuration), 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown timeline kind %d", t.Kind)
	}
}

func (t Timeline) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case TimelineSimple:
		return json.Marshal(t.Timestamp)
	case TimelineFixed:
		return json.Marshal(map[string]uint64{
			"start":        t.Start,
			"max_duration": t.MaxDuration,
		})
	case TimelineTimeout:
		return json.Marshal(map[string]uint64{
			"timeout":      t.Timestamp,
			"max_duration": t.MaxDuration,
		})
	default:
		return nil, fmt.Errorf("unknown timeline kind %d", t.Kind)
	}
}

func (t *Timeline) UnmarshalJSON(buf []byte) error {
	var simple uint64
	if err := json.Unmarshal(buf, &simple); err == nil {
		*t = Timeline{Kind: TimelineSimple, Timestamp: simple}
		return nil
	}
	var structured struct {
		Start       *uint64 `json:"start"`
		Timeout     *uint64 `json:"timeout"`
		MaxDuration *uint64 `json:"max_duration"`
	}
	if err := json.Unmarshal(buf, &structured); err != nil {
		return err
	}
	if structured.MaxDuration == nil {
		return fmt.Errorf("timeline misses max_duration")
	}
	switch {
	case structured.Start != nil:
		*t = Timeline{
			Kind:        TimelineFixed,
			Start:       *structured.Start,
			MaxDuration: *structured.MaxDuration,
		}
	case structured.Timeout != nil:
		*t = Timeline{
			Kind:        TimelineTimeout,
			Timestamp:   *structured.Timeout,
			MaxDuration: *structured.MaxDuration,
		}
	default:
		return fmt.Errorf("timeline misses start or timeout")
	}
	return nil
}

// Fee is the fee policy of a pool: either a fixed sat/vb floor for the
// final transaction, or a fee provider address. Only the fixed form is
// accepted by the round coordinator.
type Fee struct {
	Fixed    uint32
	Provider *Provider
}

type Provider struct {
	Address string `json:"address"`
}

// FixedFee builds the fee form every pool initiated by this client uses.
func FixedFee(rate uint32) Fee {
	return Fee{Fixed: rate}
}

func (f Fee) MarshalJSON() ([]byte, error) {
	if f.Provider != nil {
		return json.Marshal(f.Provider)
	}
	return json.Marshal(f.Fixed)
}

func (f *Fee) UnmarshalJSON(buf []byte) error {
	var fixed uint32
	if err := json.Unmarshal(buf, &fixed); err == nil {
		*f = Fee{Fixed: fixed}
		return nil
	}
	provider := &Provider{}
	if err := json.Unmarshal(buf, provider); err != nil {
		return err
	}
	if provider.Address == "" {
		return fmt.Errorf("fee provider misses address")
	}
	*f = Fee{Provider: provider}
	return nil
}
