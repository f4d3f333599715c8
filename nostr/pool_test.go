package nostr_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/joinstr/joinstr-go/nostr"
)

const rawPool = `
	{
	  "version": "1",
	  "type": "create",
	  "id": "123",
	  "public_key": "0000000000000000000000000000000000000000000000000000000000000001",
	  "network": "regtest",
	  "denomination": 10000000,
	  "peers": 5,
	  "timeout": 12345,
	  "relays": [],
	  "fee_rate": 12,
	  "transport": {
	    "vpn": {
	      "enable": false
	    }
	  }
	}
`

func TestParsePool(t *testing.T) {
	pool, err := nostr.ParsePool([]byte(rawPool))
	require.NoError(t, err)

	require.Equal(t, "123", pool.ID)
	require.Equal(t, nostr.PoolTypeCreate, pool.Type)
	require.Equal(t,
		"0000000000000000000000000000000000000000000000000000000000000001",
		pool.PublicKey)
	require.Equal(t, "regtest", pool.Network)

	require.NotNil(t, pool.Payload)
	require.Equal(t, btcutil.Amount(10000000), pool.Payload.Denomination)
	require.Equal(t, 5, pool.Payload.Peers)
	require.Equal(t, nostr.TimelineSimple, pool.Payload.Timeout.Kind)
	require.EqualValues(t, 12345, pool.Payload.Timeout.Timestamp)
	require.Empty(t, pool.Payload.Relays)
	require.EqualValues(t, 12, pool.Payload.Fee.Fixed)
	require.Nil(t, pool.Payload.Fee.Provider)
	require.NotNil(t, pool.Payload.Transport.Vpn)
	require.False(t, pool.Payload.Transport.Vpn.Enable)

	// descriptors must survive a re-encode unchanged
	buf, err := json.Marshal(pool)
	require.NoError(t, err)
	back, err := nostr.ParsePool(buf)
	require.NoError(t, err)
	require.Equal(t, pool, back)
}

func TestParsePoolWithoutPayload(t *testing.T) {
	raw := `{
		"id": "deadbeef",
		"type": "delete",
		"public_key": "0000000000000000000000000000000000000000000000000000000000000002",
		"network": "signet"
	}`
	pool, err := nostr.ParsePool([]byte(raw))
	require.NoError(t, err)
	require.Nil(t, pool.Payload)
	require.True(t, pool.Expired(time.Now()))
}

func TestParsePoolRejectsMissingID(t *testing.T) {
	_, err := nostr.ParsePool([]byte(`{"type": "create", "network": "signet"}`))
	require.Error(t, err)
}

func TestTimelineEncodings(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   nostr.Timeline
		expiry int64
	}{
		{
			name:   "simple",
			raw:    `12345`,
			want:   nostr.Timeline{Kind: nostr.TimelineSimple, Timestamp: 12345},
			expiry: 12345,
		},
		{
			name: "fixed",
			raw:  `{"start": 100, "max_duration": 50}`,
			want: nostr.Timeline{
				Kind: nostr.TimelineFixed, Start: 100, MaxDuration: 50,
			},
			expiry: 150,
		},
		{
			name: "timeout",
			raw:  `{"timeout": 100, "max_duration": 50}`,
			want: nostr.Timeline{
				Kind: nostr.TimelineTimeout, Timestamp: 100, MaxDuration: 50,
			},
			expiry: 150,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var timeline nostr.Timeline
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &timeline))
			require.Equal(t, tt.want, timeline)

			expiry, err := timeline.Expiry()
			require.NoError(t, err)
			require.Equal(t, tt.expiry, expiry.Unix())

			buf, err := json.Marshal(timeline)
			require.NoError(t, err)
			var back nostr.Timeline
			require.NoError(t, json.Unmarshal(buf, &back))
			require.Equal(t, timeline, back)
		})
	}
}

func TestTimelineRejectsPartialForms(t *testing.T) {
	for _, raw := range []string{
		`{"start": 100}`,
		`{"timeout": 100}`,
		`{"max_duration": 50}`,
	} {
		var timeline nostr.Timeline
		require.Error(t, json.Unmarshal([]byte(raw), &timeline), raw)
	}
}

func TestFeeEncodings(t *testing.T) {
	var fixed nostr.Fee
	require.NoError(t, json.Unmarshal([]byte(`42`), &fixed))
	require.Equal(t, nostr.FixedFee(42), fixed)

	var provider nostr.Fee
	require.NoError(t, json.Unmarshal([]byte(`{"address": "https://fees.example"}`), &provider))
	require.NotNil(t, provider.Provider)
	require.Equal(t, "https://fees.example", provider.Provider.Address)

	var invalid nostr.Fee
	require.Error(t, json.Unmarshal([]byte(`{}`), &invalid))

	buf, err := json.Marshal(fixed)
	require.NoError(t, err)
	require.Equal(t, `42`, string(buf))
}

func TestPoolExpired(t *testing.T) {
	now := time.Now()
	pool := nostr.Pool{
		Payload: &nostr.Payload{
			Timeout: nostr.SimpleTimeline(now.Add(time.Hour)),
		},
	}
	require.False(t, pool.Expired(now))
	require.True(t, pool.Expired(now.Add(2*time.Hour)))
}

func TestNewPoolID(t *testing.T) {
	now := time.Now()
	id := nostr.NewPoolID("aabbcc", now)
	require.Len(t, id, 64)
	require.NotEqual(t, id, nostr.NewPoolID("ddeeff", now))
	require.NotEqual(t, id, nostr.NewPoolID("aabbcc", now.Add(time.Microsecond)))
}

func TestPoolEvent(t *testing.T) {
	pool := nostr.Pool{
		Versions:  []string{nostr.Version},
		ID:        "feedface",
		Type:      nostr.PoolTypeCreate,
		PublicKey: "0000000000000000000000000000000000000000000000000000000000000003",
		Network:   "regtest",
		Payload: &nostr.Payload{
			Denomination: 100000,
			Peers:        3,
			Timeout:      nostr.SimpleTimeline(time.Now().Add(time.Hour)),
			Relays:       []string{"wss://relay.example"},
			Fee:          nostr.FixedFee(2),
		},
	}
	ev, err := pool.Event()
	require.NoError(t, err)
	require.Equal(t, nostr.KindPool, ev.Kind)
	require.Equal(t, pool.PublicKey, ev.PubKey)

	back, err := nostr.PoolFromEvent(ev)
	require.NoError(t, err)
	require.Equal(t, pool.ID, back.ID)
	require.Equal(t, pool.Payload.Denomination, back.Payload.Denomination)
}
