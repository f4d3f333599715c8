package joinstr

import (
	"context"
	"fmt"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"github.com/joinstr/joinstr-go/nostr"
)

const (
	// defaultLookback is how far back pool advertisements are searched when
	// resolving a pool id.
	defaultLookback uint64 = 86400
	// defaultDiscoverTimeout bounds a pool id lookup on the relay.
	defaultDiscoverTimeout = 10 * time.Second
)

func subscribePools(
	ctx context.Context, name, relayURL string, back uint64,
) (*nostr.Client, <-chan *gonostr.Event, error) {
	client, err := nostr.NewClient(name, relayURL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	events, err := client.SubscribePools(ctx, back)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, events, nil
}

// listPools collects the distinct unexpired pools advertised on the relay
// within the last back seconds. The relay is given at most timeout seconds
// to deliver, whatever arrived by then is the result.
func listPools(ctx context.Context, relayURL string, back, timeout uint64) ([]*nostr.Pool, error) {
	collectCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	client, events, err := subscribePools(collectCtx, "list-pools", relayURL, back)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return collectPools(ctx, collectCtx, events)
}

// collectPools drains pool advertisements until the collection window
// closes. Only the window expiring yields the partial set, a cancelled
// caller gets its error back rather than a silently truncated list.
func collectPools(ctx, collectCtx context.Context, events <-chan *gonostr.Event) ([]*nostr.Pool, error) {
	now := time.Now()
	seen := make(map[string]struct{})
	pools := []*nostr.Pool{}
	for {
		select {
		case <-collectCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return pools, nil
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return pools, nil
			}
			pool, err := nostr.PoolFromEvent(ev)
			if err != nil {
				log.Debugf("list-pools: dropping event %s: %s", ev.ID, err)
				continue
			}
			if _, dup := seen[pool.ID]; dup {
				continue
			}
			seen[pool.ID] = struct{}{}
			if pool.Expired(now) {
				log.Debugf("list-pools: pool %s expired", pool.ID)
				continue
			}
			pools = append(pools, pool)
		}
	}
}

// findPool resolves a pool id against the relay's recent advertisements.
func findPool(ctx context.Context, relayURL, id string) (*nostr.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDiscoverTimeout)
	defer cancel()

	client, events, err := subscribePools(ctx, "find-pool", relayURL, defaultLookback)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pool %s not found on %s", id, relayURL)
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("pool %s not found on %s", id, relayURL)
			}
			pool, err := nostr.PoolFromEvent(ev)
			if err != nil || pool.ID != id {
				continue
			}
			if pool.Expired(time.Now()) {
				return nil, fmt.Errorf("pool %s expired", id)
			}
			return pool, nil
		}
	}
}
