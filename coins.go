package joinstr

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"golang.org/x/sync/errgroup"

	"github.com/joinstr/joinstr-go/electrum"
	"github.com/joinstr/joinstr-go/signer"
)

// DefaultIndexMin and DefaultIndexMax bound the derivation scan when the
// caller does not narrow it.
const (
	DefaultIndexMin uint32 = 0
	DefaultIndexMax uint32 = 20
)

// scanWorkers caps the concurrent derivations of a scan.
const scanWorkers = 8

// listCoins scans the wallet's receive and change branches over the
// inclusive index range and returns every unspent coin found. A single
// failed lookup aborts the whole scan, there are no partial results.
func listCoins(
	ctx context.Context,
	hot *signer.HotSigner,
	client *electrum.Client,
	indexMin, indexMax uint32,
) ([]signer.Coin, error) {
	if indexMax < indexMin {
		return nil, fmt.Errorf("invalid index range [%d, %d]", indexMin, indexMax)
	}
	paths := make([]signer.CoinPath, 0, 2*(uint64(indexMax)-uint64(indexMin)+1))
	for _, branch := range []uint32{signer.ReceiveBranch, signer.ChangeBranch} {
		// the counter is wider than the indexes so indexMax == MaxUint32
		// cannot wrap it into an unbounded scan
		for i := uint64(indexMin); i <= uint64(indexMax); i++ {
			paths = append(paths, signer.CoinPath{Depth: branch, Index: uint32(i)})
		}
	}

	results := make([][]signer.Coin, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			script, err := hot.ScriptAt(path)
			if err != nil {
				return err
			}
			unspents, err := client.ListUnspent(gctx, script)
			if err != nil {
				return fmt.Errorf("scan failed at %d/%d: %w", path.Depth, path.Index, err)
			}
			coins := make([]signer.Coin, 0, len(unspents))
			for _, u := range unspents {
				coins = append(coins, signer.NewCoin(
					u.TxHash, u.TxPos, btcutil.Amount(u.Value), script, path,
				))
			}
			results[i] = coins
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	coins := []signer.Coin{}
	for _, batch := range results {
		coins = append(coins, batch...)
	}
	return coins, nil
}

// selectCoin picks the coin a round registers: the pinned outpoint when one
// is given, otherwise the smallest coin covering the required value.
func selectCoin(coins []signer.Coin, pinned string, required btcutil.Amount) (signer.Coin, error) {
	if pinned != "" {
		for _, c := range coins {
			if c.Outpoint != pinned {
				continue
			}
			if c.TxOut.Value < required {
				return signer.Coin{}, fmt.Errorf(
					"coin %s value %s does not cover the required %s",
					pinned, c.TxOut.Value, required)
			}
			return c, nil
		}
		return signer.Coin{}, fmt.Errorf("coin %s not found in the wallet", pinned)
	}
	var best *signer.Coin
	for i := range coins {
		if coins[i].TxOut.Value < required {
			continue
		}
		if best == nil || coins[i].TxOut.Value < best.TxOut.Value {
			best = &coins[i]
		}
	}
	if best == nil {
		return signer.Coin{}, fmt.Errorf("no coin covers the required %s", required)
	}
	return *best, nil
}
