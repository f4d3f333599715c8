// Package electrum implements the subset of the Electrum JSON-RPC protocol
// the coin scanner and the round coordinator need: unspent-output lookups
// by script hash and transaction broadcast.
package electrum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
)

const (
	dialTimeout = 10 * time.Second
	callTimeout = 30 * time.Second
)

// Unspent is one confirmed or mempool coin paying a watched script.
type Unspent struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Value  int64  `json:"value"`
	Height int64  `json:"height"`
}

// Client is a single-connection Electrum client. Calls are serialized, the
// protocol is line-framed JSON-RPC 2.0 with client-assigned ids.
type Client struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

// NewClient dials the server and verifies it responds to a ping.
func NewClient(ctx context.Context, address string, port uint16) (*Client, error) {
	addr := net.JoinHostPort(address, fmt.Sprintf("%d", port))
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to electrum server %s: %w", addr, err)
	}
	c := &Client{addr: addr, conn: conn, reader: bufio.NewReader(conn)}
	if err := c.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	var result json.RawMessage
	return c.call(ctx, "server.ping", nil, &result)
}

// ListUnspent returns the unspent outputs paying the given script.
func (c *Client) ListUnspent(ctx context.Context, pkScript []byte) ([]Unspent, error) {
	var unspents []Unspent
	params := []interface{}{ScriptHash(pkScript)}
	if err := c.call(ctx, "blockchain.scripthash.listunspent", params, &unspents); err != nil {
		return nil, err
	}
	return unspents, nil
}

// Broadcast submits the transaction to the network and returns its txid as
// acknowledged by the server.
func (c *Client) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	var txid string
	params := []interface{}{hex.EncodeToString(buf.Bytes())}
	if err := c.call(ctx, "blockchain.transaction.broadcast", params, &txid); err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("server returned invalid txid %q: %w", txid, err)
	}
	log.Infof("electrum: broadcast %s", txid)
	return hash, nil
}

// ScriptHash computes the Electrum script hash of a scriptPubKey: the
// sha256 of the script, byte-reversed, hex-encoded.
func ScriptHash(pkScript []byte) string {
	digest := sha256.Sum256(pkScript)
	for i, j := 0, len(digest)-1; i < j; i, j = i+1, j-1 {
		digest[i], digest[j] = digest[j], digest[i]
	}
	return hex.EncodeToString(digest[:])
}

type request struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type response struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("electrum rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("electrum client is closed")
	}
	if params == nil {
		params = []interface{}{}
	}
	c.nextID++
	req := request{ID: c.nextID, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	deadline := time.Now().Add(callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("failed to send %s request to %s: %w", method, c.addr, err)
	}
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("failed to read %s response from %s: %w", method, c.addr, err)
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("malformed response from %s: %w", c.addr, err)
		}
		if resp.ID == nil || *resp.ID != req.ID {
			// subscription notification or stale response, skip
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("malformed %s result from %s: %w", method, c.addr, err)
		}
		return nil
	}
}
