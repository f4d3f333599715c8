package nostr

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

type MessageType string

const (
	MessageJoin        MessageType = "join_pool"
	MessageCredentials MessageType = "credentials"
	MessageOutput      MessageType = "output"
	MessageInput       MessageType = "input"
	MessagePsbt        MessageType = "psbt"
	MessageTransaction MessageType = "transaction"
)

// Message is the versioned envelope exchanged between peers of a pool as
// encrypted DMs. Exactly one of the typed fields is set, matching Type.
type Message struct {
	Type MessageType
	// Npub identifies the joining peer and is the key credentials are
	// sent back to. May be empty on the wire, receivers then fall back
	// to the sender key.
	Npub string
	// Credentials carry the pool secret key handed to an accepted peer.
	Credentials *Credentials
	// Address is the denomination output of a peer.
	Address string
	// Input is a signed transaction input of a peer.
	Input *SignedInput
	// Tx is the finalized transaction, raw hex.
	Tx string
}

// Credentials grant a peer access to the pool's shared DM stream.
type Credentials struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	env := map[string]interface{}{
		"version": Version,
		"type":    string(m.Type),
	}
	switch m.Type {
	case MessageJoin:
		if m.Npub != "" {
			env["npub"] = m.Npub
		}
	case MessageCredentials:
		if m.Credentials == nil {
			return nil, fmt.Errorf("credentials message without credentials")
		}
		env["credentials"] = m.Credentials
	case MessageOutput:
		if m.Address == "" {
			return nil, fmt.Errorf("output message without address")
		}
		env["address"] = m.Address
	case MessageInput:
		if m.Input == nil {
			return nil, fmt.Errorf("input message without input")
		}
		env["input"] = m.Input
	case MessageTransaction:
		if m.Tx == "" {
			return nil, fmt.Errorf("transaction message without transaction")
		}
		env["transaction"] = m.Tx
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	return json.Marshal(env)
}

// ParseMessage decodes a versioned pool message. Unknown versions and types
// are errors, callers drop such messages.
func ParseMessage(buf []byte) (*Message, error) {
	var env struct {
		Version     string       `json:"version"`
		Type        MessageType  `json:"type"`
		Npub        string       `json:"npub"`
		Credentials *Credentials `json:"credentials"`
		Address     string       `json:"address"`
		Input       *SignedInput `json:"input"`
		Psbt        string       `json:"psbt"`
		Tx          string       `json:"transaction"`
	}
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, err
	}
	if env.Version != Version {
		return nil, fmt.Errorf("unsupported message version %q", env.Version)
	}
	msg := &Message{Type: env.Type}
	switch env.Type {
	case MessageJoin:
		msg.Npub = env.Npub
	case MessageCredentials:
		if env.Credentials == nil {
			return nil, fmt.Errorf("credentials message without credentials")
		}
		msg.Credentials = env.Credentials
	case MessageOutput:
		if env.Address == "" {
			return nil, fmt.Errorf("output message without address")
		}
		msg.Address = env.Address
	case MessageInput:
		if env.Input == nil {
			return nil, fmt.Errorf("input message without input")
		}
		msg.Input = env.Input
	case MessagePsbt:
		// psbt messages collapse to signed inputs on receive
		input, err := SignedInputFromPsbt(env.Psbt)
		if err != nil {
			return nil, err
		}
		msg.Type = MessageInput
		msg.Input = input
	case MessageTransaction:
		if env.Tx == "" {
			return nil, fmt.Errorf("transaction message without transaction")
		}
		msg.Tx = env.Tx
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	return msg, nil
}

// maxWitnessItems bounds witness decoding, well above any standard script.
const maxWitnessItems = 4096

// SignedInput is one peer's signed contribution to the shared transaction.
// The witness travels in a separate field because the txin consensus
// encoding does not carry it.
type SignedInput struct {
	TxIn *wire.TxIn
	// Amount of the spent output in satoshis, zero when the sender did
	// not disclose it.
	Amount btcutil.Amount
}

func (s SignedInput) MarshalJSON() ([]byte, error) {
	if s.TxIn == nil {
		return nil, fmt.Errorf("signed input without txin")
	}
	var txin bytes.Buffer
	if err := writeTxIn(&txin, s.TxIn); err != nil {
		return nil, err
	}
	var witness bytes.Buffer
	if err := writeWitness(&witness, s.TxIn.Witness); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{
		"txin":    hex.EncodeToString(txin.Bytes()),
		"witness": hex.EncodeToString(witness.Bytes()),
		"amount":  int64(s.Amount),
	})
}

func (s *SignedInput) UnmarshalJSON(buf []byte) error {
	var aux struct {
		TxIn    string `json:"txin"`
		Witness string `json:"witness"`
		Amount  int64  `json:"amount"`
	}
	if err := json.Unmarshal(buf, &aux); err != nil {
		return err
	}
	rawTxIn, err := hex.DecodeString(aux.TxIn)
	if err != nil {
		return fmt.Errorf("invalid txin hex: %w", err)
	}
	txin, err := readTxIn(bytes.NewReader(rawTxIn))
	if err != nil {
		return fmt.Errorf("invalid txin encoding: %w", err)
	}
	rawWitness, err := hex.DecodeString(aux.Witness)
	if err != nil {
		return fmt.Errorf("invalid witness hex: %w", err)
	}
	witness, err := readWitness(bytes.NewReader(rawWitness))
	if err != nil {
		return fmt.Errorf("invalid witness encoding: %w", err)
	}
	txin.Witness = witness
	s.TxIn = txin
	s.Amount = btcutil.Amount(aux.Amount)
	return nil
}

// OutPoint returns the outpoint spent by the input.
func (s SignedInput) OutPoint() wire.OutPoint {
	return s.TxIn.PreviousOutPoint
}

// SignedInputFromPsbt extracts the single signed input of a finalizable
// base64 psbt.
func SignedInputFromPsbt(b64 string) (*SignedInput, error) {
	if b64 == "" {
		return nil, fmt.Errorf("psbt message without psbt")
	}
	packet, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
	if err != nil {
		return nil, fmt.Errorf("invalid psbt: %w", err)
	}
	if len(packet.UnsignedTx.TxIn) != 1 || len(packet.Inputs) != 1 {
		return nil, fmt.Errorf("psbt must carry exactly one input, got %d", len(packet.Inputs))
	}
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("psbt not finalizable: %w", err)
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("psbt not extractable: %w", err)
	}
	var amount btcutil.Amount
	if utxo := packet.Inputs[0].WitnessUtxo; utxo != nil {
		amount = btcutil.Amount(utxo.Value)
	}
	return &SignedInput{TxIn: tx.TxIn[0], Amount: amount}, nil
}

// TxHex consensus-encodes a transaction the way transaction messages carry
// it.
func TxHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// TxFromHex decodes a transaction message payload.
func TxFromHex(raw string) (*wire.MsgTx, error) {
	buf, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(buf)); err != nil {
		return nil, err
	}
	return tx, nil
}

func writeTxIn(w io.Writer, in *wire.TxIn) error {
	if _, err := w.Write(in.PreviousOutPoint.Hash[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, in.PreviousOutPoint.Index); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, 0, in.SignatureScript); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, in.Sequence)
}

func readTxIn(r io.Reader) (*wire.TxIn, error) {
	var hash chainhash.Hash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return nil, err
	}
	var index uint32
	if err := binary.Read(r, binary.LittleEndian, &index); err != nil {
		return nil, err
	}
	script, err := wire.ReadVarBytes(r, 0, wire.MaxMessagePayload, "signature script")
	if err != nil {
		return nil, err
	}
	var sequence uint32
	if err := binary.Read(r, binary.LittleEndian, &sequence); err != nil {
		return nil, err
	}
	txin := wire.NewTxIn(wire.NewOutPoint(&hash, index), script, nil)
	txin.Sequence = sequence
	return txin, nil
}

func writeWitness(w io.Writer, witness wire.TxWitness) error {
	if err := wire.WriteVarInt(w, 0, uint64(len(witness))); err != nil {
		return err
	}
	for _, item := range witness {
		if err := wire.WriteVarBytes(w, 0, item); err != nil {
			return err
		}
	}
	return nil
}

func readWitness(r io.Reader) (wire.TxWitness, error) {
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if count > maxWitnessItems {
		return nil, fmt.Errorf("too many witness items: %d", count)
	}
	witness := make(wire.TxWitness, count)
	for i := range witness {
		item, err := wire.ReadVarBytes(r, 0, wire.MaxMessagePayload, "witness item")
		if err != nil {
			return nil, err
		}
		witness[i] = item
	}
	return witness, nil
}
