package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/smartcontract"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
	"github.com/tidwall/gjson"
)

// GASScriptHash is the native GAS token contract (LE string form).
const GASScriptHash = "0xd2a4cff31913016155e38e474a2c06d08be276cf"

// Transfer is one NEP-17 movement involving the tracked address.
type Transfer struct {
	Timestamp    uint64
	AssetHash    string
	Counterparty string
	Amount       int64
	BlockIndex   uint32
	NotifyIndex  uint32
	TxHash       string
}

// Reference uniquely identifies the transfer notification on chain.
func (t Transfer) Reference() string {
	return fmt.Sprintf("%s:%d", t.TxHash, t.NotifyIndex)
}

// GetNEP17Transfers returns the transfers received by addr with a timestamp
// at or after sinceMs (milliseconds), oldest first.
func (c *Client) GetNEP17Transfers(ctx context.Context, addr string, sinceMs uint64) ([]Transfer, error) {
	result, err := c.Call(ctx, "getnep17transfers", []interface{}{addr, sinceMs})
	if err != nil {
		return nil, err
	}
	return ParseReceivedTransfers(result)
}

// ParseReceivedTransfers extracts the "received" list of a getnep17transfers
// result.
func ParseReceivedTransfers(raw []byte) ([]Transfer, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("getnep17transfers: invalid json")
	}
	var (
		transfers []Transfer
		parseErr  error
	)
	gjson.GetBytes(raw, "received").ForEach(func(_, item gjson.Result) bool {
		amount, err := strconv.ParseInt(item.Get("amount").String(), 10, 64)
		if err != nil {
			parseErr = fmt.Errorf("transfer %s: amount: %w", item.Get("txhash").String(), err)
			return false
		}
		transfers = append(transfers, Transfer{
			Timestamp:    item.Get("timestamp").Uint(),
			AssetHash:    strings.ToLower(item.Get("assethash").String()),
			Counterparty: item.Get("transferaddress").String(),
			Amount:       amount,
			BlockIndex:   uint32(item.Get("blockindex").Uint()),
			NotifyIndex:  uint32(item.Get("transfernotifyindex").Uint()),
			TxHash:       item.Get("txhash").String(),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return transfers, nil
}

// Payment is one transfer within a batch.
type Payment struct {
	To     util.Uint160
	Amount int64
}

// BuildTransferScript emits an asserted NEP-17 transfer per payment so the
// whole script faults if any single transfer returns false.
func BuildTransferScript(token, from util.Uint160, payments []Payment) ([]byte, error) {
	if len(payments) == 0 {
		return nil, fmt.Errorf("no payments")
	}
	b := smartcontract.NewBuilder()
	for _, p := range payments {
		if p.Amount <= 0 {
			return nil, fmt.Errorf("payment to %s: amount must be positive", address.Uint160ToString(p.To))
		}
		b.InvokeWithAssert(token, "transfer", from, p.To, p.Amount, nil)
	}
	return b.Script()
}

// TransferSender signs and broadcasts NEP-17 transfers from one account.
type TransferSender struct {
	client   *Client
	account  *wallet.Account
	validity uint32
	poll     time.Duration
	wait     time.Duration
}

// NewTransferSender creates a sender for the account of privateKeyHex.
func NewTransferSender(client *Client, privateKeyHex string) (*TransferSender, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client required")
	}
	priv, err := keys.NewPrivateKeyFromHex(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &TransferSender{
		client:   client,
		account:  wallet.NewAccountFromPrivateKey(priv),
		validity: 100,
		poll:     DefaultPollInterval,
		wait:     DefaultTxWaitTimeout,
	}, nil
}

// WithPolling overrides how the sender waits for execution.
func (s *TransferSender) WithPolling(interval, timeout time.Duration) *TransferSender {
	if interval > 0 {
		s.poll = interval
	}
	if timeout > 0 {
		s.wait = timeout
	}
	return s
}

// Address is the sender's Neo address.
func (s *TransferSender) Address() string { return s.account.Address }

// ScriptHash is the sender's account hash.
func (s *TransferSender) ScriptHash() util.Uint160 { return s.account.ScriptHash() }

// ErrUnconfirmed marks a transfer that may have been broadcast but whose
// execution was not observed. It can still land until its ValidUntilBlock.
var ErrUnconfirmed = errors.New("transfer broadcast but not confirmed")

// SentTransfer identifies a signed transfer transaction.
type SentTransfer struct {
	Hash            string
	ValidUntilBlock uint32
}

// String encodes the transfer as hash@validUntilBlock.
func (t SentTransfer) String() string {
	return t.Hash + "@" + strconv.FormatUint(uint64(t.ValidUntilBlock), 10)
}

// ParseSentTransfer decodes the form produced by SentTransfer.String.
func ParseSentTransfer(ref string) (SentTransfer, error) {
	hash, vub, ok := strings.Cut(ref, "@")
	if !ok || hash == "" {
		return SentTransfer{}, fmt.Errorf("malformed transfer reference %q", ref)
	}
	height, err := strconv.ParseUint(vub, 10, 32)
	if err != nil {
		return SentTransfer{}, fmt.Errorf("transfer reference %q: %w", ref, err)
	}
	return SentTransfer{Hash: hash, ValidUntilBlock: uint32(height)}, nil
}

// TransferState is the on-chain outcome of a sent transfer.
type TransferState int

const (
	TransferPending TransferState = iota
	TransferHalted
	TransferFaulted
	TransferExpired
)

// Send executes all payments in one transaction and waits until it halts.
// Errors raised before broadcast mean nothing was sent. Once the transaction
// may have reached the network, a missing execution result is reported as
// ErrUnconfirmed together with the transfer, which Lookup resolves later.
func (s *TransferSender) Send(ctx context.Context, token util.Uint160, payments []Payment) (SentTransfer, error) {
	from := s.account.ScriptHash()
	script, err := BuildTransferScript(token, from, payments)
	if err != nil {
		return SentTransfer{}, err
	}

	signers := []Signer{{Account: "0x" + from.StringLE(), Scopes: "CalledByEntry"}}
	inv, err := s.client.InvokeScript(ctx, base64.StdEncoding.EncodeToString(script), signers)
	if err != nil {
		return SentTransfer{}, fmt.Errorf("transfer simulation failed: %w", err)
	}
	if inv.State != "HALT" {
		return SentTransfer{}, fmt.Errorf("transfer simulation faulted: %s", inv.Exception)
	}
	sysFee, err := strconv.ParseInt(inv.GasConsumed, 10, 64)
	if err != nil {
		return SentTransfer{}, fmt.Errorf("parse gasconsumed %q: %w", inv.GasConsumed, err)
	}

	height, err := s.client.GetBlockCount(ctx)
	if err != nil {
		return SentTransfer{}, fmt.Errorf("get block count: %w", err)
	}

	tx := transaction.New(script, sysFee)
	tx.ValidUntilBlock = height + s.validity
	tx.Signers = []transaction.Signer{{Account: from, Scopes: transaction.CalledByEntry}}
	tx.Scripts = []transaction.Witness{{InvocationScript: []byte{}, VerificationScript: s.account.Contract.Script}}

	netFee, err := s.client.CalculateNetworkFee(ctx, base64.StdEncoding.EncodeToString(tx.Bytes()))
	if err != nil {
		return SentTransfer{}, fmt.Errorf("calculate network fee: %w", err)
	}
	tx.NetworkFee = netFee

	if err := s.account.SignTx(netmode.Magic(s.client.NetworkID()), tx); err != nil {
		return SentTransfer{}, fmt.Errorf("sign transaction: %w", err)
	}

	sent := SentTransfer{Hash: "0x" + tx.Hash().StringLE(), ValidUntilBlock: tx.ValidUntilBlock}
	hash, err := s.client.SendRawTransaction(ctx, base64.StdEncoding.EncodeToString(tx.Bytes()))
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return SentTransfer{}, fmt.Errorf("broadcast transaction: %w", err)
		}
		return sent, fmt.Errorf("%w: broadcast %s: %v", ErrUnconfirmed, sent.Hash, err)
	}
	if hash != "" {
		sent.Hash = hash
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()
	appLog, err := s.client.WaitForApplicationLog(waitCtx, sent.Hash, s.poll)
	if err != nil {
		return sent, fmt.Errorf("%w: wait for %s: %v", ErrUnconfirmed, sent.Hash, err)
	}
	if !appLog.Halted() {
		return sent, fmt.Errorf("transfer %s did not halt", sent.Hash)
	}
	return sent, nil
}

// Lookup reports what became of a sent transfer. A transaction with no
// application log is pending until the chain passes its ValidUntilBlock,
// after which it can no longer be included.
func (s *TransferSender) Lookup(ctx context.Context, sent SentTransfer) (TransferState, error) {
	appLog, err := s.client.GetApplicationLog(ctx, sent.Hash)
	if err == nil {
		if appLog.Halted() {
			return TransferHalted, nil
		}
		return TransferFaulted, nil
	}
	if !isNotFoundError(err) {
		return TransferPending, fmt.Errorf("application log %s: %w", sent.Hash, err)
	}
	count, err := s.client.GetBlockCount(ctx)
	if err != nil {
		return TransferPending, fmt.Errorf("get block count: %w", err)
	}
	if count > sent.ValidUntilBlock {
		return TransferExpired, nil
	}
	return TransferPending, nil
}

// ParseAddress converts a Neo address into its script hash.
func ParseAddress(addr string) (util.Uint160, error) {
	return address.StringToUint160(strings.TrimSpace(addr))
}

// ParseScriptHash parses a 0x-prefixed little-endian contract hash.
func ParseScriptHash(hash string) (util.Uint160, error) {
	return util.Uint160DecodeStringLE(strings.TrimPrefix(strings.TrimSpace(hash), "0x"))
}
