package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	mu      sync.Mutex
	methods []string
	rawTx   string
	results map[string]string
	errs    map[string]string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.methods = append(n.methods, req.Method)
	if req.Method == "sendrawtransaction" && len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params[0], &n.rawTx)
	}
	result, ok := n.results[req.Method]
	rpcErr, failed := n.errs[req.Method]
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failed {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":` + rpcErr + `}`))
		return
	}
	if !ok {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
}

func TestParseReceivedTransfers(t *testing.T) {
	raw := []byte(`{
		"sent": [],
		"received": [
			{"timestamp": 1700000000000, "assethash": "0xD2A4CFF31913016155E38E474A2C06D08BE276CF", "transferaddress": "NaliceAddr", "amount": "150000000", "blockindex": 42, "transfernotifyindex": 1, "txhash": "0xabc"},
			{"timestamp": 1700000001000, "assethash": "0xef4073a0f2b305a38ec4050e4d3d28bc40ea63f5", "transferaddress": null, "amount": "5", "blockindex": 43, "transfernotifyindex": 0, "txhash": "0xdef"}
		],
		"address": "NhubAddr"
	}`)

	transfers, err := ParseReceivedTransfers(raw)
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	assert.Equal(t, GASScriptHash, transfers[0].AssetHash)
	assert.Equal(t, "NaliceAddr", transfers[0].Counterparty)
	assert.Equal(t, int64(150000000), transfers[0].Amount)
	assert.Equal(t, uint32(42), transfers[0].BlockIndex)
	assert.Equal(t, "0xabc:1", transfers[0].Reference())
	assert.Equal(t, "", transfers[1].Counterparty)

	_, err = ParseReceivedTransfers([]byte(`{"received":[{"amount":"x"}]}`))
	assert.Error(t, err)
	_, err = ParseReceivedTransfers([]byte(`not json`))
	assert.Error(t, err)
}

func TestBuildTransferScriptRejectsEmptyAndNonPositive(t *testing.T) {
	token, err := ParseScriptHash(GASScriptHash)
	require.NoError(t, err)

	_, err = BuildTransferScript(token, token, nil)
	assert.Error(t, err)
	_, err = BuildTransferScript(token, token, []Payment{{To: token, Amount: 0}})
	assert.Error(t, err)

	one, err := BuildTransferScript(token, token, []Payment{{To: token, Amount: 1}})
	require.NoError(t, err)
	two, err := BuildTransferScript(token, token, []Payment{{To: token, Amount: 1}, {To: token, Amount: 2}})
	require.NoError(t, err)
	assert.Greater(t, len(two), len(one))
}

func TestTransferSenderSignsAndBroadcasts(t *testing.T) {
	node := &fakeNode{results: map[string]string{
		"invokescript":        `{"script":"","state":"HALT","gasconsumed":"997775"}`,
		"getblockcount":       `1000`,
		"calculatenetworkfee": `{"networkfee":"123456"}`,
		"sendrawtransaction":  `{"hash":"0xfeed"}`,
		"getapplicationlog":   `{"txid":"0xfeed","executions":[{"trigger":"Application","vmstate":"HALT","gasconsumed":"997775"}]}`,
	}}
	srv := httptest.NewServer(node)
	defer srv.Close()

	client, err := NewClient(Config{RPCURL: srv.URL, NetworkID: 894710606})
	require.NoError(t, err)

	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)
	sender, err := NewTransferSender(client, priv.String())
	require.NoError(t, err)
	sender.WithPolling(10*time.Millisecond, time.Second)

	payee, err := keys.NewPrivateKey()
	require.NoError(t, err)
	token, err := ParseScriptHash(GASScriptHash)
	require.NoError(t, err)

	sent, err := sender.Send(context.Background(), token, []Payment{
		{To: payee.GetScriptHash(), Amount: 100},
		{To: sender.ScriptHash(), Amount: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", sent.Hash)
	assert.Equal(t, uint32(1100), sent.ValidUntilBlock)
	assert.Equal(t, []string{"invokescript", "getblockcount", "calculatenetworkfee", "sendrawtransaction", "getapplicationlog"}, node.methods)

	raw, err := base64.StdEncoding.DecodeString(node.rawTx)
	require.NoError(t, err)
	tx, err := transaction.NewTransactionFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(997775), tx.SystemFee)
	assert.Equal(t, int64(123456), tx.NetworkFee)
	assert.Equal(t, uint32(1100), tx.ValidUntilBlock)
	require.Len(t, tx.Signers, 1)
	assert.Equal(t, sender.ScriptHash(), tx.Signers[0].Account)
	require.Len(t, tx.Scripts, 1)
	assert.NotEmpty(t, tx.Scripts[0].InvocationScript)
}

func TestTransferSenderStopsOnFault(t *testing.T) {
	node := &fakeNode{results: map[string]string{
		"invokescript": `{"state":"FAULT","gasconsumed":"0","exception":"insufficient funds"}`,
	}}
	srv := httptest.NewServer(node)
	defer srv.Close()

	client, err := NewClient(Config{RPCURL: srv.URL})
	require.NoError(t, err)
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)
	sender, err := NewTransferSender(client, priv.String())
	require.NoError(t, err)
	token, _ := ParseScriptHash(GASScriptHash)

	_, err = sender.Send(context.Background(), token, []Payment{{To: token, Amount: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, []string{"invokescript"}, node.methods)
}

const unknownTx = `{"code":-100,"message":"Unknown transaction"}`

func newTestSender(t *testing.T, node *fakeNode) *TransferSender {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{RPCURL: srv.URL})
	require.NoError(t, err)
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)
	sender, err := NewTransferSender(client, priv.String())
	require.NoError(t, err)
	return sender
}

func TestTransferSenderReportsUnconfirmedAfterBroadcast(t *testing.T) {
	node := &fakeNode{
		results: map[string]string{
			"invokescript":        `{"script":"","state":"HALT","gasconsumed":"10"}`,
			"getblockcount":       `1000`,
			"calculatenetworkfee": `{"networkfee":"1"}`,
			"sendrawtransaction":  `{"hash":"0xfeed"}`,
		},
		errs: map[string]string{"getapplicationlog": unknownTx},
	}
	sender := newTestSender(t, node).WithPolling(5*time.Millisecond, 40*time.Millisecond)
	token, _ := ParseScriptHash(GASScriptHash)

	sent, err := sender.Send(context.Background(), token, []Payment{{To: token, Amount: 1}})
	require.ErrorIs(t, err, ErrUnconfirmed)
	assert.Equal(t, SentTransfer{Hash: "0xfeed", ValidUntilBlock: 1100}, sent)
}

func TestTransferSenderRejectedBroadcastIsDefinite(t *testing.T) {
	node := &fakeNode{
		results: map[string]string{
			"invokescript":        `{"script":"","state":"HALT","gasconsumed":"10"}`,
			"getblockcount":       `1000`,
			"calculatenetworkfee": `{"networkfee":"1"}`,
		},
		errs: map[string]string{"sendrawtransaction": `{"code":-500,"message":"insufficient funds"}`},
	}
	sender := newTestSender(t, node)
	token, _ := ParseScriptHash(GASScriptHash)

	sent, err := sender.Send(context.Background(), token, []Payment{{To: token, Amount: 1}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnconfirmed)
	assert.Equal(t, SentTransfer{}, sent)
}

func TestTransferSenderLookup(t *testing.T) {
	sent := SentTransfer{Hash: "0xfeed", ValidUntilBlock: 1100}
	cases := []struct {
		name   string
		node   *fakeNode
		expect TransferState
	}{
		{
			name:   "halted",
			node:   &fakeNode{results: map[string]string{"getapplicationlog": `{"txid":"0xfeed","executions":[{"vmstate":"HALT"}]}`}},
			expect: TransferHalted,
		},
		{
			name:   "faulted",
			node:   &fakeNode{results: map[string]string{"getapplicationlog": `{"txid":"0xfeed","executions":[{"vmstate":"FAULT"}]}`}},
			expect: TransferFaulted,
		},
		{
			name: "still valid",
			node: &fakeNode{
				results: map[string]string{"getblockcount": `1100`},
				errs:    map[string]string{"getapplicationlog": unknownTx},
			},
			expect: TransferPending,
		},
		{
			name: "past valid until block",
			node: &fakeNode{
				results: map[string]string{"getblockcount": `1101`},
				errs:    map[string]string{"getapplicationlog": unknownTx},
			},
			expect: TransferExpired,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, err := newTestSender(t, tc.node).Lookup(context.Background(), sent)
			require.NoError(t, err)
			if state != tc.expect {
				t.Fatalf("expected state %d, got %d", tc.expect, state)
			}
		})
	}
}

func TestSentTransferReference(t *testing.T) {
	sent := SentTransfer{Hash: "0xfeed", ValidUntilBlock: 1100}
	parsed, err := ParseSentTransfer(sent.String())
	require.NoError(t, err)
	assert.Equal(t, sent, parsed)

	for _, bad := range []string{"", "0xfeed", "@12", "0xfeed@x"} {
		if _, err := ParseSentTransfer(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestCallSurfacesRPCErrors(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{results: map[string]string{}})
	defer srv.Close()

	client, err := NewClient(Config{RPCURL: srv.URL})
	require.NoError(t, err)
	_, err = client.GetBlockCount(context.Background())
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}
