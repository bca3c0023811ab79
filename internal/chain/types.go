package chain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a failed call.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Signer is the signer object accepted by invokescript.
type Signer struct {
	Account string `json:"account"`
	Scopes  string `json:"scopes"`
}

// InvokeResult is the result of a test invocation.
type InvokeResult struct {
	Script      string `json:"script"`
	State       string `json:"state"`
	GasConsumed string `json:"gasconsumed"`
	Exception   string `json:"exception,omitempty"`
}

// Execution is one trigger execution in an application log.
type Execution struct {
	Trigger     string `json:"trigger"`
	VMState     string `json:"vmstate"`
	Exception   string `json:"exception,omitempty"`
	GasConsumed string `json:"gasconsumed"`
}

// ApplicationLog is the result of getapplicationlog.
type ApplicationLog struct {
	TxHash     string      `json:"txid"`
	Executions []Execution `json:"executions"`
}

// Halted reports whether every execution finished in the HALT state.
func (l *ApplicationLog) Halted() bool {
	if l == nil || len(l.Executions) == 0 {
		return false
	}
	for _, e := range l.Executions {
		if e.VMState != "HALT" {
			return false
		}
	}
	return true
}

func isNotFoundError(err error) bool {
	rpcErr, ok := err.(*RPCError)
	if !ok {
		return false
	}
	msg := strings.ToLower(rpcErr.Message + " " + rpcErr.Data)
	return rpcErr.Code == -100 || strings.Contains(msg, "unknown transaction") || strings.Contains(msg, "not found")
}
