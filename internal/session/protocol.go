package session

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Outbound request methods.
const (
	methodAuthorize          = "authorize"
	methodPing               = "ping"
	methodOrdersSubscribe    = "ordersExecuted_subscribe"
	methodOrdersUnsubscribe  = "ordersExecuted_unsubscribe"
	methodBalanceSubscribe   = "balanceSpot_subscribe"
	methodBalanceUnsubscribe = "balanceSpot_unsubscribe"
)

// Inbound push methods.
const (
	updateOrdersExecuted = "ordersExecuted_update"
	updateBalanceSpot    = "balanceSpot_update"
)

// request is the outbound envelope: {id, method, params}.
type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

func (r request) marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", r.Method, err)
	}
	return data, nil
}

// rpcError is the error object carried in a response envelope.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

// inbound is the inbound envelope. A non-nil ID marks a response to one of
// our requests; a method marks a server push.
type inbound struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func authorizeRequest(id int64, token string) request {
	return request{ID: id, Method: methodAuthorize, Params: []any{token, "public"}}
}

func pingRequest(id int64) request {
	return request{ID: id, Method: methodPing, Params: []any{}}
}

// ordersSubscribeRequest subscribes to executions on the given markets.
// The trailing 0 requests updates only, no initial snapshot.
func ordersSubscribeRequest(id int64, markets []string) request {
	return request{ID: id, Method: methodOrdersSubscribe, Params: []any{markets, 0}}
}

func ordersUnsubscribeRequest(id int64, markets []string) request {
	return request{ID: id, Method: methodOrdersUnsubscribe, Params: []any{markets}}
}

func balanceSubscribeRequest(id int64, assets []string) request {
	return request{ID: id, Method: methodBalanceSubscribe, Params: assets}
}

func balanceUnsubscribeRequest(id int64, assets []string) request {
	return request{ID: id, Method: methodBalanceUnsubscribe, Params: assets}
}
