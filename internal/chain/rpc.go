package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repaircoin/internal/amount"
)

// RPCClient talks to a single token-node HTTP endpoint.
type RPCClient struct {
	baseURL string
	client  *http.Client
}

func NewRPCClient(baseURL string) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RPCClient) Balance(ctx context.Context, address string) (amount.Amount, error) {
	var resp balanceResponse
	endpoint := c.baseURL + "/token/balances/" + url.PathEscape(address)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return 0, err
	}
	return amount.Parse(resp.Balance)
}

// Burn sends tokens from the customer's address to the sink and returns the
// transaction hash.
func (c *RPCClient) Burn(ctx context.Context, address string, amt amount.Amount, sink string) (string, error) {
	req := burnRequest{Address: address, Amount: amt.String(), Sink: sink}
	var resp burnResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/token/burn", req, &resp); err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("burn returned no tx hash")
	}
	return resp.TxHash, nil
}

func (c *RPCClient) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg != "" {
			return fmt.Errorf("rpc http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("rpc http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

type burnRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
	Sink    string `json:"sink"`
}

type burnResponse struct {
	TxHash string `json:"tx_hash"`
}
