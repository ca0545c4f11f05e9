/**
 * @description
 * This package provides a thin JSON-RPC client for EVM-family nodes. It
 * covers only the methods the ingestion pipeline needs: current block number,
 * log queries over a block range, receipt lookup for a single transaction,
 * and a poll-based log filter used for best-effort live delivery.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package evmrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Client is a JSON-RPC client for an EVM node endpoint.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client

	nextID uint64
}

// NewClient creates a new EVM JSON-RPC client.
func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint: endpoint,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Log is one emitted contract event as returned by eth_getLogs.
type Log struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	Removed         bool     `json:"removed"`
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("evm rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("evm rpc %s: unexpected status %d: %s", method, resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("evm rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("evm rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

// BlockNumber returns the current chain head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &hexNum); err != nil {
		return 0, err
	}
	return ParseHexUint(hexNum)
}

// GetLogs returns the logs emitted by the given contracts in [from, to].
func (c *Client) GetLogs(ctx context.Context, from, to uint64, addresses []string) ([]Log, error) {
	filter := map[string]interface{}{
		"fromBlock": FormatHexUint(from),
		"toBlock":   FormatHexUint(to),
		"address":   addresses,
	}
	var logs []Log
	if err := c.call(ctx, "eth_getLogs", []interface{}{filter}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// TransactionLogs returns the logs of a single mined transaction via its
// receipt. A nil slice with nil error means the transaction is unknown.
func (c *Client) TransactionLogs(ctx context.Context, txHash string) ([]Log, uint64, error) {
	var receipt struct {
		BlockNumber string `json:"blockNumber"`
		Logs        []Log  `json:"logs"`
	}
	var raw json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &raw); err != nil {
		return nil, 0, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, 0, nil
	}
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, 0, fmt.Errorf("evm rpc: decode receipt: %w", err)
	}
	height, err := ParseHexUint(receipt.BlockNumber)
	if err != nil {
		return nil, 0, err
	}
	return receipt.Logs, height, nil
}

// NewLogFilter installs a server-side log filter for the given contracts and
// returns its id for use with FilterChanges.
func (c *Client) NewLogFilter(ctx context.Context, addresses []string) (string, error) {
	filter := map[string]interface{}{
		"fromBlock": "latest",
		"address":   addresses,
	}
	var id string
	if err := c.call(ctx, "eth_newFilter", []interface{}{filter}, &id); err != nil {
		return "", err
	}
	return id, nil
}

// FilterChanges drains new logs from a previously installed filter.
func (c *Client) FilterChanges(ctx context.Context, filterID string) ([]Log, error) {
	var logs []Log
	if err := c.call(ctx, "eth_getFilterChanges", []interface{}{filterID}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// ParseHexUint parses a 0x-prefixed hex quantity.
func ParseHexUint(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("empty hex quantity %q", s)
	}
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex quantity %q: %w", s, err)
	}
	return v, nil
}

// FormatHexUint renders a height as a 0x-prefixed hex quantity.
func FormatHexUint(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
