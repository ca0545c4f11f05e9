/**
 * @description
 * This package provides a thin JSON-RPC client for Solana-family nodes. It
 * covers only what the ingestion pipeline needs: current slot, the confirmed
 * block list for a slot range, per-block program instructions, and signature
 * listing for a program account (used for best-effort live polling and for
 * single-transaction reprocessing).
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package solanarpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client is a JSON-RPC client for a Solana node endpoint.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client

	nextID uint64
}

// NewClient creates a new Solana JSON-RPC client.
func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint: endpoint,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Instruction is one decoded-for-transport program invocation: the invoked
// program and its base58 instruction data.
type Instruction struct {
	ProgramID string `json:"program_id"`
	Data      string `json:"data"` // base58
}

// BlockTransaction is one confirmed transaction within a block.
type BlockTransaction struct {
	Signature    string        `json:"signature"`
	Slot         uint64        `json:"slot"`
	Instructions []Instruction `json:"instructions"`
	Failed       bool          `json:"failed"`
}

// SignatureInfo is one entry from getSignaturesForAddress.
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Err       any    `json:"err"`
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
	return fmt.Sprintf("solana rpc error %d: %s", e.Code, e.Message)
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
		return fmt.Errorf("solana rpc %s: unexpected status %d: %s", method, resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("solana rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("solana rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

// GetSlot returns the current confirmed slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, "getSlot", []interface{}{map[string]string{"commitment": "confirmed"}}, &slot)
	return slot, err
}

// GetBlocks returns the confirmed block slots in [from, to].
func (c *Client) GetBlocks(ctx context.Context, from, to uint64) ([]uint64, error) {
	var slots []uint64
	err := c.call(ctx, "getBlocks", []interface{}{from, to, map[string]string{"commitment": "confirmed"}}, &slots)
	return slots, err
}

type rawBlock struct {
	Transactions []struct {
		Transaction struct {
			Signatures []string `json:"signatures"`
			Message    struct {
				AccountKeys  []string `json:"accountKeys"`
				Instructions []struct {
					ProgramIDIndex int    `json:"programIdIndex"`
					Data           string `json:"data"`
				} `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
		Meta struct {
			Err any `json:"err"`
		} `json:"meta"`
	} `json:"transactions"`
}

// GetBlockTransactions returns the confirmed transactions of one block,
// flattened to (signature, program, data) tuples.
func (c *Client) GetBlockTransactions(ctx context.Context, slot uint64) ([]BlockTransaction, error) {
	params := []interface{}{
		slot,
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     "confirmed",
			"transactionDetails":             "full",
			"maxSupportedTransactionVersion": 0,
			"rewards":                        false,
		},
	}
	var block rawBlock
	if err := c.call(ctx, "getBlock", params, &block); err != nil {
		return nil, err
	}

	txs := make([]BlockTransaction, 0, len(block.Transactions))
	for _, raw := range block.Transactions {
		if len(raw.Transaction.Signatures) == 0 {
			continue
		}
		tx := BlockTransaction{
			Signature: raw.Transaction.Signatures[0],
			Slot:      slot,
			Failed:    raw.Meta.Err != nil,
		}
		keys := raw.Transaction.Message.AccountKeys
		for _, ins := range raw.Transaction.Message.Instructions {
			if ins.ProgramIDIndex < 0 || ins.ProgramIDIndex >= len(keys) {
				continue
			}
			tx.Instructions = append(tx.Instructions, Instruction{
				ProgramID: keys[ins.ProgramIDIndex],
				Data:      ins.Data,
			})
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// GetSignaturesForAddress lists recent confirmed signatures touching the
// given account, newest first, optionally stopping at untilSignature.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address, untilSignature string, limit int) ([]SignatureInfo, error) {
	opts := map[string]interface{}{
		"commitment": "confirmed",
		"limit":      limit,
	}
	if untilSignature != "" {
		opts["until"] = untilSignature
	}
	var infos []SignatureInfo
	err := c.call(ctx, "getSignaturesForAddress", []interface{}{address, opts}, &infos)
	return infos, err
}

// GetTransaction returns one confirmed transaction by signature. A nil
// result with nil error means the signature is unknown.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*BlockTransaction, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}
	var raw json.RawMessage
	if err := c.call(ctx, "getTransaction", params, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var parsed struct {
		Slot        uint64 `json:"slot"`
		Transaction struct {
			Signatures []string `json:"signatures"`
			Message    struct {
				AccountKeys  []string `json:"accountKeys"`
				Instructions []struct {
					ProgramIDIndex int    `json:"programIdIndex"`
					Data           string `json:"data"`
				} `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
		Meta struct {
			Err any `json:"err"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("solana rpc: decode transaction: %w", err)
	}
	if len(parsed.Transaction.Signatures) == 0 {
		return nil, nil
	}

	tx := &BlockTransaction{
		Signature: parsed.Transaction.Signatures[0],
		Slot:      parsed.Slot,
		Failed:    parsed.Meta.Err != nil,
	}
	keys := parsed.Transaction.Message.AccountKeys
	for _, ins := range parsed.Transaction.Message.Instructions {
		if ins.ProgramIDIndex < 0 || ins.ProgramIDIndex >= len(keys) {
			continue
		}
		tx.Instructions = append(tx.Instructions, Instruction{
			ProgramID: keys[ins.ProgramIDIndex],
			Data:      ins.Data,
		})
	}
	return tx, nil
}
