// Package nonce reads per-account replay counters from the ERC-2771
// forwarder contract. Values are always read from the ledger at call time;
// nonces change with every successful relay and must never be served stale.
package nonce

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	msqpay "github.com/msqpay/relay-go"
)

// forwarderABI covers the single read this package needs:
// nonces(address) -> uint256.
const forwarderABI = `[{"inputs":[{"name":"owner","type":"address"}],"name":"nonces","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// ContractCaller is the narrow ledger-read interface the tracker depends
// on. *ethclient.Client satisfies it; tests substitute a fake chain.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Tracker reads forwarder nonces from the execution ledger.
type Tracker struct {
	caller    ContractCaller
	forwarder common.Address
	abi       abi.ABI
}

// New dials the RPC endpoint and constructs a tracker. Construction fails
// fast on an empty endpoint or a malformed forwarder address so a bad
// deployment surfaces at startup, not at the first nonce read.
func New(rpcURL, forwarderAddress string) (*Tracker, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}
	return NewWithCaller(client, forwarderAddress)
}

// NewWithCaller constructs a tracker over an existing ledger connection.
func NewWithCaller(caller ContractCaller, forwarderAddress string) (*Tracker, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller is required")
	}
	if !msqpay.IsHexAddress(forwarderAddress) {
		return nil, fmt.Errorf("invalid forwarder address: %q", forwarderAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(forwarderABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse forwarder abi: %w", err)
	}
	return &Tracker{
		caller:    caller,
		forwarder: common.HexToAddress(forwarderAddress),
		abi:       parsed,
	}, nil
}

// GetNonce returns the current forwarder nonce for address. An empty read
// result means no contract (or no nonces function) lives at the configured
// forwarder address.
func (t *Tracker) GetNonce(ctx context.Context, address string) (*big.Int, error) {
	if !msqpay.IsHexAddress(address) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidAddress,
			"address must be a 0x-prefixed 20-byte hex string",
			map[string]interface{}{"address": address})
	}

	input, err := t.abi.Pack("nonces", common.HexToAddress(address))
	if err != nil {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeNonceQueryFailed,
			"failed to encode nonce query", nil)
	}

	result, err := t.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &t.forwarder,
		Data: input,
	}, nil)
	if err != nil {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeNonceQueryFailed,
			fmt.Sprintf("failed to read nonce for %s", address), nil)
	}
	if len(result) == 0 {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeContractNotFound,
			fmt.Sprintf("forwarder contract not found at %s", t.forwarder.Hex()), nil)
	}

	outputs, err := t.abi.Unpack("nonces", result)
	if err != nil || len(outputs) != 1 {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeNonceQueryFailed,
			"failed to decode nonce query result", nil)
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeNonceQueryFailed,
			"unexpected nonce result type", nil)
	}
	return value, nil
}

// GetNonceBatch reads nonces for multiple addresses sequentially. The batch
// has no partial-success semantics: any single failure aborts the whole
// call. Callers needing partial results must call GetNonce individually.
func (t *Tracker) GetNonceBatch(ctx context.Context, addresses []string) (map[string]*big.Int, error) {
	if len(addresses) == 0 {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"addresses must be a non-empty list", nil)
	}

	result := make(map[string]*big.Int, len(addresses))
	for _, address := range addresses {
		value, err := t.GetNonce(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("batch nonce read failed for %s: %w", address, err)
		}
		result[address] = value
	}
	return result, nil
}
