// Package calldata decodes relayed call data against the payment gateway
// ABI and guards the encoded amount against the authoritative stored
// amount. The guard runs before any forward request reaches the relay
// gateway, so tampered client-side call data never burns relayer gas.
package calldata

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	msqpay "github.com/msqpay/relay-go"
)

// paymentGatewayABI describes the gateway's payment-execution entrypoint.
const paymentGatewayABI = `[{"inputs":[{"name":"paymentId","type":"bytes32"},{"name":"tokenAddress","type":"address"},{"name":"amount","type":"uint256"},{"name":"recipientAddress","type":"address"},{"name":"merchantId","type":"bytes32"},{"name":"feeBps","type":"uint16"},{"name":"serverSignature","type":"bytes"}],"name":"pay","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// amount is the third pay() parameter.
const amountArgIndex = 2

var gatewayABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(paymentGatewayABI))
	if err != nil {
		panic("calldata: invalid payment gateway abi: " + err.Error())
	}
	return parsed
}()

// ValidateAmount decodes encodedCallData as a pay() invocation and compares
// the encoded amount against the authoritative stored amount by exact
// integer equality. Returns nil when they match; otherwise a PaymentError
// with code invalid_call_data, invalid_function or amount_mismatch.
func ValidateAmount(encodedCallData string, storedAmount *big.Int) error {
	if storedAmount == nil {
		return msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"authoritative amount is required", nil)
	}
	if !msqpay.IsHexData(encodedCallData) {
		return msqpay.NewPaymentError(msqpay.ErrCodeInvalidCallData,
			"call data must be 0x-prefixed hex", nil)
	}

	data, err := hexutil.Decode(encodedCallData)
	if err != nil || len(data) < 4 {
		return msqpay.NewPaymentError(msqpay.ErrCodeInvalidCallData,
			"call data is not a decodable function invocation", nil)
	}

	method, err := gatewayABI.MethodById(data[:4])
	if err != nil || method.Name != "pay" {
		return msqpay.NewPaymentError(msqpay.ErrCodeInvalidFunction,
			"call data must invoke the gateway pay() function", nil)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) <= amountArgIndex {
		return msqpay.NewPaymentError(msqpay.ErrCodeInvalidCallData,
			"pay() arguments could not be decoded", nil)
	}

	decodedAmount, ok := args[amountArgIndex].(*big.Int)
	if !ok {
		return msqpay.NewPaymentError(msqpay.ErrCodeInvalidCallData,
			"pay() amount argument has an unexpected type", nil)
	}

	if decodedAmount.Cmp(storedAmount) != 0 {
		return msqpay.NewPaymentError(msqpay.ErrCodeAmountMismatch,
			"encoded amount does not match the recorded payment amount",
			map[string]interface{}{
				"storedAmount":    storedAmount.String(),
				"requestedAmount": decodedAmount.String(),
			})
	}
	return nil
}

// EncodePayCallData builds call data for the gateway pay() function.
// Used by clients constructing forward requests and by tests.
func EncodePayCallData(
	paymentID string,
	tokenAddress string,
	amount *big.Int,
	recipientAddress string,
	merchantID string,
	feeBps uint16,
	serverSignature string,
) (string, error) {
	paymentIDBytes, err := decodeBytes32(paymentID)
	if err != nil {
		return "", err
	}
	merchantIDBytes, err := decodeBytes32(merchantID)
	if err != nil {
		return "", err
	}
	sigBytes, err := hexutil.Decode(serverSignature)
	if err != nil {
		return "", err
	}

	packed, err := gatewayABI.Pack("pay",
		paymentIDBytes,
		common.HexToAddress(tokenAddress),
		amount,
		common.HexToAddress(recipientAddress),
		merchantIDBytes,
		feeBps,
		sigBytes,
	)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(packed), nil
}

func decodeBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
