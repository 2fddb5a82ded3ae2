package eip712

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	msqpay "github.com/msqpay/relay-go"
)

// Domain names are distinct per schema. The gateway contract verifies
// payment authorizations, the forwarder verifies forward requests.
const (
	PaymentAuthDomainName    = "MSQPayGateway"
	PaymentAuthDomainVersion = "1"

	ForwardRequestDomainName    = "MSQPay"
	ForwardRequestDomainVersion = "1"

	paymentAuthPrimaryType    = "PaymentRequest"
	forwardRequestPrimaryType = "ForwardRequest"
)

// PaymentAuthorization is the server-signed approval of payment terms.
// PaymentID and MerchantID are bytes32 hex, Amount is a decimal string in
// the token's smallest unit.
type PaymentAuthorization struct {
	PaymentID        string `json:"paymentId"`
	TokenAddress     string `json:"tokenAddress"`
	Amount           string `json:"amount"`
	RecipientAddress string `json:"recipientAddress"`
	MerchantID       string `json:"merchantId"`
	FeeBps           uint16 `json:"feeBps"`
}

// WellFormed reports whether all structural fields are format-valid.
func (a PaymentAuthorization) WellFormed() bool {
	return msqpay.IsBytes32Hex(a.PaymentID) &&
		msqpay.IsHexAddress(a.TokenAddress) &&
		msqpay.IsDecimalString(a.Amount) &&
		msqpay.IsHexAddress(a.RecipientAddress) &&
		msqpay.IsBytes32Hex(a.MerchantID) &&
		a.FeeBps <= 10000
}

// PaymentAuthDomain returns the domain separator for payment authorizations.
func PaymentAuthDomain(chainID *big.Int, gatewayAddress string) TypedDataDomain {
	return TypedDataDomain{
		Name:              PaymentAuthDomainName,
		Version:           PaymentAuthDomainVersion,
		ChainID:           chainID,
		VerifyingContract: gatewayAddress,
	}
}

// ForwardRequestDomain returns the domain separator for forward requests.
func ForwardRequestDomain(chainID *big.Int, forwarderAddress string) TypedDataDomain {
	return TypedDataDomain{
		Name:              ForwardRequestDomainName,
		Version:           ForwardRequestDomainVersion,
		ChainID:           chainID,
		VerifyingContract: forwarderAddress,
	}
}

func paymentAuthTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		paymentAuthPrimaryType: {
			{Name: "paymentId", Type: "bytes32"},
			{Name: "tokenAddress", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "recipientAddress", Type: "address"},
			{Name: "merchantId", Type: "bytes32"},
			{Name: "feeBps", Type: "uint16"},
		},
	}
}

func forwardRequestTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		forwardRequestPrimaryType: {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "gas", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "data", Type: "bytes"},
		},
	}
}

// HashPaymentAuthorization computes the EIP-712 digest for a payment
// authorization under the gateway domain.
func HashPaymentAuthorization(
	auth PaymentAuthorization,
	chainID *big.Int,
	gatewayAddress string,
) ([]byte, error) {
	amount, ok := new(big.Int).SetString(auth.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization amount: %s", auth.Amount)
	}
	paymentID, err := hexutil.Decode(auth.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("invalid payment id: %w", err)
	}
	merchantID, err := hexutil.Decode(auth.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("invalid merchant id: %w", err)
	}

	message := map[string]interface{}{
		"paymentId":        paymentID,
		"tokenAddress":     common.HexToAddress(auth.TokenAddress).Hex(),
		"amount":           amount,
		"recipientAddress": common.HexToAddress(auth.RecipientAddress).Hex(),
		"merchantId":       merchantID,
		"feeBps":           fmt.Sprintf("%d", auth.FeeBps),
	}

	return HashTypedData(
		PaymentAuthDomain(chainID, gatewayAddress),
		paymentAuthTypes(),
		paymentAuthPrimaryType,
		message,
	)
}

// HashForwardRequest computes the EIP-712 digest for a forward request
// under the forwarder domain. The signature field of req is ignored.
func HashForwardRequest(
	req msqpay.ForwardRequest,
	chainID *big.Int,
	forwarderAddress string,
) ([]byte, error) {
	data, err := hexutil.Decode(req.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid call data: %w", err)
	}

	message := map[string]interface{}{
		"from":     common.HexToAddress(req.From).Hex(),
		"to":       common.HexToAddress(req.To).Hex(),
		"value":    req.Value,
		"gas":      req.Gas,
		"nonce":    req.Nonce,
		"deadline": req.Deadline,
		"data":     data,
	}

	return HashTypedData(
		ForwardRequestDomain(chainID, forwarderAddress),
		forwardRequestTypes(),
		forwardRequestPrimaryType,
		message,
	)
}

// MerchantKeyToID derives the bytes32 merchant identifier from a merchant
// key string: keccak256 over the raw key bytes.
func MerchantKeyToID(merchantKey string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(merchantKey)))
}
