package eip712

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	msqpay "github.com/msqpay/relay-go"
)

// Signer holds the service's ECDSA key and produces EIP-712 signatures.
// The payment-authorization side is the production use; forward-request
// signing exists for clients and tests acting as the payer.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a signer from a hex-encoded private key, with or
// without the 0x prefix. Fails fast on a malformed key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignPaymentAuthorization signs a payment authorization under the gateway
// domain and returns the 65-byte signature as 0x hex with v in {27, 28}.
func (s *Signer) SignPaymentAuthorization(
	auth PaymentAuthorization,
	chainID *big.Int,
	gatewayAddress string,
) (string, error) {
	digest, err := HashPaymentAuthorization(auth, chainID, gatewayAddress)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// SignForwardRequest signs a forward request under the forwarder domain.
func (s *Signer) SignForwardRequest(
	req msqpay.ForwardRequest,
	chainID *big.Int,
	forwarderAddress string,
) (string, error) {
	digest, err := HashForwardRequest(req, chainID, forwarderAddress)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	// Recovery id 0/1 becomes the Ethereum convention 27/28.
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
