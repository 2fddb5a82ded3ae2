package eip712

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	msqpay "github.com/msqpay/relay-go"
)

// Verifier checks typed-data signatures for both pipeline schemas.
// Forward requests must be signed by their own From address; payment
// authorizations must be signed by the configured service key.
type Verifier struct {
	chainID          *big.Int
	gatewayAddress   string
	forwarderAddress string
	authorizedSigner common.Address
}

// NewVerifier constructs a verifier. Fails fast on a non-positive chain id
// or malformed contract/signer addresses so misconfiguration surfaces at
// startup rather than at the first verification.
func NewVerifier(chainID int64, gatewayAddress, forwarderAddress, authorizedSigner string) (*Verifier, error) {
	if chainID <= 0 {
		return nil, fmt.Errorf("invalid chain id: %d", chainID)
	}
	if !msqpay.IsHexAddress(gatewayAddress) {
		return nil, fmt.Errorf("invalid gateway address: %q", gatewayAddress)
	}
	if !msqpay.IsHexAddress(forwarderAddress) {
		return nil, fmt.Errorf("invalid forwarder address: %q", forwarderAddress)
	}
	if !msqpay.IsHexAddress(authorizedSigner) {
		return nil, fmt.Errorf("invalid authorized signer address: %q", authorizedSigner)
	}
	return &Verifier{
		chainID:          big.NewInt(chainID),
		gatewayAddress:   gatewayAddress,
		forwarderAddress: forwarderAddress,
		authorizedSigner: common.HexToAddress(authorizedSigner),
	}, nil
}

// VerifyForwardRequest reports whether signature is a valid payer signature
// over req: the recovered address must equal req.From case-insensitively.
// Malformed input yields false, never an error.
func (v *Verifier) VerifyForwardRequest(req msqpay.ForwardRequest, signature string) bool {
	recovered, ok := v.RecoverForwardRequestSigner(req, signature)
	if !ok {
		return false
	}
	return strings.EqualFold(recovered.Hex(), req.From)
}

// RecoverForwardRequestSigner recovers the signer of a forward request.
// The boolean is false when the signature or request is malformed or
// recovery fails.
func (v *Verifier) RecoverForwardRequestSigner(req msqpay.ForwardRequest, signature string) (common.Address, bool) {
	if !msqpay.IsValidSignatureFormat(signature) || !req.WellFormed() {
		return common.Address{}, false
	}
	digest, err := HashForwardRequest(req, v.chainID, v.forwarderAddress)
	if err != nil {
		return common.Address{}, false
	}
	return recoverAddress(digest, signature)
}

// VerifyPaymentAuthorization reports whether signature was produced by the
// configured service signer over auth.
func (v *Verifier) VerifyPaymentAuthorization(auth PaymentAuthorization, signature string) bool {
	recovered, ok := v.RecoverPaymentAuthorizationSigner(auth, signature)
	if !ok {
		return false
	}
	return recovered == v.authorizedSigner
}

// RecoverPaymentAuthorizationSigner recovers the signer of a payment
// authorization. The boolean is false on any malformed input.
func (v *Verifier) RecoverPaymentAuthorizationSigner(auth PaymentAuthorization, signature string) (common.Address, bool) {
	if !msqpay.IsValidSignatureFormat(signature) || !auth.WellFormed() {
		return common.Address{}, false
	}
	digest, err := HashPaymentAuthorization(auth, v.chainID, v.gatewayAddress)
	if err != nil {
		return common.Address{}, false
	}
	return recoverAddress(digest, signature)
}

// recoverAddress runs ECDSA public key recovery over a 32-byte digest.
// The signature has already passed the format gate, so v is 27 or 28.
func recoverAddress(digest []byte, signature string) (common.Address, bool) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return common.Address{}, false
	}
	// go-ethereum expects the recovery id as 0/1.
	sig[64] -= 27

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(*pubKey), true
}
