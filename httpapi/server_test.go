package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	msqpay "github.com/msqpay/relay-go"
	"github.com/msqpay/relay-go/httpapi"
	"github.com/msqpay/relay-go/payments"
	"github.com/msqpay/relay-go/relayer"
)

const testPaymentID = "0xabababababababababababababababababababababababababababababababab"

type fakeService struct {
	createResult *msqpay.Payment
	createErr    error
	relayResult  *relayer.Result
	relayErr     error
	relayCalls   int
}

func (f *fakeService) CreatePayment(ctx context.Context, input payments.CreatePaymentInput) (*msqpay.Payment, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResult, nil
}

func (f *fakeService) SubmitForwardRequest(ctx context.Context, paymentID string, req msqpay.ForwardRequest) (*relayer.Result, error) {
	f.relayCalls++
	if f.relayErr != nil {
		return nil, f.relayErr
	}
	return f.relayResult, nil
}

type fakeReader struct {
	payment *msqpay.Payment
	record  *msqpay.RelayRecord
}

func (f *fakeReader) GetPayment(ctx context.Context, paymentID string) (*msqpay.Payment, error) {
	if f.payment == nil {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodePaymentNotFound, "payment not found", nil)
	}
	return f.payment, nil
}

func (f *fakeReader) GetRelayRecord(ctx context.Context, relayRef string) (*msqpay.RelayRecord, error) {
	if f.record == nil {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeRelayNotFound, "relay record not found", nil)
	}
	return f.record, nil
}

type fakeHealth struct {
	status relayer.HealthStatus
}

func (f *fakeHealth) Health(ctx context.Context) relayer.HealthStatus {
	return f.status
}

func samplePayment() *msqpay.Payment {
	return &msqpay.Payment{
		ID:               testPaymentID,
		OrderID:          "order-42",
		MerchantID:       "0x1111111111111111111111111111111111111111111111111111111111111111",
		TokenAddress:     "0x0165878A594ca255338adfa4d48449f69242Eb8F",
		TokenSymbol:      "USDT",
		Amount:           big.NewInt(1_000_000),
		RecipientAddress: "0x1234567890123456789012345678901234567890",
		FeeBps:           250,
		Status:           msqpay.PaymentStatusCreated,
		ServerSignature:  "0x" + strings.Repeat("ab", 64) + "1b",
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        time.Now().UTC().Add(time.Hour),
	}
}

func serve(t *testing.T, svc *fakeService, reader *fakeReader, health httpapi.HealthChecker, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	router := httpapi.NewServer(svc, reader, health, nil).Router()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func validRelayBody() map[string]interface{} {
	return map[string]interface{}{
		"request": map[string]string{
			"from":     "0x1234567890123456789012345678901234567890",
			"to":       "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			"value":    "0",
			"gas":      "200000",
			"nonce":    "1",
			"deadline": "9999999999",
			"data":     "0xdeadbeef",
		},
		"signature": "0x" + strings.Repeat("ab", 64) + "1b",
	}
}

func TestCreatePaymentEndpoint(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		svc := &fakeService{createResult: samplePayment()}
		rec := serve(t, svc, &fakeReader{}, nil, http.MethodPost, "/api/v1/payments", map[string]interface{}{
			"merchantId":       samplePayment().MerchantID,
			"orderId":          "order-42",
			"tokenAddress":     samplePayment().TokenAddress,
			"tokenSymbol":      "USDT",
			"amount":           "1000000",
			"recipientAddress": samplePayment().RecipientAddress,
			"feeBps":           250,
		})

		require.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, testPaymentID, body["paymentId"])
		assert.Equal(t, "CREATED", body["status"])
		assert.NotEmpty(t, body["serverSignature"])
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("Non-decimal amount is invalid_amount", func(t *testing.T) {
		rec := serve(t, &fakeService{}, &fakeReader{}, nil, http.MethodPost, "/api/v1/payments", map[string]interface{}{
			"amount": "one million",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_amount", decodeBody(t, rec)["code"])
	})

	t.Run("Service validation errors pass through", func(t *testing.T) {
		svc := &fakeService{createErr: msqpay.NewPaymentError(msqpay.ErrCodeInvalidAddress, "bad recipient", nil)}
		rec := serve(t, svc, &fakeReader{}, nil, http.MethodPost, "/api/v1/payments", map[string]interface{}{
			"amount": "100",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_address", decodeBody(t, rec)["code"])
	})
}

func TestRelayEndpoint(t *testing.T) {
	path := "/api/v1/payments/" + testPaymentID + "/relay"

	t.Run("Accepted", func(t *testing.T) {
		svc := &fakeService{relayResult: &relayer.Result{
			RelayRef: "relay-1",
			TxHash:   "0xhash",
			Status:   msqpay.RelayStatusPending,
		}}
		rec := serve(t, svc, &fakeReader{}, nil, http.MethodPost, path, validRelayBody())

		require.Equal(t, http.StatusAccepted, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "relay-1", body["relayRef"])
		assert.Equal(t, "pending", body["status"])
	})

	t.Run("Schema rejects a missing signature before the service runs", func(t *testing.T) {
		svc := &fakeService{}
		body := validRelayBody()
		delete(body, "signature")
		rec := serve(t, svc, &fakeReader{}, nil, http.MethodPost, path, body)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_input", decodeBody(t, rec)["code"])
		assert.Zero(t, svc.relayCalls)
	})

	t.Run("Schema rejects a malformed signature", func(t *testing.T) {
		svc := &fakeService{}
		body := validRelayBody()
		body["signature"] = "0x1234"
		rec := serve(t, svc, &fakeReader{}, nil, http.MethodPost, path, body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, svc.relayCalls)
	})

	t.Run("Error codes map to HTTP statuses", func(t *testing.T) {
		cases := []struct {
			code       string
			wantStatus int
		}{
			{msqpay.ErrCodePaymentNotFound, http.StatusNotFound},
			{msqpay.ErrCodeSignatureInvalid, http.StatusUnauthorized},
			{msqpay.ErrCodeAmountMismatch, http.StatusBadRequest},
			{msqpay.ErrCodeDuplicateRelay, http.StatusConflict},
			{msqpay.ErrCodeRelayerBalanceInsufficient, http.StatusBadGateway},
			{msqpay.ErrCodeWaitTimeout, http.StatusGatewayTimeout},
		}
		for _, tc := range cases {
			svc := &fakeService{relayErr: msqpay.NewPaymentError(tc.code, "classified message", nil)}
			rec := serve(t, svc, &fakeReader{}, nil, http.MethodPost, path, validRelayBody())
			assert.Equal(t, tc.wantStatus, rec.Code, "code %s", tc.code)
			assert.Equal(t, tc.code, decodeBody(t, rec)["code"])
		}
	})
}

func TestStatusEndpoints(t *testing.T) {
	t.Run("Payment status", func(t *testing.T) {
		p := samplePayment()
		p.Status = msqpay.PaymentStatusConfirmed
		p.TxHash = "0xhash"
		now := time.Now().UTC()
		p.ConfirmedAt = &now

		rec := serve(t, &fakeService{}, &fakeReader{payment: p}, nil,
			http.MethodGet, "/api/v1/payments/"+testPaymentID+"/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "CONFIRMED", body["status"])
		assert.Equal(t, "0xhash", body["txHash"])
		assert.NotEmpty(t, body["confirmedAt"])
	})

	t.Run("Unknown payment is 404", func(t *testing.T) {
		rec := serve(t, &fakeService{}, &fakeReader{}, nil,
			http.MethodGet, "/api/v1/payments/"+testPaymentID+"/status", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "payment_not_found", decodeBody(t, rec)["code"])
	})

	t.Run("Relay status", func(t *testing.T) {
		rec := serve(t, &fakeService{}, &fakeReader{record: &msqpay.RelayRecord{
			RelayRef:  "relay-1",
			PaymentID: testPaymentID,
			Status:    msqpay.RelayStatusPending,
		}}, nil, http.MethodGet, "/api/v1/relay/relay-1/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "pending", decodeBody(t, rec)["status"])
	})

	t.Run("Unknown relay is 404", func(t *testing.T) {
		rec := serve(t, &fakeService{}, &fakeReader{}, nil,
			http.MethodGet, "/api/v1/relay/relay-404/status", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("Healthy relayer", func(t *testing.T) {
		rec := serve(t, &fakeService{}, &fakeReader{}, &fakeHealth{status: relayer.HealthStatus{Healthy: true}},
			http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decodeBody(t, rec)["status"])
	})

	t.Run("Unreachable relayer degrades health", func(t *testing.T) {
		rec := serve(t, &fakeService{}, &fakeReader{}, &fakeHealth{status: relayer.HealthStatus{Healthy: false}},
			http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "degraded", decodeBody(t, rec)["status"])
	})
}
