// Package httpapi exposes the payment pipeline over HTTP: create a signed
// payment, relay a payer's forward request and read statuses. Errors are
// rendered as {code, message, details} with the raw backend text withheld.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	msqpay "github.com/msqpay/relay-go"
	"github.com/msqpay/relay-go/payments"
	"github.com/msqpay/relay-go/relayer"
)

// PaymentService is the orchestration surface the API exposes.
// *payments.Service satisfies it.
type PaymentService interface {
	CreatePayment(ctx context.Context, input payments.CreatePaymentInput) (*msqpay.Payment, error)
	SubmitForwardRequest(ctx context.Context, paymentID string, req msqpay.ForwardRequest) (*relayer.Result, error)
}

// StatusReader serves the read-side endpoints. *store.Store satisfies it.
type StatusReader interface {
	GetPayment(ctx context.Context, paymentID string) (*msqpay.Payment, error)
	GetRelayRecord(ctx context.Context, relayRef string) (*msqpay.RelayRecord, error)
}

// HealthChecker reports relayer availability. *relayer.Client satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) relayer.HealthStatus
}

// Server holds the HTTP handler set.
type Server struct {
	service PaymentService
	reader  StatusReader
	health  HealthChecker
	logger  *slog.Logger
}

// NewServer wires the API against its dependencies. health may be nil when
// no relay backend is configured (the health endpoint then omits it).
func NewServer(service PaymentService, reader StatusReader, health HealthChecker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{service: service, reader: reader, health: health, logger: logger}
}

// Router builds the gin engine with middleware and routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), RequestLogger(s.logger))

	api := router.Group("/api/v1")
	api.POST("/payments", s.handleCreatePayment)
	api.POST("/payments/:id/relay", s.handleRelay)
	api.GET("/payments/:id/status", s.handlePaymentStatus)
	api.GET("/relay/:id/status", s.handleRelayStatus)

	router.GET("/healthz", s.handleHealth)
	return router
}

type createPaymentRequest struct {
	MerchantID       string `json:"merchantId"`
	OrderID          string `json:"orderId"`
	TokenAddress     string `json:"tokenAddress"`
	TokenSymbol      string `json:"tokenSymbol"`
	Amount           string `json:"amount"`
	RecipientAddress string `json:"recipientAddress"`
	FeeBps           uint16 `json:"feeBps"`
	WebhookURL       string `json:"webhookUrl"`
}

type paymentResponse struct {
	PaymentID        string `json:"paymentId"`
	OrderID          string `json:"orderId,omitempty"`
	MerchantID       string `json:"merchantId"`
	TokenAddress     string `json:"tokenAddress"`
	TokenSymbol      string `json:"tokenSymbol,omitempty"`
	Amount           string `json:"amount"`
	RecipientAddress string `json:"recipientAddress"`
	FeeBps           uint16 `json:"feeBps"`
	Status           string `json:"status"`
	ServerSignature  string `json:"serverSignature"`
	TxHash           string `json:"txHash,omitempty"`
	CreatedAt        string `json:"createdAt"`
	ExpiresAt        string `json:"expiresAt"`
	ConfirmedAt      string `json:"confirmedAt,omitempty"`
}

func paymentView(p *msqpay.Payment) paymentResponse {
	resp := paymentResponse{
		PaymentID:        p.ID,
		OrderID:          p.OrderID,
		MerchantID:       p.MerchantID,
		TokenAddress:     p.TokenAddress,
		TokenSymbol:      p.TokenSymbol,
		Amount:           p.Amount.String(),
		RecipientAddress: p.RecipientAddress,
		FeeBps:           p.FeeBps,
		Status:           string(p.Status),
		ServerSignature:  p.ServerSignature,
		TxHash:           p.TxHash,
		CreatedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:        p.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if p.ConfirmedAt != nil {
		resp.ConfirmedAt = p.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleCreatePayment(c *gin.Context) {
	var body createPaymentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.renderError(c, msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"request body is not valid json", nil))
		return
	}

	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok {
		s.renderError(c, msqpay.NewPaymentError(msqpay.ErrCodeInvalidAmount,
			"amount must be a decimal string in the token's smallest unit", nil))
		return
	}

	payment, err := s.service.CreatePayment(c.Request.Context(), payments.CreatePaymentInput{
		MerchantID:       body.MerchantID,
		OrderID:          body.OrderID,
		TokenAddress:     body.TokenAddress,
		TokenSymbol:      body.TokenSymbol,
		Amount:           amount,
		RecipientAddress: body.RecipientAddress,
		FeeBps:           body.FeeBps,
		WebhookURL:       body.WebhookURL,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, paymentView(payment))
}

type relayRequest struct {
	Request   msqpay.ForwardRequest `json:"request"`
	Signature string                `json:"signature"`
}

func (s *Server) handleRelay(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.renderError(c, msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"request body could not be read", nil))
		return
	}
	if err := validateRelayBody(raw); err != nil {
		s.renderError(c, err)
		return
	}

	var body relayRequest
	if err := bindJSON(raw, &body); err != nil {
		s.renderError(c, err)
		return
	}
	req := body.Request
	req.Signature = body.Signature

	result, err := s.service.SubmitForwardRequest(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"relayRef": result.RelayRef,
		"txHash":   result.TxHash,
		"status":   string(result.Status),
	})
}

func (s *Server) handlePaymentStatus(c *gin.Context) {
	payment, err := s.reader.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	view := paymentView(payment)
	c.JSON(http.StatusOK, gin.H{
		"paymentId":   view.PaymentID,
		"status":      view.Status,
		"txHash":      view.TxHash,
		"confirmedAt": view.ConfirmedAt,
	})
}

func (s *Server) handleRelayStatus(c *gin.Context) {
	record, err := s.reader.GetRelayRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"relayRef":  record.RelayRef,
		"paymentId": record.PaymentID,
		"status":    string(record.Status),
		"txHash":    record.TxHash,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.health != nil {
		relayerHealth := s.health.Health(c.Request.Context())
		resp["relayer"] = relayerHealth
		if !relayerHealth.Healthy {
			resp["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func bindJSON(raw []byte, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"request body is not valid json", nil)
	}
	return nil
}

// renderError maps a PaymentError code to an HTTP status and renders the
// stable error shape. Non-PaymentError failures become opaque 500s.
func (s *Server) renderError(c *gin.Context, err error) {
	var pe *msqpay.PaymentError
	if !errors.As(err, &pe) {
		s.logger.Error("unclassified handler error",
			"request_id", c.GetString("request_id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "internal_error",
			"message": "internal server error",
		})
		return
	}
	c.JSON(httpStatusFor(pe.Code), pe)
}

func httpStatusFor(code string) int {
	switch code {
	case msqpay.ErrCodePaymentNotFound, msqpay.ErrCodeRelayNotFound, msqpay.ErrCodeContractNotFound:
		return http.StatusNotFound
	case msqpay.ErrCodeDuplicateRelay, msqpay.ErrCodeInvalidStatusTransition, msqpay.ErrCodeNonceConflict:
		return http.StatusConflict
	case msqpay.ErrCodeSignatureInvalid:
		return http.StatusUnauthorized
	case msqpay.ErrCodeWaitTimeout:
		return http.StatusGatewayTimeout
	case msqpay.ErrCodeRelayAuthFailed, msqpay.ErrCodeRelaySubmissionFailed,
		msqpay.ErrCodeRelayerBalanceInsufficient, msqpay.ErrCodeNonceQueryFailed,
		msqpay.ErrCodeWebhookDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
