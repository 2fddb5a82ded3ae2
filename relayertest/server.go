// Package relayertest provides an in-process relay backend for tests,
// mirroring the HTTP surface of the production backend: gasless and direct
// submission, status polling, nonce reads and health. Status progression
// and failures are scriptable per test.
package relayertest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// txState walks a scripted status progression, one step per poll.
type txState struct {
	hash        string
	progression []string
	step        int
}

func (t *txState) current() string {
	i := t.step
	if i >= len(t.progression) {
		i = len(t.progression) - 1
	}
	return t.progression[i]
}

type failure struct {
	status  int
	message string
}

// Server is a scriptable relay backend bound to an ephemeral port.
type Server struct {
	mu          sync.Mutex
	srv         *httptest.Server
	apiKey      string
	address     string
	balance     string
	txs         map[string]*txState
	progression []string
	nonces      map[string]uint64
	failNext    *failure
	submissions int
}

// Option configures the test server.
type Option func(*Server)

// WithAPIKey makes the server require the x-api-key header.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithRelayerAccount sets the health endpoint's address and balance.
func WithRelayerAccount(address, balance string) Option {
	return func(s *Server) {
		s.address = address
		s.balance = balance
	}
}

// NewServer starts the backend. Callers must Close it.
func NewServer(opts ...Option) *Server {
	s := &Server{
		address:     "0x1111111111111111111111111111111111111111",
		balance:     "1000000000000000000",
		txs:         make(map[string]*txState),
		progression: []string{"sent", "mined", "confirmed"},
		nonces:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.POST("/api/v1/relay/gasless", s.handleGasless)
	e.POST("/api/v1/relay/direct", s.handleDirect)
	e.GET("/api/v1/relay/status/:id", s.handleStatus)
	e.GET("/api/v1/relay/gasless/nonce/:address", s.handleNonce)
	e.GET("/api/v1/health", s.handleHealth)

	s.srv = httptest.NewServer(e)
	return s
}

// URL returns the backend base URL.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the backend down.
func (s *Server) Close() { s.srv.Close() }

// SetProgression scripts the status sequence new transactions walk
// through, one step per status poll. The last status repeats.
func (s *Server) SetProgression(statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progression = statuses
}

// FailNextSubmit makes the next submission fail with the given HTTP status
// and backend message, then clears itself.
func (s *Server) FailNextSubmit(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = &failure{status: status, message: message}
}

// SetNonce scripts the forwarder nonce returned for an address.
func (s *Server) SetNonce(address string, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[address] = nonce
}

// Submissions reports how many transactions were accepted.
func (s *Server) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions
}

func (s *Server) authorized(c echo.Context) bool {
	return s.apiKey == "" || c.Request().Header.Get("x-api-key") == s.apiKey
}

func (s *Server) accept(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		f := s.failNext
		s.failNext = nil
		return c.JSON(f.status, map[string]string{"message": f.message})
	}

	id := uuid.NewString()
	tx := &txState{
		hash:        "0x" + uuid.NewString()[:8],
		progression: s.progression,
	}
	s.txs[id] = tx
	s.submissions++

	return c.JSON(http.StatusCreated, map[string]string{
		"transactionId": id,
		"hash":          tx.hash,
		"status":        tx.current(),
	})
}

func (s *Server) handleGasless(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
	}

	var body struct {
		Request   map[string]string `json:"request"`
		Signature string            `json:"signature"`
	}
	if err := c.Bind(&body); err != nil || body.Signature == "" || len(body.Request) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "request and signature are required"})
	}
	return s.accept(c)
}

func (s *Server) handleDirect(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
	}

	var body struct {
		To   string `json:"to"`
		Data string `json:"data"`
	}
	if err := c.Bind(&body); err != nil || body.To == "" || body.Data == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "to and data are required"})
	}
	return s.accept(c)
}

func (s *Server) handleStatus(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[c.Param("id")]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "transaction not found"})
	}

	status := tx.current()
	tx.step++
	return c.JSON(http.StatusOK, map[string]string{
		"transactionId": c.Param("id"),
		"hash":          tx.hash,
		"status":        status,
	})
}

func (s *Server) handleNonce(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := s.nonces[c.Param("address")]
	return c.JSON(http.StatusOK, map[string]string{
		"nonce": strconv.FormatUint(nonce, 10),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"address": s.address,
		"balance": s.balance,
	})
}
