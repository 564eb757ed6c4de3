// Package httpapi exposes disclosure verification and share links over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veridegree/veridegree/internal/disclosure"
	"github.com/veridegree/veridegree/pkg/bundle"
)

// QRSize is the edge length of served QR codes in pixels.
const QRSize = 256

// Config holds server settings.
type Config struct {
	// PublicBaseURL prefixes share links, e.g. "https://verify.example.edu".
	PublicBaseURL string

	// CollapseReasons hides rejection reasons from responses.
	CollapseReasons bool
}

// Server serves the disclosure HTTP API.
type Server struct {
	svc    *disclosure.Service
	config Config
	log    *slog.Logger
	engine *gin.Engine
}

// New creates a Server over svc.
func New(svc *disclosure.Service, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	config.PublicBaseURL = strings.TrimRight(config.PublicBaseURL, "/")
	s := &Server{svc: svc, config: config, log: logger}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1/disclosures")
	v1.POST("/verify", s.verify)
	v1.POST("/link", s.createLink)
	v1.GET("/link/:token", s.verifyLink)
	v1.GET("/link/:token/qr.png", s.linkQR)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

// verdict is the response body for every verification endpoint.
type verdict struct {
	Verified     bool   `json:"verified"`
	Message      string `json:"message"`
	Reason       string `json:"reason,omitempty"`
	CircuitID    string `json:"circuitId,omitempty"`
	CredentialID string `json:"credentialId,omitempty"`
	IssuerID     string `json:"issuerId,omitempty"`
	Threshold    string `json:"threshold,omitempty"`
}

func (s *Server) verdict(o *disclosure.Outcome) verdict {
	v := verdict{
		Verified: o.Accepted(),
		Message:  o.PublicMessage(),
	}
	if o.Accepted() {
		v.CircuitID = o.Claim.CircuitID
		v.CredentialID = o.Claim.CredentialID
		v.IssuerID = o.Claim.IssuerID
		v.Threshold = o.Claim.Threshold
	} else if !s.config.CollapseReasons {
		v.Reason = string(o.Reason)
	}
	return v
}

func expectation(c *gin.Context) disclosure.Expectation {
	return disclosure.Expectation{
		CredentialID: c.Query("credentialId"),
		IssuerID:     c.Query("issuerId"),
	}
}

// readBody reads at most one byte past the bundle limit so oversized bodies
// are still reported as too large by the decoder.
func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, bundle.MaxSize+1))
}

// POST /v1/disclosures/verify
func (s *Server) verify(c *gin.Context) {
	data, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	o := s.svc.VerifyBytes(c.Request.Context(), data, expectation(c))
	c.JSON(http.StatusOK, s.verdict(o))
}

// POST /v1/disclosures/link
func (s *Server) createLink(c *gin.Context) {
	data, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	b, err := bundle.Unmarshal(data)
	if err != nil {
		s.log.Warn("create_link.bad_bundle", "error", err, "ip", c.ClientIP())
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed bundle"})
		return
	}
	token, err := bundle.EncodeLink(b)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	url := s.linkURL(token)
	c.JSON(http.StatusCreated, gin.H{
		"token": token,
		"url":   url,
		"qr":    url + "/qr.png",
	})
}

// GET /v1/disclosures/link/:token
func (s *Server) verifyLink(c *gin.Context) {
	b, err := bundle.DecodeLink(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed link"})
		return
	}
	o := s.svc.Verify(c.Request.Context(), b, expectation(c))
	c.JSON(http.StatusOK, s.verdict(o))
}

// GET /v1/disclosures/link/:token/qr.png
func (s *Server) linkQR(c *gin.Context) {
	token := c.Param("token")
	if _, err := bundle.DecodeLink(token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed link"})
		return
	}
	png, err := bundle.QRCode(s.linkURL(token), QRSize)
	if err != nil {
		s.log.Error("link_qr.encode_failed", "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "link too long for a QR code"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// GET /healthz
func (s *Server) health(c *gin.Context) {
	st := s.svc.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"generated":      st.Generated,
		"generateFailed": st.GenerateFailed,
		"accepted":       st.Accepted,
		"rejected":       st.Rejected,
	})
}

func (s *Server) linkURL(token string) string {
	return LinkURL(s.config.PublicBaseURL, token)
}

// LinkURL returns the share link for token under baseURL.
func LinkURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/v1/disclosures/link/" + token
}
