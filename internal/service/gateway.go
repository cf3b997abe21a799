// Package service exposes the gateway's operational HTTP surface.
package service

import (
	"strconv"
	"time"

	"AccessGate/internal/biz"

	kratoserrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewGatewayService)

// GatewayService handles the ops endpoints: breaker status, block
// listing and manual clearing, and the external load signal input.
type GatewayService struct {
	breaker   *biz.CircuitBreakerUseCase
	throttler *biz.ThrottleUseCase
	limiter   *biz.RateLimitUseCase
	log       *log.Helper
}

// NewGatewayService creates the ops service.
func NewGatewayService(breaker *biz.CircuitBreakerUseCase, throttler *biz.ThrottleUseCase, limiter *biz.RateLimitUseCase, logger log.Logger) *GatewayService {
	return &GatewayService{
		breaker:   breaker,
		throttler: throttler,
		limiter:   limiter,
		log:       log.NewHelper(logger),
	}
}

// RegisterRoutes attaches the ops endpoints to the HTTP server.
func (s *GatewayService) RegisterRoutes(srv *http.Server) {
	r := srv.Route("/v1/gateway")
	r.GET("/breakers/{service}", s.GetBreaker)
	r.DELETE("/breakers/{service}", s.ResetBreaker)
	r.GET("/blocks", s.ListBlocks)
	r.DELETE("/blocks/{identifier}", s.ClearBlock)
	r.POST("/load", s.SetLoad)
}

type breakerReply struct {
	Service   string `json:"service"`
	State     string `json:"state"`
	Failures  int64  `json:"failures"`
	Successes int64  `json:"successes"`
	OpenedAt  string `json:"opened_at,omitempty"`
}

// GetBreaker returns the stored state of one downstream breaker.
func (s *GatewayService) GetBreaker(ctx http.Context) error {
	service := ctx.Vars().Get("service")
	if service == "" {
		return kratoserrors.New(400, "INVALID_ARGUMENT", "service name required")
	}

	snap, err := s.breaker.Status(ctx, service)
	if err != nil {
		s.log.Errorf("Failed to read breaker state for %s: %v", service, err)
		return kratoserrors.New(503, "UNAVAILABLE", "state store unavailable")
	}

	reply := &breakerReply{
		Service:   snap.Service,
		State:     string(snap.State),
		Failures:  snap.Failures,
		Successes: snap.Successes,
	}
	if !snap.OpenedAt.IsZero() {
		reply.OpenedAt = snap.OpenedAt.Format(time.RFC3339)
	}
	return ctx.Result(200, reply)
}

// ResetBreaker clears a breaker back to closed. Intended for operators
// after confirming the downstream has recovered.
func (s *GatewayService) ResetBreaker(ctx http.Context) error {
	service := ctx.Vars().Get("service")
	if service == "" {
		return kratoserrors.New(400, "INVALID_ARGUMENT", "service name required")
	}

	actor := ctx.Header().Get("X-Operator")
	if actor == "" {
		actor = "unknown"
	}

	if err := s.breaker.Reset(ctx, service, actor); err != nil {
		s.log.Errorf("Failed to reset breaker for %s: %v", service, err)
		return kratoserrors.New(503, "UNAVAILABLE", "state store unavailable")
	}
	return ctx.Result(200, map[string]string{"service": service, "state": "closed"})
}

type blockReply struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	Permanent  bool   `json:"permanent"`
}

// ListBlocks returns every block currently in force.
func (s *GatewayService) ListBlocks(ctx http.Context) error {
	entries, err := s.limiter.ActiveBlocks(ctx)
	if err != nil {
		s.log.Errorf("Failed to list blocks: %v", err)
		return kratoserrors.New(503, "UNAVAILABLE", "state store unavailable")
	}

	replies := make([]*blockReply, 0, len(entries))
	for _, entry := range entries {
		reply := &blockReply{
			Identifier: entry.Identifier,
			Reason:     entry.Reason,
			Permanent:  entry.Permanent,
		}
		if !entry.Permanent {
			reply.ExpiresAt = entry.ExpiresAt.Format(time.RFC3339)
		}
		replies = append(replies, reply)
	}
	return ctx.Result(200, replies)
}

// ClearBlock removes a block immediately. Intended for operators after
// manual review; the clear is audited with the calling actor.
func (s *GatewayService) ClearBlock(ctx http.Context) error {
	identifier := ctx.Vars().Get("identifier")
	if identifier == "" {
		return kratoserrors.New(400, "INVALID_ARGUMENT", "identifier required")
	}

	actor := ctx.Header().Get("X-Operator")
	if actor == "" {
		actor = "unknown"
	}

	removed, err := s.limiter.ClearBlock(ctx, identifier, actor)
	if err != nil {
		s.log.Errorf("Failed to clear block for %s: %v", identifier, err)
		return kratoserrors.New(503, "UNAVAILABLE", "state store unavailable")
	}
	if !removed {
		return kratoserrors.New(404, "NOT_FOUND", "no active block for identifier")
	}
	return ctx.Result(200, map[string]string{"identifier": identifier, "status": "cleared"})
}

type loadRequest struct {
	Load float64 `json:"load"`
}

// SetLoad receives the external load signal (0 = idle, 1 = saturated)
// that scales throttle refill rates.
func (s *GatewayService) SetLoad(ctx http.Context) error {
	var req loadRequest
	if err := ctx.Bind(&req); err != nil {
		return kratoserrors.New(400, "INVALID_ARGUMENT", "invalid load payload")
	}

	s.throttler.SetLoadSignal(req.Load)
	return ctx.Result(200, map[string]string{
		"load": strconv.FormatFloat(s.throttler.LoadSignal(), 'f', 2, 64),
	})
}
