package middleware

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"

	"AccessGate/internal/biz"
	"AccessGate/internal/model"
	pkglog "AccessGate/pkg/log"

	kratoserrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// bodySampleBytes is how much of the request body the threat engine
// inspects. The body is rewound afterwards so handlers see it whole.
const bodySampleBytes = 8 << 10

// Response error reasons. Bodies stay minimal: denied callers learn
// the status and when to retry, never which control fired.
const (
	reasonForbidden   = "FORBIDDEN"
	reasonRateLimited = "RATE_LIMITED"
	reasonUnavailable = "UNAVAILABLE"
)

// Admission returns the middleware that runs every request through the
// admission pipeline before the handler sees it.
func Admission(gateway *biz.GatewayUseCase, logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return handler(ctx, req)
			}
			ht, ok := tr.(http.Transporter)
			if !ok {
				return handler(ctx, req)
			}

			if opsPath(ht.Request().URL.Path) {
				return handler(ctx, req)
			}

			info := extractRequestInfo(ctx, ht)
			principal := resolvePrincipal(ht)

			ctx = pkglog.WithRequestContext(ctx, info.RequestID, info.IP, biz.IdentifierFor(principal, info))

			decision := gateway.Evaluate(ctx, info, principal)
			writeDecisionHeaders(ht, decision)

			logger.DecisionWithContext(ctx, decision.Reason, decision.Allow,
				"path", info.Path,
				"status", decision.HTTPStatus,
			)

			if !decision.Allow {
				return nil, denialError(decision)
			}

			reply, err := handler(ctx, req)

			status := 200
			if err != nil {
				if se := kratoserrors.FromError(err); se != nil {
					status = int(se.Code)
				}
			}
			gateway.ObserveResponse(ctx, info, principal, status)

			return reply, err
		}
	}
}

// opsPath reports whether a path belongs to the gateway's own
// operational surface, which is reached by operators and scrapers, not
// by admitted traffic.
func opsPath(path string) bool {
	return path == "/healthz" || path == "/metrics" || strings.HasPrefix(path, "/v1/gateway/")
}

// extractRequestInfo collects the request attributes the pipeline
// evaluates, sampling the leading body bytes without consuming them.
// The request ID generated by the logging middleware is reused so that
// access logs, decision logs and threat findings correlate.
func extractRequestInfo(ctx context.Context, ht http.Transporter) *model.RequestInfo {
	httpReq := ht.Request()

	info := &model.RequestInfo{
		Method:    httpReq.Method,
		Path:      httpReq.URL.Path,
		Query:     httpReq.URL.RawQuery,
		BodySize:  httpReq.ContentLength,
		IP:        ExtractClientIP(httpReq),
		UserAgent: httpReq.Header.Get("User-Agent"),
		RequestID: httpReq.Header.Get("X-Request-ID"),
	}
	if info.RequestID == "" {
		if reqCtx := pkglog.GetRequestContext(ctx); !reqCtx.StartTime.IsZero() {
			info.RequestID = reqCtx.RequestID
		}
	}
	if info.RequestID == "" {
		info.RequestID = pkglog.GenerateRequestID()
	}

	if httpReq.Body != nil && httpReq.ContentLength != 0 {
		sample := make([]byte, bodySampleBytes)
		n, _ := io.ReadFull(httpReq.Body, sample)
		if n > 0 {
			info.BodySample = string(sample[:n])
			httpReq.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(sample[:n]), httpReq.Body), httpReq.Body}
		}
	}

	return info
}

// resolvePrincipal trusts the identity headers set by the upstream
// authentication collaborator. Absent headers mean anonymous traffic.
func resolvePrincipal(ht http.Transporter) *model.Principal {
	httpReq := ht.Request()
	id := httpReq.Header.Get("X-Principal-ID")
	if id == "" {
		return &model.Principal{}
	}
	tier := model.Tier(httpReq.Header.Get("X-Principal-Tier"))
	if tier == "" {
		tier = model.TierFree
	}
	return &model.Principal{ID: id, Tier: tier}
}

// writeDecisionHeaders adds the rate-limit and retry headers to the
// response regardless of outcome.
func writeDecisionHeaders(ht http.Transporter, decision model.AdmissionDecision) {
	header := ht.ReplyHeader()
	for k, v := range decision.Headers {
		header.Set(k, v)
	}
	if decision.RetryAfter > 0 {
		seconds := int64(decision.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		header.Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
}

// denialError maps a denying decision to the framework error that
// produces the right status with a minimal body. The typed denial
// error rides along as the cause for in-process inspection.
func denialError(decision model.AdmissionDecision) error {
	cause := biz.DenialError(decision)
	switch decision.HTTPStatus {
	case 429:
		return kratoserrors.New(429, reasonRateLimited, "rate limit exceeded").WithCause(cause)
	case 403:
		return kratoserrors.New(403, reasonForbidden, "request denied").WithCause(cause)
	default:
		return kratoserrors.New(503, reasonUnavailable, "service temporarily unavailable").WithCause(cause)
	}
}
