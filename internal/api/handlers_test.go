package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aurum/reconciliation-service/internal/app"
	"github.com/aurum/reconciliation-service/internal/domain"
	"github.com/aurum/reconciliation-service/internal/ledger"
	"github.com/aurum/reconciliation-service/internal/normalize"
	"github.com/aurum/reconciliation-service/internal/reconcile"
	"github.com/aurum/reconciliation-service/internal/store"
	"github.com/aurum/reconciliation-service/pkg/retry"
)

type emptyAdapter struct {
	l domain.Ledger
}

func (a *emptyAdapter) Ledger() domain.Ledger                   { return a.l }
func (a *emptyAdapter) Tip(ctx context.Context) (uint64, error) { return 0, nil }
func (a *emptyAdapter) FetchLogs(ctx context.Context, from, to uint64) ([]ledger.RawTransaction, error) {
	return nil, nil
}
func (a *emptyAdapter) FetchTransaction(ctx context.Context, ref string) (*ledger.RawTransaction, error) {
	return nil, nil
}
func (a *emptyAdapter) Subscribe(ctx context.Context) (<-chan ledger.RawTransaction, error) {
	ch := make(chan ledger.RawTransaction)
	close(ch)
	return ch, nil
}

type nopRepo struct {
	store.Repository
}

type restartRecorder struct {
	restarted []domain.Ledger
	err       error
}

func (c *restartRecorder) Restart(l domain.Ledger) error {
	if c.err != nil {
		return c.err
	}
	c.restarted = append(c.restarted, l)
	return nil
}

type limiterStub struct {
	count int
	err   error
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if l.err != nil {
		return 0, 0, l.err
	}
	l.count++
	return l.count, 30, nil
}

func testRouter(controller *restartRecorder, limiter RateLimiter) http.Handler {
	adapters := []ledger.Adapter{&emptyAdapter{l: domain.LedgerEVM}}
	svc := app.NewService(adapters, normalize.NewNormalizer(normalize.AssetTable{}), reconcile.NewEngine(nopRepo{}, nil, retry.Fixed(1, 0)), controller)
	return AdminRoutes(NewAdminHandlers(svc), RouterConfig{
		InternalAPIKey:          "secret-key",
		RateLimiter:             limiter,
		AdminRateLimitPerMinute: 2,
	})
}

func TestAdminRoutes_RejectsMissingAPIKey(t *testing.T) {
	router := testRouter(&restartRecorder{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/pipelines/evm/restart", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminRoutes_HealthIsPublic(t *testing.T) {
	router := testRouter(&restartRecorder{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRestartPipelineHandler(t *testing.T) {
	controller := &restartRecorder{}
	router := testRouter(controller, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/pipelines/evm/restart", nil)
	req.Header.Set(InternalAPIKeyHeader, "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(controller.restarted) != 1 || controller.restarted[0] != domain.LedgerEVM {
		t.Fatalf("expected evm restart, got %v", controller.restarted)
	}
}

func TestRestartPipelineHandler_UnknownLedger(t *testing.T) {
	router := testRouter(&restartRecorder{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/admin/pipelines/bitcoin/restart", nil)
	req.Header.Set(InternalAPIKeyHeader, "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestReprocessHandler_UnknownTransaction(t *testing.T) {
	router := testRouter(&restartRecorder{}, nil)

	body := strings.NewReader(`{"ledger":"evm","transaction_ref":"0xmissing"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/reprocess", body)
	req.Header.Set(InternalAPIKeyHeader, "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReprocessHandler_ValidatesBody(t *testing.T) {
	router := testRouter(&restartRecorder{}, nil)

	body := strings.NewReader(`{"ledger":"evm"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/reprocess", body)
	req.Header.Set(InternalAPIKeyHeader, "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_Enforced(t *testing.T) {
	controller := &restartRecorder{}
	router := testRouter(controller, &limiterStub{})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/admin/pipelines/evm/restart", nil)
		req.Header.Set(InternalAPIKeyHeader, "secret-key")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if i < 2 && rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, rec.Code)
		}
		if i == 2 {
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429 once over the limit, got %d", rec.Code)
			}
			if rec.Header().Get("Retry-After") == "" {
				t.Fatal("expected Retry-After header")
			}
		}
	}
}

func TestRateLimitMiddleware_FailsOpenOnLimiterError(t *testing.T) {
	controller := &restartRecorder{}
	router := testRouter(controller, &limiterStub{err: errors.New("redis down")})

	req := httptest.NewRequest(http.MethodPost, "/admin/pipelines/evm/restart", nil)
	req.Header.Set(InternalAPIKeyHeader, "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 when limiter is unavailable, got %d", rec.Code)
	}
}
