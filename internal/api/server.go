package api

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"Intent-Ledger/internal/access"
	"Intent-Ledger/internal/auth"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/intent"
	"Intent-Ledger/internal/observability/alerting"
	"Intent-Ledger/internal/observability/metrics"
	"Intent-Ledger/internal/settlement"
	"Intent-Ledger/pkg/logger"
)

// Ledger is the ledger surface used by the API.
type Ledger interface {
	BalanceOf(account common.Address) *big.Int
	NonceOf(account common.Address) uint64
	Mint(caller, account common.Address, amount *big.Int, sourceRef common.Hash) (eventlog.Record, error)
	MintAuthenticated(account common.Address, amount *big.Int, sourceRef common.Hash, nonce uint64, signature []byte) (eventlog.Record, error)
	Burn(caller, account common.Address, amount *big.Int, intentID uint64) (eventlog.Record, error)
	BurnAuthenticated(account common.Address, amount *big.Int, intentID uint64, nonce uint64, signature []byte) (eventlog.Record, error)
}

// Registry is the intent registry surface used by the API.
type Registry interface {
	Get(id uint64) (intent.Intent, error)
	IntentsOf(user common.Address) []uint64
	NonceOf(user common.Address) uint64
	Create(caller common.Address, p intent.Params) (intent.Intent, error)
	CreateAuthenticated(p intent.Params, signature []byte) (intent.Intent, error)
	UpdateStatus(caller common.Address, id uint64, next intent.Status) (intent.Intent, error)
	OverrideStatus(caller common.Address, id uint64, next intent.Status) (intent.Intent, error)
}

// Executor runs intents.
type Executor interface {
	Execute(caller common.Address, intentID uint64) (eventlog.Record, error)
}

// Receiver is the destination-side settlement surface.
type Receiver interface {
	Settle(ctx context.Context, caller common.Address, p settlement.Payload) (eventlog.Record, error)
	IsSettled(ctx context.Context, intentID uint64) (bool, error)
}

// RoleManager grants and revokes roles on one component.
type RoleManager interface {
	GrantRole(caller common.Address, role access.Role, account common.Address) error
	RevokeRole(caller common.Address, role access.Role, account common.Address) error
}

// Archive serves the persisted history of an intent.
type Archive interface {
	ListByIntent(ctx context.Context, intentID uint64) ([]eventlog.Record, error)
}

// Dependencies 汇总 API 需要访问的组件。
type Dependencies struct {
	Ledger   Ledger
	Registry Registry
	Executor Executor
	Receiver Receiver
	Roles    map[eventlog.Component]RoleManager
	Journals map[eventlog.Component]*eventlog.Journal
	Archive  Archive
	Auth     *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	deps    Dependencies
	logger  *slog.Logger
	metrics *metrics.Metrics
	alerter alerting.Dispatcher
	handler http.Handler
}

// Option 定义可选配置。
type Option func(*Server)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records request metrics for every route.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAlertDispatcher 配置告警派发器，授权失败等需要告警的错误会被推送。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Server) { s.alerter = d }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) (*Server, error) {
	if deps.Ledger == nil || deps.Registry == nil || deps.Executor == nil || deps.Receiver == nil {
		return nil, errors.New("api 依赖的组件未初始化")
	}
	if deps.Auth == nil {
		svc, err := auth.NewService(auth.Config{Mode: auth.ModeDisabled})
		if err != nil {
			return nil, err
		}
		deps.Auth = svc
	}
	s := &Server{addr: addr, deps: deps}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Signature-gated and read-only routes.
		r.Group(func(r chi.Router) {
			r.Post("/auth/token", s.handleIssueToken)
			r.Post("/ledger/mint/signed", s.handleMintSigned)
			r.Post("/ledger/burn/signed", s.handleBurnSigned)
			r.Post("/intents/signed", s.handleCreateIntentSigned)
			r.Get("/accounts/{address}", s.handleGetAccount)
			r.Get("/intents/{id}", s.handleGetIntent)
			r.Get("/intents/{id}/events", s.handleIntentEvents)
			r.Get("/users/{address}/intents", s.handleUserIntents)
			r.Get("/settlements/{id}", s.handleGetSettlement)
			r.Get("/events/{component}", s.handleListEvents)
		})
		// Role-gated routes act on behalf of the authenticated caller.
		r.Group(func(r chi.Router) {
			r.Use(s.deps.Auth.Middleware)
			r.Post("/ledger/mint", s.handleMint)
			r.Post("/ledger/burn", s.handleBurn)
			r.Post("/intents", s.handleCreateIntent)
			r.Put("/intents/{id}/status", s.handleUpdateStatus)
			r.Post("/intents/{id}/execute", s.handleExecute)
			r.Post("/settlements", s.handleSettle)
			r.Post("/roles/{component}", s.handleGrantRole)
			r.Delete("/roles/{component}", s.handleRevokeRole)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
