package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ABIAgent-Chain/internal/agent"
	"ABIAgent-Chain/internal/chat"
	"ABIAgent-Chain/internal/observability/metrics"
	"ABIAgent-Chain/internal/web3"
	"ABIAgent-Chain/internal/web3/session"
	"ABIAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// ChainReporter 提供链状态快照，provider.Registry 满足该接口。
type ChainReporter interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Contracts 是预售合约的只读视图与钱包状态，session.Manager 满足该接口。
type Contracts interface {
	BalancesOf(ctx context.Context, account common.Address) (session.Balances, error)
	TokenValue(ctx context.Context, fn, amount string) (string, error)
	Accounts() []common.Address
	WalletName() string
	Current() *session.Session
}

// Deps 汇总 Server 需要的组件，可选组件为 nil 时对应路由返回 503。
type Deps struct {
	Agents         *agent.Service
	Sessions       *chat.Manager
	Dispatcher     *chat.Dispatcher
	Contracts      Contracts
	Chains         ChainReporter
	AllowedOrigins []string
}

// Options 控制 HTTP 服务器的超时。
type Options struct {
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	deps     Deps
	opts     Options
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps, opts Options) *Server {
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{addr: addr, deps: deps, opts: opts, started: time.Now().UTC()}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(deps.AllowedOrigins),
	}
	return s
}

// Handler 构建路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors(s.deps.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Route("/agents", func(ar chi.Router) {
			ar.Post("/", s.handleRegisterAgent)
			ar.Get("/", s.handleListAgents)
			ar.Get("/{agentID}", s.handleGetAgent)
		})
		api.Route("/chat/sessions", func(cr chi.Router) {
			cr.Post("/", s.handleCreateSession)
			cr.Route("/{sessionID}", func(sr chi.Router) {
				sr.Get("/", s.handleGetSession)
				sr.Delete("/", s.handleDeleteSession)
				sr.Put("/wallet", s.handleSetWallet)
				sr.Post("/messages", s.handleSendMessage)
				sr.Patch("/messages/{messageID}", s.handlePatchMessage)
				sr.Get("/events", s.handleEvents)
			})
		})
		api.Route("/presale", func(pr chi.Router) {
			pr.Get("/wallet", s.handleWallet)
			pr.Get("/balances/{account}", s.handleBalances)
			pr.Get("/quote", s.handleQuote)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Named("api").Info("HTTP 服务启动", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
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
