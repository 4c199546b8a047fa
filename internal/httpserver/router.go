package httpserver

import (
	"net/http"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/auth"
	"lv-marginbook/internal/health"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/orders"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	AuthHandler     *auth.Handler
	AccountsHandler *accounts.Handler
	LedgerHandler   *ledger.Handler
	OrderHandler    *orders.Handler
	HealthHandler   *health.Handler
	AuthService     *auth.Service
	AccountStream   http.Handler
	CORSOrigins     []string
	RateLimiter     *RateLimiter
	Logger          zerolog.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Internal-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(SecurityHeaders)
	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware)
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/", d.HealthHandler.Ready)
		r.Get("/live", d.HealthHandler.Live)
		r.Get("/ready", d.HealthHandler.Ready)
		r.Group(func(r chi.Router) {
			r.Use(InternalAuth(d.AuthService))
			r.Get("/full", d.HealthHandler.Full)
			r.Get("/metrics", d.HealthHandler.Metrics)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ws", d.AccountStream.ServeHTTP)
		r.Get("/quotes/{symbol}", d.OrderHandler.Quote)

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Get("/me", withUser(d.AuthHandler.Me))

			r.Get("/accounts", withUser(d.AccountsHandler.List))
			r.Post("/accounts", withUser(d.AccountsHandler.Create))
			r.Post("/accounts/switch", withUser(d.AccountsHandler.Switch))
			r.Post("/accounts/mode", withUser(d.AccountsHandler.SwitchMode))
			r.Post("/accounts/name", withUser(d.AccountsHandler.Rename))
			r.Post("/accounts/leverage", withUser(d.AccountsHandler.UpdateLeverage))
			r.Post("/accounts/transfer", withUser(d.AccountsHandler.Transfer))
			r.Get("/accounts/{id}", withUser(d.AccountsHandler.Get))
			r.Delete("/accounts/{id}", withUser(d.AccountsHandler.Delete))

			r.Post("/orders", withUser(d.OrderHandler.Place))
			r.Post("/orders/preview", withUser(d.OrderHandler.Preview))
			r.Get("/orders", withUser(d.OrderHandler.ListOpen))
			r.Get("/orders/history", withUser(d.OrderHandler.History))
			r.Post("/orders/close", withUser(d.OrderHandler.CloseByScope))
			r.Post("/orders/{id}/close", withUser(d.OrderHandler.Close))
		})

		r.Group(func(r chi.Router) {
			r.Use(InternalAuth(d.AuthService))
			r.Post("/internal/deposits", d.LedgerHandler.Deposit)
		})
	})
	return r
}
