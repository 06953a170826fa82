package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imagegen/internal/http/handlers"
	"imagegen/internal/infra"
	"imagegen/internal/middleware"
)

type RouterOptions struct {
	Logger      *infra.Logger
	Countries   middleware.CountryLookup
	CORSOrigins []string
	// Trust names the proxies allowed to set caller and forwarding headers.
	Trust    middleware.Trust
	Gatherer prometheus.Gatherer
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	app.Origins = middleware.NewOriginPolicy(opts.CORSOrigins)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.Recoverer,
		middleware.Logger(*logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Identify(opts.Countries, opts.Trust))
		r.Get("/healthz", app.Health)
		r.Get("/backends", app.Backends)
		r.Route("/generations", func(r chi.Router) {
			r.Post("/", app.Generate)
			r.Get("/ws", app.GenerateWS)
			r.Get("/history", app.ListHistory)
		})
	})

	return r
}
