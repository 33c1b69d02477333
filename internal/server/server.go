package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"make24/internal/app"
	"make24/internal/config"
	"make24/internal/domain"
	"make24/internal/engine"
	"make24/internal/guest"
	"make24/internal/logging"
	"make24/internal/metrics"
	"make24/internal/store"
)

const sessionIdle = 30 * time.Minute

// Config for the HTTP API handler.
type Config struct {
	Factory  app.Factory
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Context bounds every session ticker; cancel it on shutdown.
	Context context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"challenge is not completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	sessions *sessions
	factory  app.Factory
	logger   *zap.Logger
	origins  []string
}

// New returns an HTTP handler exposing the make24 API.
func New(cfg Config) (http.Handler, error) {
	settings := cfg.Factory.Config
	if settings == nil {
		settings = config.Default()
		cfg.Factory.Config = settings
	}
	basePath := settings.Server.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.OrNop(cfg.Logger)

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if settings.Server.TrustProxy {
		router.Use(middleware.RealIP)
	}
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(monitor(cfg.Metrics))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   settings.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if rl := settings.Server.RateLimit; rl.RPS > 0 {
		limiter := newRateLimiter(rl.RPS, rl.Burst)
		go limiter.sweep(ctx, 3*time.Minute)
		router.Use(limiter.middleware)
	}
	router.Use(newAuthMiddleware(basePath, settings.Server.JWTSecret, cfg.Metrics))

	hcfg := huma.DefaultConfig("make24 API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	sess := newSessions(ctx, cfg.Factory, settings.Challenge.Tick, logger)
	go sess.sweep(sessionIdle)
	h := handlers{sessions: sess, factory: cfg.Factory, logger: logger, origins: originPatterns(settings.Server.CORSOrigins)}

	registerDocs(router, basePath)
	registerHealth(group)
	h.registerChallenge(group)
	h.registerCheckIns(group)
	h.registerHistory(group)
	h.registerMigration(group)
	h.registerAdmin(group)
	router.Get(path.Join(basePath, "challenge/stream"), h.stream)
	registerOpenAPI(router, api, basePath)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pf *guest.MigrationPartialFailure
	if errors.As(err, &pf) {
		return newAPIError(http.StatusBadGateway, "migration_partial", err.Error(), map[string]any{
			"migrated":  pf.Migrated,
			"total":     pf.Total,
			"failed_id": pf.FailedID,
		})
	}
	switch {
	case errors.Is(err, engine.ErrInvalidGoal),
		errors.Is(err, engine.ErrInvalidRating),
		errors.Is(err, engine.ErrInvalidOutcome),
		errors.Is(err, engine.ErrUnknownMilestone),
		errors.Is(err, domain.ErrInvalidMood),
		errors.Is(err, domain.ErrInvalidEvidence),
		errors.Is(err, domain.ErrTextTooLong):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrChallengeInProgress),
		errors.Is(err, store.ErrActiveChallengeExists),
		errors.Is(err, store.ErrDuplicateCheckIn):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrNotCompleted),
		errors.Is(err, engine.ErrNoActiveChallenge),
		errors.Is(err, engine.ErrMilestoneNotReached):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, app.ErrRemoteUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", err.Error(), nil)
	}
	var se *store.StorageError
	if errors.As(err, &se) {
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable", map[string]any{
			"backend": se.Backend,
			"op":      se.Op,
		})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// engineFor resolves the caller's identity and returns its running engine.
func (h handlers) engineFor(ctx context.Context) (*engine.Engine, huma.StatusError) {
	id, authErr := identityFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	eng, err := h.sessions.engine(ctx, id)
	if err != nil {
		h.logger.Warn("open session", zap.String("owner", id.Owner), zap.Error(err))
		return nil, handleError(err)
	}
	return eng, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["guestCookie"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "cookie",
		Name: GuestCookieName,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"guestCookie": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>make24 API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;, or let the m24_guest cookie identify this device.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerChallenge(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-challenge",
		Method:      http.MethodGet,
		Path:        "/challenge",
		Summary:     "Current challenge state",
		Tags:        []string{"challenge"},
	}, func(ctx context.Context, _ *struct{}) (*stateOutput, error) {
		eng, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		return stateResponse(eng), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-challenge",
		Method:        http.MethodPost,
		Path:          "/challenge",
		Summary:       "Start a challenge",
		Tags:          []string{"challenge"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body StartChallengeRequest
	}) (*stateOutput, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := eng.Start(ctx, input.Body.Goal); err != nil {
			return nil, handleError(err)
		}
		return stateResponse(eng), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "abandon-challenge",
		Method:        http.MethodDelete,
		Path:          "/challenge",
		Summary:       "Abandon the active challenge",
		Tags:          []string{"challenge"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := eng.Abandon(ctx); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-challenge",
		Method:      http.MethodPost,
		Path:        "/challenge/end",
		Summary:     "End the active challenge early",
		Tags:        []string{"challenge"},
		Errors:      []int{http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*stateOutput, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := eng.End(ctx); err != nil {
			return nil, handleError(err)
		}
		return stateResponse(eng), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-outcome",
		Method:      http.MethodPost,
		Path:        "/challenge/outcome",
		Summary:     "Submit the outcome of a completed challenge",
		Tags:        []string{"challenge"},
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SubmitOutcomeRequest
	}) (*resultOutput, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := eng.Submit(ctx, engine.Outcome{
			Rating:     input.Body.Rating,
			Outcome:    input.Body.Outcome,
			Reflection: input.Body.Reflection,
			Evidence:   input.Body.Evidence,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &resultOutput{Body: res}, nil
	})
}

func (h handlers) registerCheckIns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-checkin",
		Method:        http.MethodPost,
		Path:          "/challenge/checkins",
		Summary:       "Check in at a reached milestone",
		Tags:          []string{"checkins"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CheckInRequest
	}) (*checkInOutput, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ci, err := eng.CheckIn(ctx, input.Body.Milestone, input.Body.Mood, input.Body.Reflection)
		if err != nil {
			return nil, handleError(err)
		}
		return &checkInOutput{Body: ci}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-milestone",
		Method:      http.MethodPost,
		Path:        "/challenge/milestones/{milestone}/dismiss",
		Summary:     "Dismiss a milestone nudge",
		Tags:        []string{"checkins"},
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Milestone int `path:"milestone"`
	}) (*stateOutput, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := eng.Dismiss(input.Milestone); err != nil {
			return nil, handleError(err)
		}
		return stateResponse(eng), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-moods",
		Method:      http.MethodGet,
		Path:        "/moods",
		Summary:     "Moods accepted by check-ins",
		Tags:        []string{"checkins"},
	}, func(ctx context.Context, _ *struct{}) (*moodsOutput, error) {
		return &moodsOutput{Body: moodResponses()}, nil
	})
}

func (h handlers) registerHistory(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-challenges",
		Method:      http.MethodGet,
		Path:        "/challenges",
		Summary:     "Completed challenges, most recent first",
		Tags:        []string{"history"},
	}, func(ctx context.Context, _ *struct{}) (*challengesOutput, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := eng.History(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &challengesOutput{Body: ChallengeListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-challenge-checkins",
		Method:      http.MethodGet,
		Path:        "/challenges/{challenge_id}/checkins",
		Summary:     "Check-ins of one challenge",
		Tags:        []string{"history"},
	}, func(ctx context.Context, input *struct {
		ChallengeID string `path:"challenge_id"`
	}) (*checkInsOutput, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := eng.CheckIns(ctx, input.ChallengeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &checkInsOutput{Body: CheckInListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profile",
		Summary:     "Aggregate statistics",
		Tags:        []string{"history"},
	}, func(ctx context.Context, _ *struct{}) (*profileOutput, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := eng.Profile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &profileOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-binder",
		Method:      http.MethodGet,
		Path:        "/binder",
		Summary:     "Memory binder",
		Tags:        []string{"history"},
	}, func(ctx context.Context, input *struct {
		Recent int `query:"recent" default:"20" minimum:"1" maximum:"200"`
	}) (*binderOutput, error) {
		eng, authErr := h.engineFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := eng.Binder(ctx, input.Recent)
		if err != nil {
			return nil, handleError(err)
		}
		return &binderOutput{Body: b}, nil
	})
}

func (h handlers) registerMigration(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "migrate-guest",
		Method:      http.MethodPost,
		Path:        "/migrate",
		Summary:     "Move this device's guest history into the signed-in account",
		Tags:        []string{"account"},
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*migrationOutput, error) {
		p, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := h.factory.MigrateGuest(ctx, p.GuestID, p.AccountID)
		if err != nil {
			h.logger.Warn("guest migration failed", zap.String("account", p.AccountID), zap.Error(err))
			return nil, handleError(err)
		}
		return &migrationOutput{Body: rep}, nil
	})
}

func (h handlers) registerAdmin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-overview",
		Method:      http.MethodGet,
		Path:        "/admin/overview",
		Summary:     "Cross-user statistics",
		Tags:        []string{"admin"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*overviewOutput, error) {
		p, authErr := accountFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !p.HasRole(adminRole) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin role required", map[string]any{"role": adminRole})
		}
		rs, err := h.factory.Remote(ctx, p.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		o, err := rs.Overview(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &overviewOutput{Body: o}, nil
	})
}
