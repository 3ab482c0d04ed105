package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/repo"
	"bountyline/internal/validation"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"cannot publish listing in state open: listing is already published"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"state\":\"open\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type listingOutput struct {
	Body ListingResponse `json:"body"`
}

// New returns an HTTP handler exposing the listing lifecycle API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
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
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Bountyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerListings(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"violations": ve.Violations})
	}
	var re engine.RaceError
	if errors.As(err, &re) {
		return newAPIError(http.StatusBadRequest, "precondition_failed", err.Error(), map[string]any{
			"action": string(re.Precondition.Action),
			"state":  string(re.Precondition.State),
			"race":   true,
		})
	}
	var pe engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "precondition_failed", err.Error(), map[string]any{
			"action": string(pe.Action),
			"state":  string(pe.State),
		})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"reason": fe.Reason})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// callerActor resolves the authenticated caller to an actor.
func callerActor(ctx context.Context, e engine.Engine) (domain.Actor, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return domain.Actor{}, authErr
	}
	return e.Auth.ResolveActor(ctx, nil, actorID)
}

// canManageSponsor reports whether the caller may see a sponsor's unpublished
// listings and review data.
func canManageSponsor(ctx context.Context, e engine.Engine, sponsorID string) (bool, error) {
	actor, err := callerActor(ctx, e)
	if err != nil {
		return false, err
	}
	err = e.Auth.RequireSponsorAccess(ctx, nil, actor, sponsorID)
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return false, nil
	}
	return err == nil, err
}

// visibleListing hides unpublished listings from callers outside the sponsor.
func visibleListing(ctx context.Context, e engine.Engine, l domain.Listing) error {
	if l.IsPublished {
		return nil
	}
	ok, err := canManageSponsor(ctx, e, l.SponsorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("listing %s: %w", l.ID, repo.ErrNotFound)
	}
	return nil
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Bountyline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerListings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/listings",
		Summary:       "Create a draft listing",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SponsorID string           `query:"sponsor_id" doc:"Owning sponsor; defaults to the caller's current sponsor"`
		Body      validation.Input `json:"body"`
	}) (*listingOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.CreateDraft(ctx, actorID, strings.TrimSpace(input.SponsorID), input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &listingOutput{Body: listingResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-listings",
		Method:      http.MethodGet,
		Path:        "/listings",
		Summary:     "List listings, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SponsorID string `query:"sponsor_id"`
		Status    string `query:"status" enum:"OPEN,REVIEW,CLOSED,VERIFYING"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedListings `json:"body"`
	}, error) {
		filters := repo.ListingFilters{
			SponsorID:     strings.TrimSpace(input.SponsorID),
			Status:        input.Status,
			PublishedOnly: true,
		}
		if filters.SponsorID != "" {
			ok, err := canManageSponsor(ctx, e, filters.SponsorID)
			if err != nil {
				return nil, handleError(err)
			}
			filters.PublishedOnly = !ok
		}
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filters.CursorCreatedAt = cursorCreated
		filters.CursorID = cursorID
		limit := normalizeLimit(input.Limit)
		filters.Limit = limit + 1
		items, err := e.ListListings(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedListings{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt.UTC().Format(time.RFC3339), last.ID)
			items = items[:limit]
		}
		resp.Items = mapListings(items)
		return &struct {
			Body paginatedListings `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-listing",
		Method:      http.MethodGet,
		Path:        "/listings/{listing_id}",
		Summary:     "Get a listing",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ListingID string `path:"listing_id"`
	}) (*listingOutput, error) {
		l, err := e.GetListing(ctx, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := visibleListing(ctx, e, l); err != nil {
			return nil, handleError(err)
		}
		return &listingOutput{Body: listingResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-listing-by-slug",
		Method:      http.MethodGet,
		Path:        "/listings/by-slug/{slug}",
		Summary:     "Get a listing by slug",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Slug string `path:"slug"`
	}) (*listingOutput, error) {
		l, err := e.GetListingBySlug(ctx, input.Slug)
		if err != nil {
			return nil, handleError(err)
		}
		if err := visibleListing(ctx, e, l); err != nil {
			return nil, handleError(err)
		}
		return &listingOutput{Body: listingResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/listings/{listing_id}/submissions",
		Summary:     "List submissions for a listing",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ListingID string `path:"listing_id"`
	}) (*struct {
		Body []domain.Submission `json:"body"`
	}, error) {
		l, err := e.GetListing(ctx, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := canManageSponsor(ctx, e, l.SponsorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, handleError(auth.ForbiddenError{Reason: "submissions are visible to sponsor members only"})
		}
		subs, err := e.ListSubmissions(ctx, l.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Submission `json:"body"`
		}{Body: nonNilSlice(subs)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	transitionErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
	}

	huma.Register(api, huma.Operation{
		OperationID: "save-draft",
		Method:      http.MethodPut,
		Path:        "/listings/{listing_id}/draft",
		Summary:     "Save draft fields",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ListingID string           `path:"listing_id"`
		Body      validation.Input `json:"body"`
	}) (*listingOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.SaveDraft(ctx, actorID, input.ListingID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &listingOutput{Body: listingResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-listing",
		Method:      http.MethodPost,
		Path:        "/listings/{listing_id}/publish",
		Summary:     "Publish a draft",
		Description: "Validates the merged listing strictly. Unverified or flagged sponsors land in verifying instead of open.",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ListingID string            `path:"listing_id"`
		Body      *validation.Input `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var in validation.Input
		if input.Body != nil {
			in = *input.Body
		}
		res, err := e.Publish(ctx, actorID, input.ListingID, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{
			Listing:                 listingResponse(res.Listing),
			VerificationReason:      res.VerificationReason,
			IsFirstPublishedListing: res.IsFirstPublishedListing,
			Effects:                 effectReports(res.Effects),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-listing",
		Method:      http.MethodPatch,
		Path:        "/listings/{listing_id}",
		Summary:     "Edit an open or verifying listing",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ListingID string           `path:"listing_id"`
		Body      validation.Input `json:"body"`
	}) (*struct {
		Body UpdateResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Update(ctx, actorID, input.ListingID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateResponse `json:"body"`
		}{Body: UpdateResponse{Listing: listingResponse(res.Listing), WinnersReset: res.WinnersReset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unpublish-listing",
		Method:      http.MethodPost,
		Path:        "/listings/{listing_id}/unpublish",
		Summary:     "Return an open listing to draft",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ListingID string `path:"listing_id"`
	}) (*struct {
		Body UnpublishResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Unpublish(ctx, actorID, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnpublishResponse `json:"body"`
		}{Body: UnpublishResponse{
			Listing:             listingResponse(res.Listing),
			WinnersCleared:      res.Cleared,
			SubmissionsRejected: res.Rejected,
			Effects:             effectReports(res.Effects),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "announce-winners",
		Method:      http.MethodPost,
		Path:        "/listings/{listing_id}/announce",
		Summary:     "Announce winners",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ListingID string `path:"listing_id"`
	}) (*struct {
		Body AnnounceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Announce(ctx, actorID, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnnounceResponse `json:"body"`
		}{Body: AnnounceResponse{
			Listing: listingResponse(res.Listing),
			Payouts: nonNilSlice(res.Payouts),
			Effects: effectReports(res.Effects),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-listing",
		Method:        http.MethodDelete,
		Path:          "/listings/{listing_id}",
		Summary:       "Delete a never-published draft",
		DefaultStatus: http.StatusNoContent,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		ListingID string `path:"listing_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDraft(ctx, actorID, input.ListingID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-winner",
		Method:      http.MethodPut,
		Path:        "/submissions/{submission_id}/winner",
		Summary:     "Select or clear a winning submission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SubmissionID string        `path:"submission_id"`
		Body         WinnerRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.SetWinner(ctx, actorID, input.SubmissionID, input.Body.Position)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SponsorID  string `query:"sponsor_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"listing,submission"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, err := callerActor(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		sponsorID := strings.TrimSpace(input.SponsorID)
		if sponsorID == "" && !actor.IsElevated() {
			sponsorID = actor.SponsorID
		}
		if !actor.IsElevated() {
			if sponsorID == "" {
				return nil, handleError(auth.ForbiddenError{Reason: "actor has no current sponsor"})
			}
			if err := e.Auth.RequireSponsorAccess(ctx, nil, actor, sponsorID); err != nil {
				return nil, handleError(err)
			}
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			SponsorID:  sponsorID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			BeforeID:   cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID:           u.ID,
			Email:            u.Email,
			Role:             string(u.Role),
			CurrentSponsorID: stringOrEmpty(u.CurrentSponsorID),
			TotalEarned:      u.TotalEarned,
			Source:           principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if _, err := e.Repo.GetUser(ctx, userID); err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		token, exp, err := SignToken(authCfg.JWTSecret, userID, time.Duration(input.Body.TTLSeconds)*time.Second, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: exp}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
