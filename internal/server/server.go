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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"govtech/internal/app"
	"govtech/internal/domain"
	"govtech/internal/engine"
	"govtech/internal/engine/auth"
	"govtech/internal/events"
	"govtech/internal/query"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot apply close to protocol in status received"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"allowed\":[\"begin_analysis\",\"cancel\"]}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the GovTech API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	a := cfg.App
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Use(requestLogger(logger.Named("http")))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, a.Repo, logger.Named("auth")))
	hcfg := huma.DefaultConfig("GovTech API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTrack(group, a)
	registerTemplates(group, a)
	registerProtocols(group, a)
	registerCommands(group, a)
	registerAttachments(group, a)
	registerDashboard(group, a)
	registerEscalations(group, a)
	registerEvents(group, a)
	registerMe(group, a)
	registerOpenAPI(router, api, basePath)
	if a.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	}

	return otelhttp.NewHandler(router, "govtech.http"), nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
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
	var te domain.TransitionError
	if errors.As(err, &te) {
		details := map[string]any{"status": te.Status, "command": te.Command, "allowed": nonNilSlice(te.Allowed)}
		if te.Reason != "" {
			details["reason"] = te.Reason
		}
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), details)
	}
	var asg domain.AssignmentError
	if errors.As(err, &asg) {
		code := "role_mismatch"
		details := map[string]any{"assignee_id": asg.AssigneeID, "step_index": asg.StepIndex}
		if asg.Kind == domain.ErrDepartmentMismatch {
			code = "department_mismatch"
			details["department"] = asg.Department
			details["actual_department"] = asg.ActualDept
		} else {
			details["required_role"] = asg.RequiredRole
			details["actual_role"] = asg.ActualRole
		}
		return newAPIError(http.StatusUnprocessableEntity, code, err.Error(), details)
	}
	var ae domain.AuthorizationError
	if errors.As(err, &ae) {
		details := map[string]any{"command": ae.Command}
		if ae.RequiredRole != "" {
			details["required_role"] = ae.RequiredRole
		}
		if ae.Department != "" {
			details["department"] = ae.Department
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	}
	var ue domain.UnknownServiceCodeError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusNotFound, "unknown_service_code", err.Error(), map[string]any{"service_code": ue.Code})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTemplateNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrConcurrentModification):
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyEscalated), errors.Is(err, domain.ErrDuplicateNumber), errors.Is(err, domain.ErrAlreadyRated):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidCommand):
		return newAPIError(http.StatusBadRequest, "invalid_command", err.Error(), nil)
	case errors.Is(err, domain.ErrDocumentLimit):
		return newAPIError(http.StatusUnprocessableEntity, "document_limit", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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

// currentUser resolves the authenticated principal against the directory and
// checks it holds at least role.
func currentUser(ctx context.Context, a *app.App, role domain.Role, cmd domain.CommandName) (domain.User, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return domain.User{}, authErr
	}
	u, err := auth.Resolve(ctx, a.Directory, actorID, cmd)
	if err != nil {
		return domain.User{}, err
	}
	if !u.Role.Satisfies(role) {
		return domain.User{}, domain.AuthorizationError{ActorID: u.ID, Command: cmd, RequiredRole: role, Reason: "actor is " + string(u.Role)}
	}
	return u, nil
}

func staffRole(a *app.App) domain.Role {
	if a.Config != nil && a.Config.Workflow.StaffRole != "" {
		return a.Config.Workflow.StaffRole
	}
	return domain.RoleOperator
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if isPublicPath(basePath, route) {
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
    <title>GovTech API Docs</title>
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

func registerTrack(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "track-protocol",
		Method:      http.MethodGet,
		Path:        "/track/{number}",
		Summary:     "Public tracking by protocol number",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number" example:"2025.123456.789"`
	}) (*struct {
		Body query.Tracking `json:"body"`
	}, error) {
		if !domain.ValidNumber(input.Number, time.Now()) {
			return nil, newAPIError(http.StatusBadRequest, "invalid_number", "invalid protocol number", map[string]any{"number": input.Number})
		}
		t, err := a.Query.TrackByNumber(ctx, input.Number)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body query.Tracking `json:"body"`
		}{Body: t}, nil
	})
}

func registerTemplates(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List protocol templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TemplateList `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		return &struct {
			Body TemplateList `json:"body"`
		}{Body: TemplateList{Items: nonNilSlice(a.Templates.List())}}, nil
	})
}

func registerProtocols(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-protocol",
		Method:        http.MethodPost,
		Path:          "/protocols",
		Summary:       "Open a protocol",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateProtocolRequest `json:"body"`
	}) (*struct {
		Body ProtocolResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pr, err := domain.ParsePriority(input.Body.Priority)
		if err != nil {
			return nil, handleError(err)
		}
		requester := strings.TrimSpace(input.Body.RequesterID)
		if requester == "" {
			requester = actorID
		}
		st, err := a.Engine.Create(ctx, domain.Create{
			ServiceCode: strings.TrimSpace(input.Body.ServiceCode),
			RequesterID: requester,
			Priority:    pr,
			Subject:     input.Body.Subject,
			Description: input.Body.Description,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProtocolResponse `json:"body"`
		}{Body: protocolResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-protocols",
		Method:      http.MethodGet,
		Path:        "/protocols",
		Summary:     "List projected protocols",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"received,in_analysis,pending_info,in_progress,forwarded,resolved,closed,cancelled"`
		Priority    string `query:"priority" enum:"low,normal,high,urgent,critical"`
		ServiceCode string `query:"service_code"`
		RequesterID string `query:"requester_id"`
		Department  string `query:"department"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body ProtocolList `json:"body"`
	}, error) {
		if _, err := currentUser(ctx, a, staffRole(a), "list"); err != nil {
			return nil, handleError(err)
		}
		items, err := a.Query.List(ctx, query.Filter{
			Status:      domain.Status(input.Status),
			Priority:    domain.Priority(input.Priority),
			ServiceCode: input.ServiceCode,
			RequesterID: input.RequesterID,
			Department:  input.Department,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProtocolList `json:"body"`
		}{Body: ProtocolList{Items: nonNilSlice(items), Position: a.Model.Position()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-protocol",
		Method:      http.MethodGet,
		Path:        "/protocols/{id}",
		Summary:     "Protocol detail with its event stream",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body query.Detail `json:"body"`
	}, error) {
		u, err := currentUser(ctx, a, domain.RoleCitizen, "read")
		if err != nil {
			return nil, handleError(err)
		}
		d, err := a.Query.ProtocolDetail(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !u.Role.Satisfies(staffRole(a)) {
			if d.Protocol.RequesterID != u.ID {
				return nil, handleError(domain.NotFoundError{Entity: "protocol", ID: input.ID})
			}
			d = citizenView(d)
		}
		return &struct {
			Body query.Detail `json:"body"`
		}{Body: d}, nil
	})
}

// citizenView drops private responses and their events from a detail.
func citizenView(d query.Detail) query.Detail {
	var resp []domain.Response
	for _, r := range d.Protocol.Responses {
		if r.Public {
			resp = append(resp, r)
		}
	}
	d.Protocol.Responses = resp
	var evts []domain.Event
	for _, e := range d.Events {
		if e.Kind == domain.EventResponseAdded && e.Data.Response != nil && !e.Data.Response.Public {
			continue
		}
		evts = append(evts, e)
	}
	d.Events = evts
	return d
}

func registerCommands(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-command",
		Method:      http.MethodPost,
		Path:        "/protocols/{id}/commands",
		Summary:     "Apply a state machine command",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body CommandRequest `json:"body"`
	}) (*struct {
		Body ProtocolResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cmd, err := domain.ParseCommand(input.Body.Command, domain.CommandArgs{
			Department: input.Body.Department,
			Reason:     input.Body.Reason,
			Note:       input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		st, err := a.Engine.Apply(ctx, input.ID, cmd, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProtocolResponse `json:"body"`
		}{Body: protocolResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-step",
		Method:      http.MethodPost,
		Path:        "/protocols/{id}/steps/{index}/assign",
		Summary:     "Assign a step to a user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID    string        `path:"id"`
		Index int           `path:"index" minimum:"0"`
		Body  AssignRequest `json:"body"`
	}) (*struct {
		Body ProtocolResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := a.Engine.Assign(ctx, input.ID, input.Index, strings.TrimSpace(input.Body.AssigneeID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProtocolResponse `json:"body"`
		}{Body: protocolResponse(st)}, nil
	})
}

func registerAttachments(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-response",
		Method:        http.MethodPost,
		Path:          "/protocols/{id}/responses",
		Summary:       "Add a response to a protocol",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ResponseRequest `json:"body"`
	}) (*struct {
		Body domain.Response `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := a.Engine.AddResponse(ctx, input.ID, actorID, input.Body.Message, input.Body.Public)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Response `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "attach-document",
		Method:        http.MethodPost,
		Path:          "/protocols/{id}/documents",
		Summary:       "Attach a document reference",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := a.Engine.AttachDocument(ctx, input.ID, actorID, domain.Document{
			Name:        input.Body.Name,
			Ref:         input.Body.Ref,
			ContentType: input.Body.ContentType,
			Size:        input.Body.Size,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "rate-protocol",
		Method:        http.MethodPost,
		Path:          "/protocols/{id}/rating",
		Summary:       "Rate a resolved or closed protocol",
		Description:   "Only the requester may rate, once.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RatingRequest `json:"body"`
	}) (*struct {
		Body domain.Rating `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := a.Engine.Rate(ctx, input.ID, actorID, input.Body.Score, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Rating `json:"body"`
		}{Body: r}, nil
	})
}

func registerDashboard(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Protocol counts by status and priority",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body query.DashboardCounts `json:"body"`
	}, error) {
		if _, err := currentUser(ctx, a, staffRole(a), "dashboard"); err != nil {
			return nil, handleError(err)
		}
		counts, err := a.Query.Dashboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body query.DashboardCounts `json:"body"`
		}{Body: counts}, nil
	})
}

func registerEscalations(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep-escalations",
		Method:      http.MethodPost,
		Path:        "/escalations/sweep",
		Summary:     "Escalate overdue steps",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body *SweepRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, err := currentUser(ctx, a, domain.RoleManager, "sweep"); err != nil {
			return nil, handleError(err)
		}
		at := time.Now()
		if input.Body != nil && input.Body.At != nil {
			at = *input.Body.At
		}
		out, ran, err := a.Scheduler.RunAt(ctx, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Ran: ran, Escalations: nonNilSlice(out)}}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Page through the global event log",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" minimum:"0"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body EventPage `json:"body"`
	}, error) {
		if _, err := currentUser(ctx, a, domain.RoleAdmin, "events"); err != nil {
			return nil, handleError(err)
		}
		page, err := eventPage(ctx, a.Store, input.After, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventPage `json:"body"`
		}{Body: page}, nil
	})
}

func eventPage(ctx context.Context, r events.Reader, after int64, limit int) (EventPage, error) {
	items, err := r.EventsAfter(ctx, after, limit)
	if err != nil {
		return EventPage{}, err
	}
	page := EventPage{Items: nonNilSlice(items), NextCursor: after}
	if len(items) > 0 {
		page.NextCursor = items[len(items)-1].Position
	}
	return page, nil
}

func registerMe(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		u, err := currentUser(ctx, a, domain.RoleCitizen, "me")
		if err != nil {
			return nil, handleError(err)
		}
		p, _ := principalFromContext(ctx)
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{User: u, Source: p.Source}}, nil
	})
}

func protocolResponse(st events.State) ProtocolResponse {
	return ProtocolResponse{
		Protocol: st.Protocol,
		Steps:    nonNilSlice(st.Steps),
		Allowed:  nonNilSlice(engine.Allowed(st.Protocol.Status)),
	}
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

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
