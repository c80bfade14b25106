package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"studioline/internal/engine"
	"studioline/internal/repo"
	"studioline/internal/skill"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_decided"`
	Message string         `json:"message" example:"change set already decided"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Studioline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Studioline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerStep(group, cfg.Engine)
	registerWorkspaces(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerChangeSets(group, cfg.Engine)
	registerBrain(group, cfg.Engine)
	registerSuggestions(group, cfg.Engine)
	registerSkills(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, engine.ErrAlreadyDecided) {
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrBrainConflict) {
		return newAPIError(http.StatusConflict, "brain_conflict", err.Error(), nil)
	}
	var nf skill.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"skill_key": nf.SkillKey})
	}
	var oce skill.OutputContractError
	if errors.As(err, &oce) {
		return newAPIError(http.StatusUnprocessableEntity, "output_contract_failed", err.Error(), map[string]any{
			"skill_key": oce.SkillKey,
			"missing":   oce.Missing,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already applied"),
		strings.Contains(lowered, "already resolved"),
		strings.Contains(lowered, "not active"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "unsupported"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Studioline API Docs</title>
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-project-flag",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/flags/{name}",
		Summary:     "Set project flag",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Name      string         `path:"name"`
		Body      SetFlagRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if err := e.SetProjectFlag(ctx, input.ProjectID, input.Name, input.Body.Value); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerStep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "step",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/step",
		Summary:     "Run one controller step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      StepRequest `json:"body"`
	}) (*struct {
		Body engine.StepResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Message) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Step(ctx, engine.StepOptions{
			ProjectID:      input.ProjectID,
			ConversationID: input.Body.ConversationID,
			UserMessage:    input.Body.Message,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerWorkspaces(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workspaces/{conversation_id}",
		Summary:     "Get conversation workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID      string `path:"project_id"`
		ConversationID string `path:"conversation_id"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		w, err := e.EnsureWorkspace(ctx, input.ProjectID, input.ConversationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-pins",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/workspaces/{conversation_id}/pins",
		Summary:     "Set or clear workspace pins",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID      string         `path:"project_id"`
		ConversationID string         `path:"conversation_id"`
		Body           SetPinsRequest `json:"body"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		w, err := e.SetPins(ctx, input.ProjectID, input.ConversationID, engine.PinOptions{
			Stage:   input.Body.Stage,
			Skill:   input.Body.Skill,
			Channel: input.Body.Channel,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(w)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List agent runs",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		AgentName string `query:"agent"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			AgentName: input.AgentName,
			Limit:     normalizeLimit(input.Limit, 50, 200),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get agent run with its event log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "latest-session",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions/latest",
		Summary:     "Latest question session with its turns",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Repo.LatestSession(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		turns, err := e.Repo.ListTurns(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, turns)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get question session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		turns, err := e.Repo.ListTurns(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, turns)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-turn",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/turns/{turn_number}/answers",
		Summary:     "Save whole-turn answers",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID         string            `path:"id"`
		TurnNumber int               `path:"turn_number"`
		Body       AnswerTurnRequest `json:"body"`
	}) (*struct {
		Body TurnResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SaveAnswers(ctx, input.ID, input.TurnNumber, input.Body.Answers, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TurnResponse `json:"body"`
		}{Body: turnResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/skip",
		Summary:     "Skip an active question session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MarkSessionSkipped(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/archive",
		Summary:     "Archive a question session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ArchiveSession(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-turn-bundle",
		Method:      http.MethodGet,
		Path:        "/turn-bundles/{id}",
		Summary:     "Get an immutable turn bundle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domainTurnBundle `json:"body"`
	}, error) {
		b, err := e.Repo.GetTurnBundle(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainTurnBundle `json:"body"`
		}{Body: domainTurnBundle(b)}, nil
	})
}

func registerChangeSets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-change-sets",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/change-sets",
		Summary:     "List change sets",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"pending,applied,rejected,"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ChangeSetResponse `json:"body"`
	}, error) {
		sets, err := e.Repo.ListChangeSets(ctx, repo.ChangeSetFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit, 50, 200),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChangeSetResponse `json:"body"`
		}{Body: mapChangeSets(sets)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-change-set",
		Method:      http.MethodGet,
		Path:        "/change-sets/{id}",
		Summary:     "Get change set with ops",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ChangeSetResponse `json:"body"`
	}, error) {
		cs, err := e.Repo.GetChangeSet(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChangeSetResponse `json:"body"`
		}{Body: changeSetResponse(cs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-change-set",
		Method:      http.MethodPost,
		Path:        "/change-sets/{id}/apply",
		Summary:     "Apply a pending change set",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApplyChangeSetResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cs, idMap, err := e.ApplyChangeSet(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplyChangeSetResponse `json:"body"`
		}{Body: ApplyChangeSetResponse{
			ChangeSet: changeSetResponse(cs),
			IDMap:     idMap,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-change-set",
		Method:      http.MethodPost,
		Path:        "/change-sets/{id}/reject",
		Summary:     "Reject a pending change set",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ChangeSetResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cs, err := e.RejectChangeSet(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChangeSetResponse `json:"body"`
		}{Body: changeSetResponse(cs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "propose-companions",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/companions",
		Summary:       "Propose companion items from template rules",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body *ChangeSetResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cs, err := e.ProposeCompanions(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if cs == nil {
			return &struct {
				Body *ChangeSetResponse `json:"body"`
			}{}, nil
		}
		res := changeSetResponse(*cs)
		return &struct {
			Body *ChangeSetResponse `json:"body"`
		}{Body: &res}, nil
	})
}

func registerBrain(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-brain",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/brain",
		Summary:     "Get the brain snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body BrainResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBrain(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BrainResponse `json:"body"`
		}{Body: brainResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-brain-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/brain/events",
		Summary:     "List brain events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []BrainEventResponse `json:"body"`
	}, error) {
		events, err := e.Repo.ListBrainEvents(ctx, input.ProjectID, normalizeLimit(input.Limit, 50, 200))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BrainEventResponse `json:"body"`
		}{Body: mapBrainEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-brain-event",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/brain/events",
		Summary:       "Create a brain event with a version snapshot",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateBrainEventRequest `json:"body"`
	}) (*struct {
		Body BrainEventResponse `json:"body"`
	}, error) {
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payloadJSON := ""
		if input.Body.Payload != nil {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
			}
			payloadJSON = string(data)
		}
		ev, err := e.CreateBrainEvent(ctx, input.ProjectID, input.Body.Type, payloadJSON, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BrainEventResponse `json:"body"`
		}{Body: brainEventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-brain-event",
		Method:      http.MethodPost,
		Path:        "/brain/events/{id}/apply",
		Summary:     "Apply extracted patch ops with bounded conflict retry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ApplyBrainEventRequest `json:"body"`
	}) (*struct {
		Body BrainResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.ApplyBrainEventWithRetry(ctx, input.ID, input.Body.Ops, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BrainResponse `json:"body"`
		}{Body: brainResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-brain-event",
		Method:      http.MethodPost,
		Path:        "/brain/events/{id}/reset",
		Summary:     "Requeue a conflicted brain event against the live version",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BrainEventResponse `json:"body"`
	}, error) {
		ev, err := e.ResetForRetry(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BrainEventResponse `json:"body"`
		}{Body: brainEventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-brain-conflict",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/brain/conflicts/{conflict_id}/resolve",
		Summary:     "Resolve a recorded brain conflict",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ConflictID string `path:"conflict_id"`
	}) (*struct {
		Body BrainResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.ResolveBrainConflict(ctx, input.ProjectID, input.ConflictID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BrainResponse `json:"body"`
		}{Body: brainResponse(b)}, nil
	})
}

func registerSuggestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "latest-suggestions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/suggestions/latest",
		Summary:     "Latest suggestion set",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domainSuggestionSet `json:"body"`
	}, error) {
		set, err := e.Repo.LatestSuggestionSet(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainSuggestionSet `json:"body"`
		}{Body: domainSuggestionSet(set)}, nil
	})
}

func registerSkills(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-skills",
		Method:      http.MethodGet,
		Path:        "/skills",
		Summary:     "List persisted skill definitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domainSkill `json:"body"`
	}, error) {
		defs, err := e.Repo.ListSkills(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]domainSkill, 0, len(defs))
		for _, def := range defs {
			out = append(out, domainSkill(def))
		}
		return &struct {
			Body []domainSkill `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-skill",
		Method:      http.MethodGet,
		Path:        "/skills/{key}",
		Summary:     "Resolve a skill definition (persisted or catalog)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domainSkill `json:"body"`
	}, error) {
		def, err := e.Skills.Resolve(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainSkill `json:"body"`
		}{Body: domainSkill(def)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-skill",
		Method:      http.MethodPut,
		Path:        "/skills/{key}",
		Summary:     "Create or update a persisted skill definition",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Key  string             `path:"key"`
		Body UpsertSkillRequest `json:"body"`
	}) (*struct {
		Body domainSkill `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Prompt) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := e.UpsertSkill(ctx, input.Key, engine.SkillUpdate{
			Name:         input.Body.Name,
			Stage:        input.Body.Stage,
			Channel:      input.Body.Channel,
			InputSchema:  input.Body.InputSchema,
			OutputSchema: input.Body.OutputSchema,
			Prompt:       input.Body.Prompt,
			Enabled:      input.Body.Enabled,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domainSkill `json:"body"`
		}{Body: domainSkill(def)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-skill",
		Method:      http.MethodDelete,
		Path:        "/skills/{key}",
		Summary:     "Delete a persisted skill definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteSkill(ctx, input.Key); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		events, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit, 50, 500),
			input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}
