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
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"volunteerops/internal/campaign"
	"volunteerops/internal/delivery"
	"volunteerops/internal/domain"
	"volunteerops/internal/engine"
	"volunteerops/internal/engine/auth"
	"volunteerops/internal/events"
	"volunteerops/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Campaigns *campaign.Runner
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_assigned"`
	Message string         `json:"message" example:"volunteer is not assigned to this task"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"deadline\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the volunteer operations API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Campaigns == nil {
		return nil, errors.New("campaign runner required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(buf))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, buf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	svc := auth.Service{Repo: cfg.Engine.Repo}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, svc))
	hcfg := huma.DefaultConfig("Volunteer Ops API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerTasks(group, cfg.Engine)
	registerPhotos(group, cfg.Engine, svc)
	registerCampaigns(group, cfg.Campaigns)
	registerDevices(group, cfg.Engine)
	registerAchievements(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		if _, ok := se.(*apiError); ok {
			return se
		}
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case errors.Is(err, engine.ErrNotAssigned):
		return newAPIError(http.StatusForbidden, "not_assigned", msg, nil)
	case errors.Is(err, engine.ErrNotAccepted):
		return newAPIError(http.StatusConflict, "not_accepted", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrConcurrencyConflict):
		return newAPIError(http.StatusConflict, "concurrency_conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Volunteer Ops API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID:      p.UserID,
			Role:        p.Role,
			Permissions: nonNilSlice(p.Permissions),
		}}, nil
	})
}

func parseChannels(in []string) ([]delivery.ChannelName, error) {
	out := make([]delivery.ChannelName, 0, len(in))
	for _, s := range in {
		ch, err := delivery.ParseChannel(s)
		if err != nil {
			return nil, &engine.ValidationError{Field: "channels", Reason: err.Error()}
		}
		out = append(out, ch)
	}
	return out, nil
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create a task and notify its volunteers",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body engine.TaskCreated `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermTaskManage)
		if err != nil {
			return nil, err
		}
		channels, err := parseChannels(input.Body.Channels)
		if err != nil {
			return nil, handleError(err)
		}
		created, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:           input.Body.ID,
			ProjectID:    input.ProjectID,
			CreatorID:    p.UserID,
			Description:  input.Body.Description,
			Deadline:     input.Body.Deadline,
			VolunteerIDs: input.Body.VolunteerIDs,
			Channels:     channels,
		})
		if err != nil {
			return nil, handleError(err)
		}
		created.Assignments = nonNilSlice(created.Assignments)
		return &struct {
			Body engine.TaskCreated `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List project tasks",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTaskRespond); err != nil {
			return nil, err
		}
		items, err := e.ListTasks(ctx, repo.TaskFilter{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-closed-incomplete",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/closed-incomplete",
		Summary:     "Tasks that closed without being completed",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTaskManage); err != nil {
			return nil, err
		}
		items, err := e.ListClosedIncomplete(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task with its assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskDetailResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTaskRespond); err != nil {
			return nil, err
		}
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		assignments, err := e.Repo.ListAssignments(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskDetailResponse `json:"body"`
		}{Body: TaskDetailResponse{Task: t, Assignments: nonNilSlice(assignments)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/responses",
		Summary:     "Accept, decline or complete an assigned task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   RespondRequest `json:"body"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermTaskRespond)
		if err != nil {
			return nil, err
		}
		var res engine.Result
		var opErr error
		switch input.Body.Action {
		case "accept":
			res, opErr = e.Accept(ctx, input.TaskID, p.UserID)
		case "decline":
			res, opErr = e.Decline(ctx, input.TaskID, p.UserID)
		case "complete":
			res, opErr = e.Complete(ctx, input.TaskID, p.UserID)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown action", map[string]any{"action": input.Body.Action})
		}
		if opErr != nil {
			return nil, handleError(opErr)
		}
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/close",
		Summary:     "Close a task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermTaskManage)
		if err != nil {
			return nil, err
		}
		res, err := e.CloseTask(ctx, input.TaskID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Soft-delete a task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermTaskManage)
		if err != nil {
			return nil, err
		}
		res, err := e.DeleteTask(ctx, input.TaskID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerPhotos(api huma.API, e engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-photo",
		Method:        http.MethodPost,
		Path:          "/photos",
		Summary:       "Submit a photo report for moderation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitPhotoRequest `json:"body"`
	}) (*struct {
		Body domain.PhotoReport `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermPhotoSubmit)
		if err != nil {
			return nil, err
		}
		photo, err := e.SubmitPhotoReport(ctx, engine.PhotoSubmitOptions{
			VolunteerID: p.UserID,
			ProjectID:   input.Body.ProjectID,
			TaskID:      input.Body.TaskID,
			Image:       input.Body.Image,
			Filename:    input.Body.Filename,
			ImageRef:    input.Body.ImageRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhotoReport `json:"body"`
		}{Body: photo}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-photos",
		Method:      http.MethodGet,
		Path:        "/photos/pending",
		Summary:     "Moderation queue",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Offset    int    `query:"offset" minimum:"0"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body engine.PhotoPage `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermPhotoModerate)
		if err != nil {
			return nil, err
		}
		page, err := e.ModerationQueue(ctx, p.UserID, input.ProjectID, input.Offset, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PhotoPage `json:"body"`
		}{Body: page}, nil
	})

	// Moderators act only on photos of projects they may manage.
	moderator := func(ctx context.Context, photoID string) (Principal, error) {
		p, err := requirePermission(ctx, auth.PermPhotoModerate)
		if err != nil {
			return Principal{}, err
		}
		photo, err := e.Repo.GetPhoto(ctx, photoID)
		if err != nil {
			return Principal{}, handleError(err)
		}
		if err := svc.RequireProject(ctx, photo.ProjectID, p.UserID, auth.PermPhotoModerate); err != nil {
			return Principal{}, handleError(err)
		}
		return p, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-photo",
		Method:      http.MethodPost,
		Path:        "/photos/{photo_id}/approve",
		Summary:     "Approve a photo report, optionally with a 1-5 rating",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PhotoID string         `path:"photo_id"`
		Body    ApproveRequest `json:"body"`
	}) (*struct {
		Body engine.ModerationResult `json:"body"`
	}, error) {
		p, err := moderator(ctx, input.PhotoID)
		if err != nil {
			return nil, err
		}
		res, err := e.Approve(ctx, engine.ApproveOptions{
			PhotoID:     input.PhotoID,
			ModeratorID: p.UserID,
			Rating:      input.Body.Rating,
			Comment:     input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ModerationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-photo",
		Method:      http.MethodPost,
		Path:        "/photos/{photo_id}/reject",
		Summary:     "Reject a photo report",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PhotoID string        `path:"photo_id"`
		Body    RejectRequest `json:"body"`
	}) (*struct {
		Body engine.ModerationResult `json:"body"`
	}, error) {
		p, err := moderator(ctx, input.PhotoID)
		if err != nil {
			return nil, err
		}
		res, err := e.Reject(ctx, engine.RejectOptions{
			PhotoID:     input.PhotoID,
			ModeratorID: p.UserID,
			Reason:      input.Body.Reason,
			Comment:     input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ModerationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCampaigns(api huma.API, runner *campaign.Runner) {
	huma.Register(api, huma.Operation{
		OperationID:   "launch-campaign",
		Method:        http.MethodPost,
		Path:          "/campaigns",
		Summary:       "Launch a broadcast campaign",
		Description:   "The campaign is persisted and sent in the background. Poll the report for progress.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body LaunchCampaignRequest `json:"body"`
	}) (*struct {
		Body domain.Campaign `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermCampaignLaunch)
		if err != nil {
			return nil, err
		}
		c, err := runner.Launch(ctx, campaign.LaunchOptions{
			Title:     input.Body.Title,
			Body:      input.Body.Body,
			Filter:    input.Body.Filter,
			Channels:  input.Body.Channels,
			CreatedBy: p.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Campaign `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/campaigns",
		Summary:     "Recent campaigns",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Campaign `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCampaignLaunch); err != nil {
			return nil, err
		}
		items, err := runner.List(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Campaign `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "campaign-report",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/report",
		Summary:     "Delivery report",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct {
		Body CampaignReportResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCampaignLaunch); err != nil {
			return nil, err
		}
		rep, err := runner.GetDeliveryReport(ctx, input.CampaignID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampaignReportResponse `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "campaign-recipients",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/recipients",
		Summary:     "Per-recipient delivery rows",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
		Status     string `query:"status"`
	}) (*struct {
		Body []domain.NotificationRecipient `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCampaignLaunch); err != nil {
			return nil, err
		}
		items, err := runner.ListRecipients(ctx, input.CampaignID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.NotificationRecipient `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "campaign-receipt",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/receipts",
		Summary:     "Record a delivery, open or click receipt",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CampaignID string         `path:"campaign_id"`
		Body       ReceiptRequest `json:"body"`
	}) (*struct {
		Body ReceiptResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			userID = p.UserID
		}
		if userID != p.UserID && !p.Has(auth.PermCampaignLaunch) {
			return nil, handleError(auth.ForbiddenError{Permission: auth.PermCampaignLaunch})
		}
		out, err := runner.MarkRecipient(ctx, input.CampaignID, userID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReceiptResponse `json:"body"`
		}{Body: ReceiptResponse{Outcome: string(out)}}, nil
	})
}

func registerDevices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-device",
		Method:        http.MethodPost,
		Path:          "/devices",
		Summary:       "Register a push token for the caller",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterDeviceRequest `json:"body"`
	}) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		token := strings.TrimSpace(input.Body.Token)
		if token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		if err := e.Recipients.RegisterDeviceToken(ctx, p.UserID, token, input.Body.Platform); err != nil {
			return nil, handleError(err)
		}
		if err := e.EventLog().AppendStandalone(ctx, events.DeviceRegistered, "", "user", p.UserID, p.UserID, events.EventPayload{
			"platform": input.Body.Platform,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAchievements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "user-achievements",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/achievements",
		Summary:     "Achievements a user has unlocked",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body []domain.UserAchievement `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.UserID != p.UserID && !p.Has(auth.PermTaskManage) {
			return nil, handleError(auth.ForbiddenError{Permission: auth.PermTaskManage})
		}
		if _, err := e.Repo.GetUser(ctx, input.UserID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListUserAchievements(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.UserAchievement `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTaskManage); err != nil {
			return nil, err
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
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
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

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "expire-overdue",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Close overdue tasks now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermUserManage); err != nil {
			return nil, err
		}
		res, err := e.ExpireOverdue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{
			Checked:          res.Checked,
			Closed:           nonNilSlice(res.Closed),
			ClosedIncomplete: res.ClosedIncomplete,
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing user",
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
		token, err := SignToken(authCfg.JWTSecret, userID, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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
