package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"lia-terminal/internal/adapter/history"
	"lia-terminal/internal/domain"
	"lia-terminal/internal/infra/middleware"
	"lia-terminal/internal/usecase/eventbus"
	"lia-terminal/internal/usecase/scheduling"
	"lia-terminal/internal/usecase/terminal"
)

// RPC method names. The first three are the host contract and keep its
// exact names and payload keys.
const (
	methodGetCurrentDirectory = "get_current_directory"
	methodChangeDirectory     = "change_directory"
	methodExecuteCommand      = "execute_command"

	methodSurfaceCwd   = "surface.cwd"
	methodSurfaceChdir = "surface.chdir"
	methodSurfaceExec  = "surface.exec"

	methodTabOpen    = "tab.open"
	methodTabClose   = "tab.close"
	methodTabList    = "tab.list"
	methodTabGet     = "tab.get"
	methodTabSubmit  = "tab.submit"
	methodTabHistory = "tab.history"
)

// HandlerDeps holds dependencies needed by RPC and REST handlers.
type HandlerDeps struct {
	Tabs      *terminal.Manager     // can be nil (tab methods disabled)
	Events    *eventbus.Bus         // can be nil
	Scheduler *scheduling.Scheduler // can be nil
	History   *history.Recorder     // can be nil (history disabled)
	Logger    *slog.Logger
	Version   string
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler(methodGetCurrentDirectory, getCurrentDirectoryHandler())
	s.RegisterHandler(methodChangeDirectory, changeDirectoryHandler())
	s.RegisterHandler(methodExecuteCommand, executeCommandHandler())

	s.RegisterHandler(methodSurfaceCwd, surfaceCwdHandler())
	s.RegisterHandler(methodSurfaceChdir, surfaceChdirHandler())
	s.RegisterHandler(methodSurfaceExec, surfaceExecHandler())

	if deps.Tabs != nil {
		s.RegisterHandler(methodTabOpen, tabOpenHandler(deps))
		s.RegisterHandler(methodTabClose, tabCloseHandler(deps))
		s.RegisterHandler(methodTabList, tabListHandler(deps))
		s.RegisterHandler(methodTabGet, tabGetHandler(deps))
		s.RegisterHandler(methodTabSubmit, tabSubmitHandler(deps))
		s.RegisterHandler(methodTabHistory, tabHistoryHandler(deps))
	}
}

// RegisterRESTHandlers registers HTTP REST endpoints on the gateway server.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	// Subscribe to events for metric counters.
	if deps.Events != nil {
		deps.Events.Subscribe(domain.EventCommandCompleted, func(_ context.Context, e domain.Event) {
			metrics.CommandsTotal.Add(1)
			var p domain.CommandEventPayload
			if json.Unmarshal(e.Payload, &p) == nil && p.Error != "" {
				metrics.CommandErrorsTotal.Add(1)
			}
		})
		deps.Events.Subscribe(domain.EventDirectoryChanged, func(_ context.Context, e domain.Event) {
			metrics.DirectoryChangesTotal.Add(1)
		})
		deps.Events.Subscribe(domain.EventTabOpened, func(_ context.Context, e domain.Event) {
			metrics.TabsOpenedTotal.Add(1)
		})
	}

	// Auth middleware for REST endpoints.
	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			client, err := s.authenticate(r)
			if err != nil {
				s.deny(r.Context(), "anonymous", r.URL.Path, "invalid token")
				middleware.WriteError(w, http.StatusUnauthorized, err)
				return
			}
			next(w, r.WithContext(domain.ContextWithClient(r.Context(), client.Name)))
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(s, deps, startTime, metrics)))

	return metrics
}

// --- host contract ---

type changeDirectoryRequest struct {
	Path string `json:"path"`
}

type executeCommandRequest struct {
	CommandName string   `json:"commandName"`
	Args        []string `json:"args"`
	WorkingDir  string   `json:"workingDir"`
}

func getCurrentDirectoryHandler() RPCHandler {
	return func(ctx context.Context, sess *Session, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(sess.Legacy.GetCurrentDirectory(ctx))
	}
}

func changeDirectoryHandler() RPCHandler {
	return func(ctx context.Context, sess *Session, payload json.RawMessage) (json.RawMessage, error) {
		var req changeDirectoryRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		return json.Marshal(sess.Legacy.ChangeDirectory(ctx, req.Path))
	}
}

func executeCommandHandler() RPCHandler {
	return func(ctx context.Context, sess *Session, payload json.RawMessage) (json.RawMessage, error) {
		var req executeCommandRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := sess.allowExec(methodExecuteCommand); err != nil {
			return nil, err
		}
		return json.Marshal(sess.Legacy.ExecuteCommand(ctx, req.CommandName, req.Args, req.WorkingDir))
	}
}

// --- typed surface ---

type directoryResponse struct {
	Directory string `json:"directory"`
}

type surfaceExecRequest struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
	WorkDir string   `json:"work_dir"`
}

type surfaceExecResponse struct {
	*domain.CommandResult
	Output string `json:"output"`
}

func surfaceCwdHandler() RPCHandler {
	return func(ctx context.Context, sess *Session, _ json.RawMessage) (json.RawMessage, error) {
		dir, err := sess.Surface.CurrentDirectory(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(directoryResponse{Directory: dir})
	}
}

func surfaceChdirHandler() RPCHandler {
	return func(ctx context.Context, sess *Session, payload json.RawMessage) (json.RawMessage, error) {
		var req changeDirectoryRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		dir, err := sess.Surface.ChangeDirectory(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(directoryResponse{Directory: dir})
	}
}

func surfaceExecHandler() RPCHandler {
	return func(ctx context.Context, sess *Session, payload json.RawMessage) (json.RawMessage, error) {
		var req surfaceExecRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := sess.allowExec(methodSurfaceExec); err != nil {
			return nil, err
		}
		res, err := sess.Surface.Execute(ctx, domain.Invocation{Program: req.Program, Args: req.Args, WorkDir: req.WorkDir})
		if err != nil {
			return nil, err
		}
		return json.Marshal(surfaceExecResponse{CommandResult: res, Output: sess.Surface.Render(res)})
	}
}

// --- tabs ---

type tabRequest struct {
	TabID string `json:"tab_id"`
}

type tabGetRequest struct {
	TabID string `json:"tab_id"`
	Since *int64 `json:"since"`
}

type tabGetResponse struct {
	Tab        *domain.TabSnapshot `json:"tab"`
	NextOffset int64               `json:"next_offset"`
}

type tabSubmitRequest struct {
	TabID string `json:"tab_id"`
	Input string `json:"input"`
}

type tabHistoryRequest struct {
	TabID     string `json:"tab_id"`
	Direction string `json:"direction"`
	Limit     int    `json:"limit"`
}

type tabHistoryResponse struct {
	Input   *string               `json:"input,omitempty"`
	Entries []string              `json:"entries,omitempty"`
	Stored  []domain.HistoryEntry `json:"stored,omitempty"`
}

func tabOpenHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *Session, _ json.RawMessage) (json.RawMessage, error) {
		info, err := deps.Tabs.OpenTab(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(info)
	}
}

func tabCloseHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *Session, payload json.RawMessage) (json.RawMessage, error) {
		var req tabRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Tabs.CloseTab(ctx, req.TabID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"closed": true})
	}
}

func tabListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *Session, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Tabs.ListTabs())
	}
}

func tabGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *Session, payload json.RawMessage) (json.RawMessage, error) {
		var req tabGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		snap, err := deps.Tabs.Tab(req.TabID)
		if err != nil {
			return nil, err
		}
		var since int64
		if req.Since != nil {
			since = *req.Since
		}
		lines, next, err := deps.Tabs.Output(req.TabID, since)
		if err != nil {
			return nil, err
		}
		if req.Since != nil {
			snap.Output = lines
		}
		return json.Marshal(tabGetResponse{Tab: snap, NextOffset: next})
	}
}

func tabSubmitHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, sess *Session, payload json.RawMessage) (json.RawMessage, error) {
		var req tabSubmitRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := sess.allowExec(methodTabSubmit); err != nil {
			return nil, err
		}
		res, err := deps.Tabs.Submit(ctx, req.TabID, req.Input)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}

func tabHistoryHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *Session, payload json.RawMessage) (json.RawMessage, error) {
		var req tabHistoryRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		var resp tabHistoryResponse
		switch req.Direction {
		case "prev", "next":
			step := deps.Tabs.HistoryPrev
			if req.Direction == "next" {
				step = deps.Tabs.HistoryNext
			}
			input, err := step(req.TabID)
			if err != nil {
				return nil, err
			}
			resp.Input = &input
		case "persisted":
			limit := req.Limit
			if limit == 0 {
				limit = 50
			}
			stored, err := deps.Tabs.PersistedHistory(ctx, req.TabID, limit)
			if err != nil {
				return nil, err
			}
			resp.Stored = stored
		default:
			snap, err := deps.Tabs.Tab(req.TabID)
			if err != nil {
				return nil, err
			}
			resp.Entries = snap.History
		}
		return json.Marshal(resp)
	}
}
