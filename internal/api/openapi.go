package api

import (
	"net/http"
	"sort"

	"github.com/mattjoyce/batchwrap/internal/auth"
)

type route struct {
	path    string
	summary string
	scope   string
	query   map[string]string
}

var routes = []route{
	{path: "/status", summary: "Current run and per-host progress", scope: auth.ScopeStatus},
	{path: "/events", summary: "Server-sent event stream of run progress", scope: auth.ScopeEvents, query: map[string]string{
		"since": "Replay buffered events after this id",
		"types": "Comma-separated event types to keep",
	}},
	{path: "/runs", summary: "Recent runs from the journal", scope: auth.ScopeRuns, query: map[string]string{
		"limit": "Number of runs, 1 to 1000",
	}},
	{path: "/runs/{runID}", summary: "One run with its failed points", scope: auth.ScopeRuns},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the status API.
func buildOpenAPIDoc(secured bool) map[string]any {
	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness and current run state",
				"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
			},
		},
	}

	for _, rt := range routes {
		op := map[string]any{
			"operationId": rt.path,
			"summary":     rt.summary,
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"403": map[string]any{"description": "Insufficient scope"},
			},
		}
		if len(rt.query) > 0 {
			names := make([]string, 0, len(rt.query))
			for name := range rt.query {
				names = append(names, name)
			}
			sort.Strings(names)
			params := make([]any, 0, len(names))
			for _, name := range names {
				params = append(params, map[string]any{
					"name":        name,
					"in":          "query",
					"description": rt.query[name],
					"schema":      map[string]any{"type": "string"},
				})
			}
			op["parameters"] = params
		}
		if secured {
			op["security"] = []any{map[string]any{"BearerAuth": []string{rt.scope}}}
		}
		paths[rt.path] = map[string]any{"get": op}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "batchwrap status",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(len(s.config.Tokens) > 0))
}
