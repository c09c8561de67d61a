package proxy

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/apitruth/mock-platform/internal/schema"
	"github.com/apitruth/mock-platform/pkg/apierr"
)

// Admin handlers. Identity is the collaborator layer's concern; this
// boundary is unauthenticated.

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"response encoding failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetBody(body)
}

func readJSONBody(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON body")
		return false
	}
	return true
}

func pathID(ctx *fasthttp.RequestCtx, name string) (int64, bool) {
	raw, _ := ctx.UserValue(name).(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		apierr.WriteBadRequest(ctx, "invalid "+name)
		return 0, false
	}
	return id, true
}

// GET /admin/config
func (g *Gateway) handleGetConfig(ctx *fasthttp.RequestCtx) {
	mode, learningOn, profile, target := g.State.Snapshot()
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"mode":             mode,
		"learning_enabled": learningOn,
		"active_profile":   profile,
		"target_url":       target,
		"circuit_breaker":  g.Breaker.StateLabel(),
	})
}

// POST /admin/mode {"mode": "proxy"|"mock"}
func (g *Gateway) handleSetMode(ctx *fasthttp.RequestCtx) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !readJSONBody(ctx, &req) {
		return
	}
	if !g.State.SetMode(req.Mode) {
		apierr.WriteBadRequest(ctx, "mode must be \"proxy\" or \"mock\"")
		return
	}
	g.Log.Info("platform mode changed", slog.String("mode", req.Mode))
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "success", "mode": req.Mode})
}

// POST /admin/learning {"enabled": bool}
func (g *Gateway) handleSetLearning(ctx *fasthttp.RequestCtx) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !readJSONBody(ctx, &req) {
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	g.State.SetLearning(enabled)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "success", "learning_enabled": enabled})
}

// POST /admin/target {"target_url": "http://..."}
func (g *Gateway) handleSetTarget(ctx *fasthttp.RequestCtx) {
	var req struct {
		TargetURL string `json:"target_url"`
	}
	if !readJSONBody(ctx, &req) {
		return
	}
	if !g.State.SetTargetURL(req.TargetURL) {
		apierr.WriteBadRequest(ctx, "invalid URL; must start with http:// or https://")
		return
	}
	g.Log.Info("target url changed", slog.String("target_url", g.State.TargetURL()))
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "success", "target_url": g.State.TargetURL()})
}

// GET /admin/chaos/profiles
func (g *Gateway) handleListProfiles(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"profiles": Profiles(),
		"active":   g.State.Profile(),
	})
}

// POST /admin/chaos/profiles {"profile": "..."}
func (g *Gateway) handleSetProfile(ctx *fasthttp.RequestCtx) {
	var req struct {
		Profile string `json:"profile"`
	}
	if !readJSONBody(ctx, &req) {
		return
	}
	if !g.State.SetProfile(req.Profile) {
		apierr.WriteBadRequest(ctx, "unknown profile")
		return
	}
	g.Log.Info("chaos profile activated", slog.String("profile", req.Profile))
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "profile_applied", "profile": req.Profile})
}

// POST /admin/chaos {"level": 0..100}
func (g *Gateway) handleSetGlobalChaos(ctx *fasthttp.RequestCtx) {
	var req struct {
		Level *int `json:"level"`
	}
	if !readJSONBody(ctx, &req) {
		return
	}
	if req.Level == nil || *req.Level < 0 || *req.Level > 100 {
		apierr.WriteBadRequest(ctx, "level must be in [0,100]")
		return
	}
	if err := g.Store.SetGlobalChaos(*req.Level); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"chaos update failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "updated_globally", "level": *req.Level})
}

// GET /admin/endpoints
func (g *Gateway) handleListEndpoints(ctx *fasthttp.RequestCtx) {
	eps, err := g.Store.ListEndpoints()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"endpoint list failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	out := make([]map[string]any, 0, len(eps))
	for _, ep := range eps {
		item := map[string]any{
			"id":           ep.ID,
			"method":       ep.Method,
			"path_pattern": ep.PathPattern,
			"target_url":   ep.TargetURL,
			"created_at":   ep.CreatedAt,
		}
		if b, err := g.Store.Behavior(ep.ID); err == nil {
			item["latency_mean"] = b.LatencyMean
			item["error_rate"] = b.ErrorRate
			item["sample_count"] = b.SampleCount
			item["has_response_schema"] = b.ResponseSchema != nil
		}
		out = append(out, item)
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"endpoints": out, "total": len(out)})
}

// GET /admin/endpoints/{id}/stats
func (g *Gateway) handleEndpointStats(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	ep, err := g.Store.EndpointByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		apierr.WriteNotFound(ctx, "endpoint not found")
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"endpoint load failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	b, err := g.Store.Behavior(ep.ID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"behavior load failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	chaos, _ := g.Store.Chaos(ep.ID)

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"endpoint": ep,
		"behavior": b,
		"chaos":    chaos,
		"detector": g.Detector.Stats(ep.PathPattern),
		"health":   g.Health.EndpointHealth(ep.ID),
	})
}

// POST /admin/endpoints/{id}/chaos {"chaos_level": n, "is_active": bool}
func (g *Gateway) handleConfigureChaos(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req struct {
		ChaosLevel *int  `json:"chaos_level"`
		IsActive   *bool `json:"is_active"`
	}
	if !readJSONBody(ctx, &req) {
		return
	}
	if req.ChaosLevel == nil || *req.ChaosLevel < 0 || *req.ChaosLevel > 100 {
		apierr.WriteBadRequest(ctx, "chaos_level must be in [0,100]")
		return
	}
	active := *req.ChaosLevel > 0
	if req.IsActive != nil {
		active = *req.IsActive
	}
	if err := g.Store.SetChaos(id, *req.ChaosLevel, active); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"chaos update failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status": "configured", "endpoint_id": id, "chaos_level": *req.ChaosLevel, "is_active": active,
	})
}

// POST /admin/endpoints/{id}/schema {"schema_type": "request"|"response", "schema": {...}}
func (g *Gateway) handleUpdateSchema(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req struct {
		SchemaType string          `json:"schema_type"`
		Schema     json.RawMessage `json:"schema"`
	}
	if !readJSONBody(ctx, &req) {
		return
	}
	if req.SchemaType != "request" && req.SchemaType != "response" {
		apierr.WriteBadRequest(ctx, "schema_type must be \"request\" or \"response\"")
		return
	}
	var node *schema.Node
	if len(req.Schema) > 0 && string(req.Schema) != "null" {
		node = &schema.Node{}
		if err := json.Unmarshal(req.Schema, node); err != nil {
			apierr.WriteBadRequest(ctx, "schema is not a valid schema tree")
			return
		}
	}
	if err := g.Store.ReplaceSchema(id, req.SchemaType, node); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"schema update failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "updated", "schema_type": req.SchemaType})
}

// POST /admin/endpoints/manual
// {"method": "...", "path": "...", "response_example": {...}, "request_example": {...}}
func (g *Gateway) handleCreateManualEndpoint(ctx *fasthttp.RequestCtx) {
	var req struct {
		Method          string `json:"method"`
		Path            string `json:"path"`
		ResponseExample any    `json:"response_example"`
		RequestExample  any    `json:"request_example"`
	}
	if !readJSONBody(ctx, &req) {
		return
	}
	if req.Method == "" || req.Path == "" {
		apierr.WriteBadRequest(ctx, "method and path are required")
		return
	}
	ep, err := g.Store.CreateManualEndpoint(req.Method, req.Path, g.State.TargetURL(),
		req.ResponseExample, req.RequestExample)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"endpoint creation failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, map[string]any{"status": "created", "endpoint": ep})
}

// GET /admin/drift-alerts?endpoint_id=N&unresolved_only=true
func (g *Gateway) handleListDriftAlerts(ctx *fasthttp.RequestCtx) {
	var endpointID int64
	if raw := string(ctx.QueryArgs().Peek("endpoint_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			apierr.WriteBadRequest(ctx, "invalid endpoint_id")
			return
		}
		endpointID = id
	}
	unresolvedOnly := string(ctx.QueryArgs().Peek("unresolved_only")) == "true"

	alerts, err := g.Store.ListDriftAlerts(endpointID, !unresolvedOnly)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"drift alert list failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"alerts": alerts, "total": len(alerts)})
}

// POST /admin/drift-alerts/{alert_id}/resolve
func (g *Gateway) handleResolveDriftAlert(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "alert_id")
	if !ok {
		return
	}
	err := g.Store.ResolveDriftAlert(id)
	if errors.Is(err, sql.ErrNoRows) {
		apierr.WriteNotFound(ctx, "no unresolved alert with that id")
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"resolve failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "resolved", "alert_id": id})
}

// GET /admin/endpoints/{id}/drift-stats
func (g *Gateway) handleDriftStats(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	stats, err := g.Store.DriftStats(id)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"drift stats failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, stats)
}

// GET /admin/health
func (g *Gateway) handleAllHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"endpoints": g.Health.AllEndpointHealth(),
		"global":    g.Health.GlobalHealth(),
	})
}

// GET /admin/health/global
func (g *Gateway) handleGlobalHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, g.Health.GlobalHealth())
}

// GET /admin/health/{id}
func (g *Gateway) handleEndpointHealth(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	samples, err := g.Store.RecentHealthSamples(id, 20)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"health history failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"current": g.Health.EndpointHealth(id),
		"history": samples,
	})
}

// GET /admin/logs
func (g *Gateway) handleRecentLogs(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, g.Hub.Ring().Snapshot())
}

// GET /admin/detector
func (g *Gateway) handleDetectorStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, g.Detector.AllStats())
}

// POST /admin/detector/reset {"endpoint": "/users/{id}"} — empty resets all
func (g *Gateway) handleDetectorReset(ctx *fasthttp.RequestCtx) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if len(ctx.PostBody()) > 0 && !readJSONBody(ctx, &req) {
		return
	}
	if req.Endpoint == "" {
		g.Detector.ResetAll()
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "reset_all"})
		return
	}
	g.Detector.Reset(req.Endpoint)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "reset", "endpoint": req.Endpoint})
}
