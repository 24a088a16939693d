package api

import (
	"net/http"
	"sort"
)

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Integrations))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the mounted webhook
// endpoints. Ops endpoints are not listed.
func buildOpenAPIDoc(integrations []Integration) map[string]any {
	sorted := append([]Integration(nil), integrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	paths := map[string]any{}
	for _, in := range sorted {
		paths[in.Path] = map[string]any{"post": webhookOperation(in)}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "vaultgate webhooks",
			"version": "1.0",
		},
		"paths": paths,
	}
}

func webhookOperation(in Integration) map[string]any {
	params := []any{headerParam(in.SignatureHeader, "HMAC signature of the delivery")}
	if in.TimestampHeader != "" {
		params = append(params, headerParam(in.TimestampHeader, "Unix seconds; must be within the replay window"))
	}
	if in.IDHeader != "" {
		params = append(params, headerParam(in.IDHeader, "Delivery id; duplicates are rejected"))
	}

	return map[string]any{
		"operationId": "webhook__" + in.Name,
		"summary":     in.Name + " webhook",
		"tags":        []string{"webhooks"},
		"parameters":  params,
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{"schema": map[string]any{"type": "object"}},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{"description": "Verified and accepted"},
			"401": map[string]any{"description": "Missing headers, stale timestamp, bad signature or replay"},
			"413": map[string]any{"description": "Payload too large"},
			"500": map[string]any{"description": "Verification not configured"},
		},
	}
}

func headerParam(name, description string) map[string]any {
	return map[string]any{
		"name":        name,
		"in":          "header",
		"required":    true,
		"description": description,
		"schema":      map[string]any{"type": "string"},
	}
}
