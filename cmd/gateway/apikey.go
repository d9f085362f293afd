package main

import (
	"encoding/json"
	"net/http"

	"gridkeep/internal/blacklist"
	"gridkeep/internal/token"
)

type apiKeyHandlers struct {
	codec *token.Codec
	bl    *blacklist.List
}

type issueRequest struct {
	Parts []string `json:"parts"`
}

// issue implements /api/APIKey: seal a fresh bearer token for the given
// parts (principal id first, then any capability tags), per spec.md §4.1.
func (a *apiKeyHandlers) issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Parts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one part (principal id) is required"})
		return
	}

	blob, err := a.codec.Encode(req.Parts...)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to issue token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": blob})
}

type checkRequest struct {
	APIKey string `json:"api_key"`
}

// check implements /api/CheckAPIKey: decode and authorize a token without
// consuming anything, reporting the opaque result spec.md §4.1 defines.
func (a *apiKeyHandlers) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed check request"})
		return
	}

	result := a.codec.Decode(req.APIKey)
	valid := token.Authorize(result, a.bl)

	principalID := ""
	if valid && len(result.Parts) > 0 {
		principalID = result.Parts[0]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     valid,
		"principal": principalID,
		"days_old":  result.DaysOld,
	})
}

// renew implements /api/APIKey/renew: re-encode the same parts with a fresh
// request-binding id and issuance timestamp, provided the presented token
// is still authorized. A token past the blacklist/expiry check cannot renew
// itself into a valid one.
func (a *apiKeyHandlers) renew(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed renew request"})
		return
	}

	result := a.codec.Decode(req.APIKey)
	if !token.Authorize(result, a.bl) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API Key"})
		return
	}

	blob, err := a.codec.Encode(result.Parts...)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to renew token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": blob})
}
