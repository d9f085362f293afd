package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"gridkeep/internal/apierr"
	"gridkeep/internal/entity"
	"gridkeep/internal/registry"
)

type handlers struct {
	reg    *registry.Registry
	apiKey string
	log    *log.Logger
	err    *log.Logger
}

// authorize enforces spec.md §4.7/§6's X-API-Key service-to-service check
// ahead of every C7 endpoint.
func (h *handlers) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey == "" || r.Header.Get("X-API-Key") != h.apiKey {
			writeAPIErr(w, apierr.New(apierr.AuthMalformed, "Invalid API Key"))
			return
		}
		next(w, r)
	}
}

func pathInt(r *http.Request, name string) (int, error) {
	raw := r.PathValue(name)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return n, nil
}

func (h *handlers) zoneOrErr(w http.ResponseWriter, r *http.Request) (int, bool) {
	zone, err := pathInt(r, "zone")
	if err != nil {
		writeAPIErr(w, apierr.New(apierr.InvalidZone, err.Error()))
		return 0, false
	}
	if _, err := h.reg.Get(zone); err != nil {
		writeAPIErr(w, err)
		return 0, false
	}
	return zone, true
}

func (h *handlers) getMaxIndex(w http.ResponseWriter, r *http.Request) {
	zone, ok := h.zoneOrErr(w, r)
	if !ok {
		return
	}
	s, _ := h.reg.Get(zone)

	max, err := s.GetMaxIndex(r.Context())
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.Fatal, "get_max_index", err))
		return
	}
	resp := map[string]interface{}{"max_index": nil}
	if max != nil {
		resp["max_index"] = *max
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) set(w http.ResponseWriter, r *http.Request) {
	zone, ok := h.zoneOrErr(w, r)
	if !ok {
		return
	}
	s, _ := h.reg.Get(zone)

	var e entity.Entity
	if err := decodeBody(r, &e); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.AuthMalformed, "malformed entity body", err))
		return
	}

	saved, err := s.Set(r.Context(), e)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.Fatal, "set", err))
		return
	}

	stack, err := s.GetItersOfOne(r.Context(), saved.PositionX, saved.PositionY, nil)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.Fatal, "get_iters_of_one after set", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"id":                fmt.Sprintf("%dv%d", *saved.Index, saved.Iter),
		"index":             *saved.Index,
		"entities":          stack.Entities,
		"is_latest_on_file": stack.IsLatestOnFile,
	})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	zone, ok := h.zoneOrErr(w, r)
	if !ok {
		return
	}
	s, _ := h.reg.Get(zone)

	index, err := pathInt(r, "index")
	if err != nil {
		writeAPIErr(w, apierr.New(apierr.NotFound, err.Error()))
		return
	}

	var iterPtr *int64
	if raw := r.PathValue("iter"); raw != "" {
		iter, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeAPIErr(w, apierr.New(apierr.NotFound, "invalid iter"))
			return
		}
		iterPtr = &iter
	}

	e, found, err := s.Get(r.Context(), int64(index), iterPtr)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.Fatal, "get", err))
		return
	}
	if !found {
		writeAPIErr(w, apierr.New(apierr.NotFound, "no such entity"))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type expandRequest struct {
	X int64  `json:"x"`
	Y int64  `json:"y"`
	Z int    `json:"z"`
	I *int64 `json:"i"`
}

// expand implements /expand (get_iters_of_one bounded by body.i) and
// expandAll implements /expandall (the same query with no bound, returning
// every iter on file regardless of body.i), per spec.md §4.7.
func (h *handlers) expand(w http.ResponseWriter, r *http.Request)    { h.doExpand(w, r, true) }
func (h *handlers) expandAll(w http.ResponseWriter, r *http.Request) { h.doExpand(w, r, false) }

func (h *handlers) doExpand(w http.ResponseWriter, r *http.Request, boundByIter bool) {
	var req expandRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.AuthMalformed, "malformed expand body", err))
		return
	}
	s, err := h.reg.Get(req.Z)
	if err != nil {
		writeAPIErr(w, err)
		return
	}

	bound := req.I
	if !boundByIter {
		bound = nil
	}

	stack, err := s.GetItersOfOne(r.Context(), req.X, req.Y, bound)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.Fatal, "get_iters_of_one", err))
		return
	}
	writeJSON(w, http.StatusOK, stack)
}

type rangeRequest struct {
	MinX  int64 `json:"min_x"`
	MaxX  int64 `json:"max_x"`
	MinY  int64 `json:"min_y"`
	MaxY  int64 `json:"max_y"`
	Limit int   `json:"limit"`
}

func (h *handlers) rangeQuery(w http.ResponseWriter, r *http.Request) {
	zone, ok := h.zoneOrErr(w, r)
	if !ok {
		return
	}
	s, _ := h.reg.Get(zone)

	var req rangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.AuthMalformed, "malformed range body", err))
		return
	}

	rows, err := s.RangeQuery(r.Context(), req.MinX, req.MaxX, req.MinY, req.MaxY, req.Limit)
	if err != nil {
		writeAPIErr(w, apierr.Wrap(apierr.Fatal, "range_query", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": rows})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if raw := r.PathValue("zone"); raw != "" {
		zone, ok := h.zoneOrErr(w, r)
		if !ok {
			return
		}
		s, _ := h.reg.Get(zone)
		writeJSON(w, http.StatusOK, s.Health())
		return
	}

	all := make(map[string]interface{}, len(h.reg.Zones()))
	for _, z := range h.reg.Zones() {
		s, _ := h.reg.Get(z)
		all[strconv.Itoa(z)] = s.Health()
	}
	writeJSON(w, http.StatusOK, all)
}
