package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"gridkeep/internal/apierr"
	"gridkeep/internal/backend"
	"gridkeep/internal/entity"
	"gridkeep/internal/synth"
)

type handlers struct {
	backend *backend.Client
	zones   map[int]bool
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) validZone(zone int) error {
	if !h.zones[zone] {
		return apierr.New(apierr.InvalidZone, fmt.Sprintf("unknown zone %d", zone))
	}
	return nil
}

func dbHealthOf(err error) interface{} {
	apiErr, _ := apierr.As(err)
	if apiErr == nil {
		return map[string]interface{}{"reachable": false}
	}
	return map[string]interface{}{"reachable": false, "reason": apiErr.Message}
}

// fillGenesis replaces any cell in the rectangle not present in rows with a
// synthesized, unpersisted genesis entity, per spec.md §4.8's "genesis fill
// on range reads".
func fillGenesis(rows []entity.Entity, zone int, minX, maxX, minY, maxY int64) []entity.Entity {
	present := make(map[string]bool, len(rows))
	for _, e := range rows {
		present[fmt.Sprintf("%d:%d", e.PositionX, e.PositionY)] = true
	}

	out := make([]entity.Entity, 0, len(rows))
	out = append(out, rows...)
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			if present[fmt.Sprintf("%d:%d", x, y)] {
				continue
			}
			out = append(out, synth.Genesis(x, y, zone))
		}
	}
	return out
}

type rangeRequest struct {
	Zone int   `json:"zone"`
	X    int64 `json:"x"`
	Y    int64 `json:"y"`
	Radius int64 `json:"radius"`
}

// render implements /api/render: decode the requested axes (here, a center
// cell plus a radius — spec.md §4.8 leaves the exact "external mapping"
// unspecified, so gridkeep's gateway expresses it as the simplest square
// window a caller can request), clamp to the configured zone set, range
// query, genesis-fill, and return a flat grid.
func (h *handlers) render(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed render request"})
		return
	}
	if err := h.validZone(req.Zone); err != nil {
		writeEnvelopeOrStatus(w, err, nil)
		return
	}
	if req.Radius <= 0 {
		req.Radius = 8
	}

	minX, maxX := req.X-req.Radius, req.X+req.Radius
	minY, maxY := req.Y-req.Radius, req.Y+req.Radius

	var resp struct {
		Entities []entity.Entity `json:"entities"`
	}
	err := h.backend.Do(r.Context(), "POST", fmt.Sprintf("/range/%d", req.Zone), map[string]interface{}{
		"min_x": minX, "max_x": maxX, "min_y": minY, "max_y": maxY, "limit": 4096,
	}, &resp)
	if err != nil {
		writeEnvelopeOrStatus(w, err, dbHealthOf(err))
		return
	}

	grid := fillGenesis(resp.Entities, req.Zone, minX, maxX, minY, maxY)
	writeJSON(w, http.StatusOK, map[string]interface{}{"grid": grid})
}

type renderOneRequest struct {
	Zone  int    `json:"zone"`
	X     int64  `json:"x"`
	Y     int64  `json:"y"`
	Iter  *int64 `json:"i"`
}

// renderOne implements /api/render/one: fetch the full stack at (x,y,zone),
// select the row at i (or synthesize a genesis entity if there is none).
func (h *handlers) renderOne(w http.ResponseWriter, r *http.Request) {
	var req renderOneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed render request"})
		return
	}
	if err := h.validZone(req.Zone); err != nil {
		writeEnvelopeOrStatus(w, err, nil)
		return
	}

	stack, err := h.fetchStack(r.Context(), req.Zone, req.X, req.Y, req.Iter)
	if err != nil {
		writeEnvelopeOrStatus(w, err, dbHealthOf(err))
		return
	}

	wantIter := int64(0)
	if req.Iter != nil {
		wantIter = *req.Iter
	}
	for _, e := range stack.Entities {
		if e.Iter == wantIter {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	writeJSON(w, http.StatusOK, synth.Genesis(req.X, req.Y, req.Zone))
}

type renderAreasRequest struct {
	Zone  int             `json:"zone"`
	Areas []rangeRequest  `json:"areas"`
}

// renderAreas implements /api/render/areas: the same windowed render as
// /api/render, run over a batch of requested rectangles in one call.
func (h *handlers) renderAreas(w http.ResponseWriter, r *http.Request) {
	var req renderAreasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed render request"})
		return
	}

	grids := make([]interface{}, 0, len(req.Areas))
	for _, area := range req.Areas {
		zone := area.Zone
		if zone == 0 {
			zone = req.Zone
		}
		if err := h.validZone(zone); err != nil {
			writeEnvelopeOrStatus(w, err, nil)
			return
		}
		radius := area.Radius
		if radius <= 0 {
			radius = 8
		}
		minX, maxX := area.X-radius, area.X+radius
		minY, maxY := area.Y-radius, area.Y+radius

		var resp struct {
			Entities []entity.Entity `json:"entities"`
		}
		err := h.backend.Do(r.Context(), "POST", fmt.Sprintf("/range/%d", zone), map[string]interface{}{
			"min_x": minX, "max_x": maxX, "min_y": minY, "max_y": maxY, "limit": 4096,
		}, &resp)
		if err != nil {
			writeEnvelopeOrStatus(w, err, dbHealthOf(err))
			return
		}
		grids = append(grids, fillGenesis(resp.Entities, zone, minX, maxX, minY, maxY))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"grids": grids})
}

// fetchStack calls C7's /expand, returning the full iteration stack at
// (x,y) in zone, bounded by intendedIter per spec.md §4.7/§4.8.
func (h *handlers) fetchStack(ctx context.Context, zone int, x, y int64, intendedIter *int64) (entity.Stack, error) {
	var stack entity.Stack
	err := h.backend.Do(ctx, "POST", "/expand", map[string]interface{}{
		"x": x, "y": y, "z": zone, "i": intendedIter,
	}, &stack)
	return stack, err
}

type mintRequest struct {
	Zone int    `json:"zone"`
	X    int64  `json:"x"`
	Y    int64  `json:"y"`
	Iter int64  `json:"i"`
}

// mint implements /api/mint per spec.md §4.8: fetch the stack, select
// (or synthesize) the target row, reject ownership conflicts, promote it
// to minted/owned, and persist via /set.
func (h *handlers) mint(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed mint request"})
		return
	}
	if err := h.validZone(req.Zone); err != nil {
		writeEnvelopeOrStatus(w, err, nil)
		return
	}

	stack, err := h.fetchStack(r.Context(), req.Zone, req.X, req.Y, &req.Iter)
	if err != nil {
		writeEnvelopeOrStatus(w, err, dbHealthOf(err))
		return
	}

	target := pickIter(stack.Entities, req.Iter)
	if target == nil {
		g := synth.Genesis(req.X, req.Y, req.Zone)
		target = &g
	}

	if target.Ownership != nil && *target.Ownership != p.ID {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Entity is owned by another principal."})
		return
	}
	if target.Minted {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Entity is already minted."})
		return
	}

	owner := p.ID
	target.Ownership = &owner
	target.Minted = true
	if target.Iter == 0 {
		target.State = entity.StateMinted
	}
	target.Exists = false // stripped before /set; never persisted

	var setResp struct {
		Entities        []entity.Entity `json:"entities"`
		IsLatestOnFile  bool            `json:"is_latest_on_file"`
	}
	if err := h.backend.Do(r.Context(), "POST", fmt.Sprintf("/set/%d", req.Zone), target, &setResp); err != nil {
		writeEnvelopeOrStatus(w, err, dbHealthOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": setResp.Entities, "is_latest_on_file": setResp.IsLatestOnFile})
}

func pickIter(entities []entity.Entity, iter int64) *entity.Entity {
	for i := range entities {
		if entities[i].Iter == iter {
			return &entities[i]
		}
	}
	return nil
}

type newIterRequest struct {
	Zone int   `json:"zone"`
	X    int64 `json:"x"`
	Y    int64 `json:"y"`
}

// newIter implements /api/newiter per spec.md §4.8: the caller must own
// iter 0; the new row's name/description come from the deterministic tarot
// shuffle at last_iter = next_iter-1.
func (h *handlers) newIter(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())

	var req newIterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed newiter request"})
		return
	}
	if err := h.validZone(req.Zone); err != nil {
		writeEnvelopeOrStatus(w, err, nil)
		return
	}

	stack, err := h.fetchStack(r.Context(), req.Zone, req.X, req.Y, nil)
	if err != nil {
		writeEnvelopeOrStatus(w, err, dbHealthOf(err))
		return
	}

	genesisRow := pickIter(stack.Entities, 0)
	if genesisRow == nil || genesisRow.Ownership == nil || *genesisRow.Ownership != p.ID {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Only the owner of genesis may create new iterations."})
		return
	}

	nextIter := int64(len(stack.Entities))
	lastIter := nextIter - 1
	name, meaning := synth.TarotCard(req.X, req.Y, req.Zone, lastIter)

	next := synth.Genesis(req.X, req.Y, req.Zone)
	owner := p.ID
	next.Index = genesisRow.Index // share genesis's index; only iter advances
	next.Ownership = &owner
	next.Iter = nextIter
	next.Name = name
	next.Description = meaning
	next.State = entity.StateIterated
	next.Exists = false

	var setResp struct {
		Entities       []entity.Entity `json:"entities"`
		IsLatestOnFile bool            `json:"is_latest_on_file"`
	}
	if err := h.backend.Do(r.Context(), "POST", fmt.Sprintf("/set/%d", req.Zone), next, &setResp); err != nil {
		writeEnvelopeOrStatus(w, err, dbHealthOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": setResp.Entities, "is_latest_on_file": setResp.IsLatestOnFile})
}

// health implements /api/health: proxy C7's aggregate health, degrading to
// the §7 envelope if the backend is unreachable.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	var resp map[string]interface{}
	if err := h.backend.Do(r.Context(), "GET", "/health", nil, &resp); err != nil {
		writeEnvelopeOrStatus(w, err, dbHealthOf(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
