package target

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/shard"
	"github.com/dreamware/rebuildd/internal/storage"
)

// Object I/O paths, relative to the target's base URL.
const (
	PathObject = "/pools/{pool}/objects/{oid}"
	PathRecord = "/pools/{pool}/objects/{oid}/{dkey}/{akey}"
	PathSpace  = "/space"
)

// SpaceRequest changes the rebuild threshold on every pool.
type SpaceRequest struct {
	ThresholdPercent int `json:"threshold_percent"`
}

// SpaceInfo describes one pool's usage.
type SpaceInfo struct {
	Pool      string `json:"pool"`
	Used      uint64 `json:"used"`
	UsedHuman string `json:"used_human"`
	Threshold int    `json:"threshold_percent"`
}

var errBadQuery = errors.New("bad query")

type httpAPI struct {
	agent *Agent
	clock *storage.Clock
}

// RegisterRoutes mounts the control surface and the object API on r.
// Writes without an explicit epoch are stamped from clock.
func (a *Agent) RegisterRoutes(r *mux.Router, clock *storage.Clock) {
	api := &httpAPI{agent: a, clock: clock}
	cluster.RegisterTargetRoutes(r, a)
	r.HandleFunc(PathRecord, api.handlePut).Methods(http.MethodPut)
	r.HandleFunc(PathRecord, api.handleGet).Methods(http.MethodGet)
	r.HandleFunc(PathObject, api.handleList).Methods(http.MethodGet)
	r.HandleFunc(PathObject, api.handlePunch).Methods(http.MethodDelete)
	r.HandleFunc(PathSpace, api.handleSpace).Methods(http.MethodGet)
	r.HandleFunc(PathSpace, api.handleSetSpace).Methods(http.MethodPost)
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadQuery, name, err)
	}
	return n, nil
}

func badRequest(w http.ResponseWriter, err error) {
	cluster.WriteJSON(w, http.StatusBadRequest, cluster.ErrorResponse{Error: err.Error()})
}

func (api *httpAPI) objectID(w http.ResponseWriter, r *http.Request) (string, shard.OID, bool) {
	vars := mux.Vars(r)
	oid, err := shard.ParseOID(vars["oid"])
	if err != nil {
		badRequest(w, err)
		return "", shard.OID{}, false
	}
	return vars["pool"], oid, true
}

func (api *httpAPI) handlePut(w http.ResponseWriter, r *http.Request) {
	pool, oid, ok := api.objectID(w, r)
	if !ok {
		return
	}
	index, err := queryUint(r, "index", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	epoch, err := queryUint(r, "epoch", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	if epoch == 0 {
		epoch = api.clock.Next()
	} else {
		api.clock.Observe(epoch)
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, err)
		return
	}
	vars := mux.Vars(r)
	if err := api.agent.Update(pool, oid, vars["dkey"], vars["akey"], index, value, epoch); err != nil {
		if errors.Is(err, storage.ErrInvalidKey) {
			badRequest(w, err)
			return
		}
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]uint64{"epoch": epoch})
}

func (api *httpAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	pool, oid, ok := api.objectID(w, r)
	if !ok {
		return
	}
	index, err := queryUint(r, "index", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	epoch, err := queryUint(r, "epoch", ^uint64(0))
	if err != nil {
		badRequest(w, err)
		return
	}
	vars := mux.Vars(r)
	value, err := api.agent.Fetch(pool, oid, vars["dkey"], vars["akey"], index, epoch)
	if errors.Is(err, storage.ErrKeyNotFound) {
		cluster.WriteJSON(w, http.StatusNotFound, cluster.ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(value)
}

func (api *httpAPI) handleList(w http.ResponseWriter, r *http.Request) {
	pool, oid, ok := api.objectID(w, r)
	if !ok {
		return
	}
	epoch, err := queryUint(r, "epoch", ^uint64(0))
	if err != nil {
		badRequest(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, api.agent.List(pool, oid, epoch))
}

// handlePunch deletes at the level implied by the query: an akey punch when
// dkey and akey are given, a dkey punch for dkey alone, otherwise the
// whole object.
func (api *httpAPI) handlePunch(w http.ResponseWriter, r *http.Request) {
	pool, oid, ok := api.objectID(w, r)
	if !ok {
		return
	}
	epoch, err := queryUint(r, "epoch", 0)
	if err != nil {
		badRequest(w, err)
		return
	}
	if epoch == 0 {
		epoch = api.clock.Next()
	} else {
		api.clock.Observe(epoch)
	}
	q := r.URL.Query()
	dkey, akey := q.Get("dkey"), q.Get("akey")
	level := storage.LevelObject
	switch {
	case dkey != "" && akey != "":
		level = storage.LevelAKey
	case dkey != "":
		level = storage.LevelDKey
	}
	if err := api.agent.Punch(pool, level, oid, dkey, akey, 0, epoch); err != nil {
		cluster.WriteError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]uint64{"epoch": epoch})
}

func (api *httpAPI) handleSpace(w http.ResponseWriter, _ *http.Request) {
	var out []SpaceInfo
	for _, pool := range api.agent.Pools() {
		space := api.agent.Space(pool)
		out = append(out, SpaceInfo{
			Pool:      pool,
			Used:      space.Used(),
			UsedHuman: humanize.IBytes(space.Used()),
			Threshold: space.Threshold(),
		})
	}
	cluster.WriteJSON(w, http.StatusOK, out)
}

func (api *httpAPI) handleSetSpace(w http.ResponseWriter, r *http.Request) {
	var req SpaceRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.ThresholdPercent <= 0 || req.ThresholdPercent > 100 {
		badRequest(w, fmt.Errorf("%w: threshold_percent must be in 1..100", errBadQuery))
		return
	}
	api.agent.SetThreshold(req.ThresholdPercent)
	w.WriteHeader(http.StatusNoContent)
}
