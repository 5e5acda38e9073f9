package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/coordinator"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/metrics"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/poolsvc"
	"github.com/dreamware/rebuildd/internal/rdb"
)

// CreatePoolRequest creates a pool. Without Ranks the pool spans every
// configured target.
type CreatePoolRequest struct {
	Name  string   `json:"name"`
	Ranks []uint32 `json:"ranks,omitempty"`
}

// LeaderResponse describes which replica leads the pool service.
type LeaderResponse struct {
	ID          string `json:"id"`
	Leader      string `json:"leader"`
	Leading     bool   `json:"leading"`
	Incarnation uint64 `json:"incarnation"`
}

// FaultResult is the outcome of forwarding a fault change to one target.
type FaultResult struct {
	Rank uint32 `json:"rank"`
	Err  string `json:"err,omitempty"`
}

// FaultResponse answers a fault change.
type FaultResponse struct {
	SentTo  int           `json:"sent_to"`
	Results []FaultResult `json:"results"`
}

var errBadRequest = errors.New("bad request")

type server struct {
	id      string
	svc     *poolsvc.Service
	coord   *coordinator.Coordinator
	faults  *fault.Injector
	targets map[uint32]string
	log     logr.Logger
}

func newServer(id string, svc *poolsvc.Service, coord *coordinator.Coordinator, faults *fault.Injector, targets map[uint32]string, log logr.Logger) *server {
	return &server{id: id, svc: svc, coord: coord, faults: faults, targets: targets, log: log.WithName("api")}
}

func (s *server) routes(m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(cluster.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/leader", s.handleLeader).Methods(http.MethodGet)
	r.HandleFunc("/pools", s.handleListPools).Methods(http.MethodGet)
	r.HandleFunc("/pools", s.handleCreatePool).Methods(http.MethodPost)
	r.HandleFunc("/pools/{pool}", s.handleGetPool).Methods(http.MethodGet)
	r.HandleFunc("/pools/{pool}", s.handleDestroyPool).Methods(http.MethodDelete)
	r.HandleFunc("/pools/{pool}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/pools/{pool}/abort", s.handleAbort).Methods(http.MethodPost)
	r.HandleFunc("/pools/{pool}/targets/{rank}/exclude", s.handleExclude).Methods(http.MethodPost)
	r.HandleFunc("/pools/{pool}/targets/{rank}/add", s.handleAdd).Methods(http.MethodPost)
	r.HandleFunc(cluster.PathFaults, s.handleSetFault).Methods(http.MethodPost)
	r.HandleFunc(cluster.PathFaults, func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, s.faults.Active())
	}).Methods(http.MethodGet)
	r.HandleFunc(cluster.PathFaults, s.handleResetFaults).Methods(http.MethodDelete)
	cluster.RegisterReportRoutes(r, s.coord)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}
	return r
}

func (s *server) handleLeader(w http.ResponseWriter, _ *http.Request) {
	leading, inc := s.coord.Leading()
	cluster.WriteJSON(w, http.StatusOK, LeaderResponse{
		ID:          s.id,
		Leader:      s.svc.Leader(),
		Leading:     leading,
		Incarnation: inc,
	})
}

func (s *server) handleListPools(w http.ResponseWriter, _ *http.Request) {
	state := s.svc.Store().State()
	out := make([]poolsvc.StatusResponse, 0, len(state.Pools))
	for name := range state.Pools {
		st, err := s.svc.Status(name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	cluster.WriteJSON(w, http.StatusOK, out)
}

func (s *server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteJSON(w, http.StatusBadRequest, cluster.ErrorResponse{Error: "bad json"})
		return
	}
	targets, err := s.poolTargets(req)
	if err != nil {
		cluster.WriteJSON(w, http.StatusBadRequest, cluster.ErrorResponse{Error: err.Error()})
		return
	}
	m, err := s.svc.CreatePool(r.Context(), req.Name, targets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusCreated, m)
}

func (s *server) poolTargets(req CreatePoolRequest) ([]poolmap.Target, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: missing pool name", errBadRequest)
	}
	ranks := req.Ranks
	if len(ranks) == 0 {
		for rank := range s.targets {
			ranks = append(ranks, rank)
		}
		sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })
	}
	if len(ranks) == 0 {
		return nil, fmt.Errorf("%w: no ranks given and no targets configured", errBadRequest)
	}
	targets := make([]poolmap.Target, 0, len(ranks))
	for _, rank := range ranks {
		targets = append(targets, poolmap.Target{Rank: poolmap.Rank(rank), Addr: s.targets[rank]})
	}
	return targets, nil
}

func (s *server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Pool(mux.Vars(r)["pool"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, p)
}

func (s *server) handleDestroyPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pool"]
	if err := s.svc.DestroyPool(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(mux.Vars(r)["pool"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, st)
}

// handleAbort stops the running rebuild. Only the leading replica can.
func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pool"]
	if err := s.coord.Abort(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("rebuild aborted by operator", "pool", name)
	st, err := s.svc.Status(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, st)
}

func (s *server) handleExclude(w http.ResponseWriter, r *http.Request) {
	s.updateTarget(w, r, s.svc.ExcludeTarget)
}

func (s *server) handleAdd(w http.ResponseWriter, r *http.Request) {
	s.updateTarget(w, r, s.svc.AddTarget)
}

func (s *server) updateTarget(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, poolmap.Rank) (*poolmap.Map, error)) {
	vars := mux.Vars(r)
	rank, err := strconv.ParseUint(vars["rank"], 10, 32)
	if err != nil {
		cluster.WriteJSON(w, http.StatusBadRequest, cluster.ErrorResponse{Error: "bad rank"})
		return
	}
	m, err := fn(r.Context(), vars["pool"], poolmap.Rank(rank))
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, m)
}

// handleSetFault applies a fault to this replica and forwards it to every
// configured target, so a point fires wherever its hook lives.
func (s *server) handleSetFault(w http.ResponseWriter, r *http.Request) {
	var req cluster.FaultRequest
	if err := cluster.ReadJSON(r, &req); err != nil {
		cluster.WriteJSON(w, http.StatusBadRequest, cluster.ErrorResponse{Error: "bad json"})
		return
	}
	if err := cluster.ApplyFault(s.faults, req); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("fault set", "point", req.Point, "mode", req.Mode)
	cluster.WriteJSON(w, http.StatusOK, s.broadcast(r.Context(), func(ctx context.Context, base string) error {
		return cluster.PostJSON(ctx, base+cluster.PathFaults, req, nil)
	}))
}

func (s *server) handleResetFaults(w http.ResponseWriter, r *http.Request) {
	s.faults.Reset()
	cluster.WriteJSON(w, http.StatusOK, s.broadcast(r.Context(), func(ctx context.Context, base string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, base+cluster.PathFaults, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("delete faults: %s", resp.Status)
		}
		return nil
	}))
}

func (s *server) broadcast(ctx context.Context, send func(context.Context, string) error) FaultResponse {
	ranks := make([]uint32, 0, len(s.targets))
	for rank := range s.targets {
		ranks = append(ranks, rank)
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })

	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	out := FaultResponse{SentTo: len(ranks), Results: make([]FaultResult, 0, len(ranks))}
	for _, rank := range ranks {
		res := FaultResult{Rank: rank}
		if err := send(ctx, s.targets[rank]); err != nil {
			res.Err = err.Error()
			s.log.V(1).Info("fault not forwarded", "rank", rank, "err", err.Error())
		}
		out.Results = append(out.Results, res)
	}
	return out
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNoActiveTask):
		cluster.WriteJSON(w, http.StatusConflict, cluster.ErrorResponse{Error: err.Error()})
		return
	case errors.Is(err, rdb.ErrNotLeader):
		// Tell the caller where to go instead.
		if leader := s.svc.Leader(); leader != "" {
			w.Header().Set("X-Leader", leader)
		}
	case cluster.StatusFor(err) == http.StatusInternalServerError:
		s.log.Error(err, "request failed")
	}
	cluster.WriteError(w, err)
}
