package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/poolsvc"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var httpClient = &http.Client{Timeout: 5 * time.Second}

// Route paths shared by servers and clients.
const (
	PathHealth      = "/health"
	PathScanStart   = "/rebuild/scan"
	PathPullStart   = "/rebuild/pull"
	PathAbort       = "/rebuild/abort"
	PathReclaim     = "/rebuild/reclaim"
	PathSendObjects = "/rebuild/objects"
	PathFetch       = "/rebuild/fetch"
	PathScanDone    = "/rebuild/scan-done"
	PathPullDone    = "/rebuild/pull-done"
	PathFaults      = "/faults"
)

// HTTPError is a non-2xx answer. Unwrap maps well-known status codes back
// to the sentinel errors they were produced from.
type HTTPError struct {
	URL     string
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %s: %d %s", e.URL, e.Code, e.Message)
}

func (e *HTTPError) Unwrap() error {
	switch e.Code {
	case http.StatusMisdirectedRequest:
		return rdb.ErrNotLeader
	case http.StatusConflict:
		return poolsvc.ErrBusy
	case http.StatusNotFound:
		return rdb.ErrPoolNotFound
	case http.StatusInsufficientStorage:
		return storage.ErrOutOfSpace
	case http.StatusServiceUnavailable:
		return ErrUnreachable
	}
	return nil
}

// StatusFor chooses the HTTP status for err.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, rdb.ErrNotLeader):
		return http.StatusMisdirectedRequest
	case errors.Is(err, poolsvc.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, rdb.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrOutOfSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, fault.ErrUnknownPoint), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes err as an ErrorResponse with the status from StatusFor.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), ErrorResponse{Error: err.Error()})
}

// ReadJSON decodes a request body into v.
func ReadJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func decodeError(url string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er ErrorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return &HTTPError{URL: url, Code: resp.StatusCode, Message: msg}
}

// PostJSON sends body as JSON and decodes the answer into out when non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the answer into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// handle decodes a request of type T, calls fn and writes the result.
func handle[T any](fn func(context.Context, T) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := ReadJSON(r, &req); err != nil {
			WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		out, err := fn(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		if out == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func noBody[T any](fn func(context.Context, T) error) func(context.Context, T) (any, error) {
	return func(ctx context.Context, req T) (any, error) {
		return nil, fn(ctx, req)
	}
}

// RegisterTargetRoutes mounts the target control surface on r.
func RegisterTargetRoutes(r *mux.Router, h TargetHandler) {
	r.HandleFunc(PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc(PathScanStart, handle(noBody(h.HandleScanStart))).Methods(http.MethodPost)
	r.HandleFunc(PathPullStart, handle(noBody(h.HandlePullStart))).Methods(http.MethodPost)
	r.HandleFunc(PathAbort, handle(noBody(h.HandleAbort))).Methods(http.MethodPost)
	r.HandleFunc(PathReclaim, handle(noBody(h.HandleReclaim))).Methods(http.MethodPost)
	r.HandleFunc(PathSendObjects, handle(noBody(h.HandleSendObjects))).Methods(http.MethodPost)
	r.HandleFunc(PathFetch, handle(func(ctx context.Context, req FetchRequest) (any, error) {
		resp, err := h.HandleFetch(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})).Methods(http.MethodPost)
}

// RegisterReportRoutes mounts the report endpoints on r.
func RegisterReportRoutes(r *mux.Router, h ReportHandler) {
	r.HandleFunc(PathScanDone, handle(noBody(h.HandleScanDone))).Methods(http.MethodPost)
	r.HandleFunc(PathPullDone, handle(noBody(h.HandlePullDone))).Methods(http.MethodPost)
}

var errBadRequest = errors.New("bad request")

// ApplyFault turns a FaultRequest into an injector setting.
func ApplyFault(in *fault.Injector, req FaultRequest) error {
	s := fault.Setting{Mode: fault.Mode(req.Mode)}
	switch s.Mode {
	case "", fault.Off, fault.Once, fault.Persistent:
	default:
		return fmt.Errorf("%w: mode %q", errBadRequest, req.Mode)
	}
	if req.Value != nil {
		s.Value, s.HasValue = *req.Value, true
	}
	return in.Set(fault.Point(req.Point), s)
}

// RegisterFaultRoutes exposes an injector: POST sets or clears a point,
// GET lists the active ones, DELETE clears them all.
func RegisterFaultRoutes(r *mux.Router, in *fault.Injector) {
	r.HandleFunc(PathFaults, handle(func(_ context.Context, req FaultRequest) (any, error) {
		return nil, ApplyFault(in, req)
	})).Methods(http.MethodPost)
	r.HandleFunc(PathFaults, func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, in.Active())
	}).Methods(http.MethodGet)
	r.HandleFunc(PathFaults, func(w http.ResponseWriter, _ *http.Request) {
		in.Reset()
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}

// Resolver maps a rank to its base URL.
type Resolver func(rank poolmap.Rank) (string, error)

// StaticResolver resolves ranks from a fixed table of base URLs.
func StaticResolver(urls map[uint32]string) Resolver {
	return func(rank poolmap.Rank) (string, error) {
		base, ok := urls[uint32(rank)]
		if !ok {
			return "", fmt.Errorf("no address for %s", rank)
		}
		return base, nil
	}
}

// HTTPTargetClient calls targets over HTTP.
type HTTPTargetClient struct {
	Resolve Resolver
}

var _ TargetClient = (*HTTPTargetClient)(nil)

func (c *HTTPTargetClient) post(ctx context.Context, rank poolmap.Rank, path string, body, out any) error {
	base, err := c.Resolve(rank)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return PostJSON(ctx, base+path, body, out)
}

func (c *HTTPTargetClient) ScanStart(ctx context.Context, rank poolmap.Rank, req ScanStart) error {
	return c.post(ctx, rank, PathScanStart, req, nil)
}

func (c *HTTPTargetClient) PullStart(ctx context.Context, rank poolmap.Rank, req PullStart) error {
	return c.post(ctx, rank, PathPullStart, req, nil)
}

func (c *HTTPTargetClient) Abort(ctx context.Context, rank poolmap.Rank, req Abort) error {
	return c.post(ctx, rank, PathAbort, req, nil)
}

func (c *HTTPTargetClient) Reclaim(ctx context.Context, rank poolmap.Rank, req Reclaim) error {
	return c.post(ctx, rank, PathReclaim, req, nil)
}

func (c *HTTPTargetClient) SendObjects(ctx context.Context, rank poolmap.Rank, req SendObjects) error {
	return c.post(ctx, rank, PathSendObjects, req, nil)
}

func (c *HTTPTargetClient) Fetch(ctx context.Context, rank poolmap.Rank, req FetchRequest) (FetchResponse, error) {
	var resp FetchResponse
	err := c.post(ctx, rank, PathFetch, req, &resp)
	return resp, err
}

func (c *HTTPTargetClient) Ping(ctx context.Context, rank poolmap.Rank) error {
	base, err := c.Resolve(rank)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return GetJSON(ctx, base+PathHealth, nil)
}

// HTTPReporter posts reports to the coordinator replicas, remembering the
// last one that accepted so the leader is tried first.
type HTTPReporter struct {
	mu    sync.Mutex
	addrs []string
	last  int
}

var _ Reporter = (*HTTPReporter)(nil)

// NewHTTPReporter returns a reporter over the given coordinator base URLs.
func NewHTTPReporter(addrs []string) *HTTPReporter {
	return &HTTPReporter{addrs: addrs}
}

func (r *HTTPReporter) send(ctx context.Context, path string, body any) error {
	r.mu.Lock()
	start, n := r.last, len(r.addrs)
	r.mu.Unlock()
	if n == 0 {
		return fmt.Errorf("%w: no coordinator addresses", ErrUnreachable)
	}
	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		err := PostJSON(ctx, r.addrs[idx]+path, body, nil)
		if err == nil {
			r.mu.Lock()
			r.last = idx
			r.mu.Unlock()
			return nil
		}
		lastErr = err
		if !errors.Is(err, rdb.ErrNotLeader) && !errors.Is(err, ErrUnreachable) {
			return err
		}
	}
	return lastErr
}

func (r *HTTPReporter) ScanDone(ctx context.Context, rep ScanDone) error {
	return r.send(ctx, PathScanDone, rep)
}

func (r *HTTPReporter) PullDone(ctx context.Context, rep PullDone) error {
	return r.send(ctx, PathPullDone, rep)
}
