// Package server exposes the capping engine over HTTP: Prometheus metrics,
// health, CBOR status snapshots, and the external limit, ceiling and fault
// inputs of every board.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrlMetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/nvmexp/lw-firmware-sub145/internal/arbiter"
	"github.com/nvmexp/lw-firmware-sub145/internal/capping"
	"github.com/nvmexp/lw-firmware-sub145/internal/perf"
	"github.com/nvmexp/lw-firmware-sub145/internal/policy"
	"github.com/nvmexp/lw-firmware-sub145/internal/status"
	"github.com/nvmexp/lw-firmware-sub145/pkg/util"
)

const (
	cborContentType = "application/cbor"
	textContentType = "text/plain; charset=utf-8"
)

// Boards is the part of capping.CappingManager the server needs.
type Boards interface {
	Snapshots() []status.Snapshot
	State(board string) (*capping.PowerManagerState, bool)
}

type handler struct {
	boards Boards
	log    logr.Logger
}

// NewHandler routes:
//
//	GET    /metrics                        Prometheus metrics
//	GET    /healthz                        liveness
//	GET    /status[?format=diag]           CBOR snapshots of every board
//	PUT    /boards/{board}/policies/{policy}/limits/{client}?mW=
//	DELETE /boards/{board}/policies/{policy}/limits/{client}
//	PUT    /boards/{board}/ceilings/{client}?pstate=&graphicsKHz=
//	DELETE /boards/{board}/ceilings/{client}
//	PUT    /boards/{board}/fault?asserted=
func NewHandler(boards Boards, log logr.Logger) http.Handler {
	h := &handler{boards: boards, log: log}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(ctrlMetrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", http.StripPrefix("/healthz", &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}))
	mux.HandleFunc("GET /status", h.getStatus)
	mux.HandleFunc("PUT /boards/{board}/policies/{policy}/limits/{client}", h.setLimit)
	mux.HandleFunc("DELETE /boards/{board}/policies/{policy}/limits/{client}", h.clearLimit)
	mux.HandleFunc("PUT /boards/{board}/ceilings/{client}", h.setCeiling)
	mux.HandleFunc("DELETE /boards/{board}/ceilings/{client}", h.clearCeiling)
	mux.HandleFunc("PUT /boards/{board}/fault", h.setFault)
	return mux
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := status.Write(&buf, h.boards.Snapshots()); err != nil {
		h.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "diag" {
		diag, err := status.Diagnose(buf.Bytes())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", textContentType)
		_, _ = w.Write([]byte(diag))
		return
	}
	w.Header().Set("Content-Type", cborContentType)
	_, _ = w.Write(buf.Bytes())
}

func (h *handler) policyInputs(r *http.Request) (*policy.LimitInputs, policy.LimitClient, error) {
	state, err := h.state(r)
	if err != nil {
		return nil, 0, err
	}
	p, found := state.Policy(r.PathValue("policy"))
	if !found {
		return nil, 0, fmt.Errorf("policy %q: %w", r.PathValue("policy"), errNotFound)
	}
	client, err := policy.ParseLimitClient(r.PathValue("client"))
	if err != nil {
		return nil, 0, err
	}
	return p.Inputs(), client, nil
}

func (h *handler) setLimit(w http.ResponseWriter, r *http.Request) {
	inputs, client, err := h.policyInputs(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	mW, err := parseUint32(r, "mW")
	if err == nil && mW == perf.LimitDisabled {
		err = fmt.Errorf("mW is required: %w", util.ErrInvalidArgument)
	}
	if err == nil {
		err = inputs.Set(client, mW)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.V(4).Info("limit requested", "board", r.PathValue("board"), "policy", r.PathValue("policy"),
		"client", client.String(), "mW", mW)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) clearLimit(w http.ResponseWriter, r *http.Request) {
	inputs, client, err := h.policyInputs(r)
	if err == nil {
		err = inputs.Clear(client)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.V(4).Info("limit cleared", "board", r.PathValue("board"), "policy", r.PathValue("policy"),
		"client", client.String())
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) requestCeiling(w http.ResponseWriter, r *http.Request, ceiling perf.DomainGroupLimits) {
	state, err := h.state(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	client, err := arbiter.ParseClientID(r.PathValue("client"))
	if err == nil {
		err = state.Arbiter().Registry().Request(client, ceiling)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.V(4).Info("ceiling requested", "board", state.Board(), "client", client.String(),
		"ceiling", ceiling.String())
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setCeiling(w http.ResponseWriter, r *http.Request) {
	pstate, err := parseUint32(r, "pstate")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	graphics, err := parseUint32(r, "graphicsKHz")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.requestCeiling(w, r, perf.NewLimits(pstate, graphics))
}

func (h *handler) clearCeiling(w http.ResponseWriter, r *http.Request) {
	h.requestCeiling(w, r, perf.Disabled())
}

func (h *handler) setFault(w http.ResponseWriter, r *http.Request) {
	state, err := h.state(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	asserted, err := strconv.ParseBool(r.URL.Query().Get("asserted"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("asserted: %w: %w", err, util.ErrInvalidArgument))
		return
	}
	state.Arbiter().SetFault(asserted)
	h.log.Info("fault input changed", "board", state.Board(), "asserted", asserted)
	w.WriteHeader(http.StatusNoContent)
}

var errNotFound = errors.New("not found")

func (h *handler) state(r *http.Request) (*capping.PowerManagerState, error) {
	board := r.PathValue("board")
	state, found := h.boards.State(board)
	if !found {
		return nil, fmt.Errorf("board %q: %w", board, errNotFound)
	}
	return state, nil
}

// parseUint32 reads an optional query parameter. A missing parameter is
// perf.LimitDisabled.
func parseUint32(r *http.Request, key string) (uint32, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return perf.LimitDisabled, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", key, err, util.ErrInvalidArgument)
	}
	return uint32(v), nil
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errNotFound):
		code = http.StatusNotFound
	case errors.Is(err, util.ErrInvalidArgument), errors.Is(err, util.ErrInvalidState):
		code = http.StatusBadRequest
	}
	h.log.V(4).Info("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err.Error())
	http.Error(w, err.Error(), code)
}
