package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/recovery"
	"github.com/Tsukikage7/orchestrator/registry"
	"github.com/Tsukikage7/orchestrator/saga"
	"github.com/Tsukikage7/orchestrator/tracing"
)

// RegisterRequest 注册请求体.
type RegisterRequest struct {
	// ID 为空时由注册表生成
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Address string `json:"address"`
	// TTL 使用 time.ParseDuration 格式，如 "30s"，为空使用默认值
	TTL string `json:"ttl,omitempty"`
}

// RegisterResponse 注册响应体.
type RegisterResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler 返回管理端 HTTP 处理器.
//
// 包含 /healthz、/readyz、指标路径以及 /v1 下的实例管理与执行记录查询接口.
func (cp *ControlPlane) Handler() http.Handler {
	mux := http.NewServeMux()
	cp.readiness.RegisterRoutes(mux)
	if cp.metrics != nil {
		mux.Handle(cp.metrics.GetPath(), cp.metrics.GetHandler())
	}

	mux.HandleFunc("POST /v1/instances", cp.handleRegister)
	mux.HandleFunc("PUT /v1/instances/{id}/heartbeat", cp.handleHeartbeat)
	mux.HandleFunc("POST /v1/instances/{id}/drain", cp.handleDrain)
	mux.HandleFunc("DELETE /v1/instances/{id}", cp.handleUnregister)
	mux.HandleFunc("GET /v1/instances/{id}", cp.handleGetInstance)
	mux.HandleFunc("GET /v1/services", cp.handleServices)
	mux.HandleFunc("GET /v1/services/{name}/instances", cp.handleInstances)
	mux.HandleFunc("GET /v1/sagas", cp.handleListSagas)
	mux.HandleFunc("GET /v1/sagas/{id}", cp.handleGetSaga)

	var h http.Handler = mux
	h = recovery.Middleware(recovery.WithLogger(cp.log))(h)
	h = tracing.Middleware(cp.cfg.Name, tracing.WithTracerProvider(cp.tracer))(h)
	return h
}

func (cp *ControlPlane) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "无效的请求体: " + err.Error()})
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "无效的 ttl: " + req.TTL})
			return
		}
		ttl = d
	}

	var (
		id  string
		err error
	)
	if req.ID != "" {
		id, err = cp.registry.RegisterWithID(req.ID, req.Name, req.Address, ttl)
	} else {
		id, err = cp.registry.Register(req.Name, req.Address, ttl)
	}
	if err != nil {
		cp.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{ID: id})
}

func (cp *ControlPlane) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := cp.registry.Heartbeat(r.PathValue("id")); err != nil {
		cp.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cp *ControlPlane) handleDrain(w http.ResponseWriter, r *http.Request) {
	if err := cp.registry.Drain(r.PathValue("id")); err != nil {
		cp.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cp *ControlPlane) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := cp.registry.Unregister(r.PathValue("id")); err != nil {
		cp.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cp *ControlPlane) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := cp.registry.Get(r.PathValue("id"))
	if err != nil {
		cp.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (cp *ControlPlane) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cp.registry.Services())
}

// handleInstances 默认只返回健康实例，?all=true 返回全部.
func (cp *ControlPlane) handleInstances(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var instances []registry.ServiceInstance
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		instances = cp.registry.Instances(name)
	} else {
		instances = cp.registry.GetHealthyInstances(name)
	}
	if instances == nil {
		instances = []registry.ServiceInstance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (cp *ControlPlane) handleListSagas(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status := saga.Status(query.Get("status"))
	if status == "" {
		status = saga.StatusRollbackIncomplete
	}

	limit := 0
	if s := query.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "无效的 limit: " + s})
			return
		}
		limit = n
	}

	records, err := cp.store.List(r.Context(), status, limit)
	if err != nil {
		cp.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*saga.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (cp *ControlPlane) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	record, err := cp.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		cp.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (cp *ControlPlane) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrInstanceNotFound), errors.Is(err, saga.ErrRecordNotFound):
		code = http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidAddress),
		errors.Is(err, registry.ErrEmptyName),
		errors.Is(err, registry.ErrEmptyID):
		code = http.StatusBadRequest
	}

	if code == http.StatusInternalServerError {
		cp.log.WithContext(r.Context()).With(
			logger.String("path", r.URL.Path),
			logger.Err(err),
		).Error("[ControlPlane] 请求处理失败")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
