package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// 控制平面自身的健康检查路径.
const (
	LivenessPath  = "/healthz"
	ReadinessPath = "/readyz"
)

// Check 单项就绪检查，返回 nil 表示就绪.
type Check func(ctx context.Context) error

// Pinger 实现了 Ping 方法的依赖，如 saga 存储.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck 将 Pinger 适配为 Check.
func PingCheck(p Pinger) Check {
	return p.Ping
}

// MonitorCheck 监测器未运行时不就绪.
func MonitorCheck(m *Monitor) Check {
	return func(context.Context) error {
		if !m.Running() {
			return ErrMonitorNotRunning
		}
		return nil
	}
}

// CheckResult 单项检查结果.
type CheckResult struct {
	Ready    bool   `json:"ready"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Report 就绪检查报告.
type Report struct {
	Ready     bool                   `json:"ready"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Readiness 控制平面就绪检查.
type Readiness struct {
	timeout time.Duration

	mu     sync.RWMutex
	names  []string
	checks map[string]Check
}

// NewReadiness 创建就绪检查，timeout 为整体检查超时.
func NewReadiness(timeout time.Duration) *Readiness {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Readiness{
		timeout: timeout,
		checks:  make(map[string]Check),
	}
}

// Add 添加检查项，同名检查项会被替换.
func (r *Readiness) Add(name string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// Check 并发执行全部检查项.
func (r *Readiness) Check(ctx context.Context) Report {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = r.checks[name]
	}
	r.mu.RUnlock()

	report := Report{Ready: true, Timestamp: time.Now()}
	if len(names) == 0 {
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make([]CheckResult, len(names))
	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			start := time.Now()
			err := checks[i](ctx)
			results[i] = CheckResult{Ready: err == nil, Duration: time.Since(start).String()}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Checks = make(map[string]CheckResult, len(names))
	for i, name := range names {
		report.Checks[name] = results[i]
		report.Ready = report.Ready && results[i].Ready
	}
	return report
}

// RegisterRoutes 注册 /healthz 与 /readyz.
//
// /healthz 只要进程能响应即返回 200，/readyz 全部检查通过才返回 200.
func (r *Readiness) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(LivenessPath, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeReport(w, Report{Ready: true, Timestamp: time.Now()})
	})
	mux.HandleFunc(ReadinessPath, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeReport(w, r.Check(req.Context()))
	})
}

func writeReport(w http.ResponseWriter, report Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	code := http.StatusOK
	if !report.Ready {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
