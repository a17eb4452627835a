package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// tape 记录步骤与补偿的调用顺序.
type tape struct {
	mu    sync.Mutex
	calls []string
}

func (t *tape) add(call string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

func (t *tape) get() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *tape) action(name string, result Data, err error) ActionFunc {
	return func(context.Context, Data) (Data, error) {
		t.add(name)
		return result, err
	}
}

func (t *tape) compensation(name string, err error) CompensateFunc {
	return func(context.Context, Data) error {
		t.add("undo-" + name)
		return err
	}
}

func entryNames(record *Record, status EntryStatus) []string {
	var names []string
	for _, e := range record.Entries(status) {
		names = append(names, e.Step)
	}
	return names
}

type OrchestratorTestSuite struct {
	suite.Suite
	tape  *tape
	store *MemoryStore
	orch  *Orchestrator
}

func (s *OrchestratorTestSuite) SetupTest() {
	s.tape = &tape{}
	s.store = NewMemoryStore()
	s.orch = NewOrchestrator(WithStore(s.store))
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}

func (s *OrchestratorTestSuite) TestCommitted() {
	def := New("order").
		Step("reserve", s.tape.action("reserve", Data{"reservation_id": "R-1", "stage": "reserved"}, nil), s.tape.compensation("reserve", nil)).
		Step("charge", s.tape.action("charge", Data{"payment_id": "P-1", "stage": "charged"}, nil), s.tape.compensation("charge", nil)).
		Step("confirm", s.tape.action("confirm", nil, nil), nil).
		Build()

	data, record, err := s.orch.Execute(context.Background(), def, Data{"order_id": "O-1"})
	s.Require().NoError(err)

	s.Equal(StatusCommitted, record.Status)
	s.Equal([]string{"reserve", "charge", "confirm"}, s.tape.get())
	s.Equal([]string{"reserve", "charge", "confirm"}, entryNames(record, EntryCompleted))
	s.Len(record.Log, 3, "全部成功时每个步骤恰好一条 Completed")
	s.NotNil(record.FinishedAt)
	s.Empty(record.Error)

	s.Equal(Data{
		"order_id":       "O-1",
		"reservation_id": "R-1",
		"payment_id":     "P-1",
		"stage":          "charged",
	}, data, "后执行步骤的同名键覆盖")

	stored, err := s.store.Get(context.Background(), record.ID)
	s.Require().NoError(err)
	s.Equal(StatusCommitted, stored.Status)
}

func (s *OrchestratorTestSuite) TestInitialNotMutated() {
	initial := Data{"order_id": "O-1"}
	def := New("order").
		Step("mutate", func(_ context.Context, data Data) (Data, error) {
			data["order_id"] = "changed"
			return Data{"x": 1}, nil
		}, nil).
		Build()

	data, _, err := s.orch.Execute(context.Background(), def, initial)
	s.Require().NoError(err)
	s.Equal(Data{"order_id": "O-1"}, initial)
	s.Equal("O-1", data.GetString("order_id"), "步骤只拿到副本")
}

func (s *OrchestratorTestSuite) TestReserveChargeConfirm() {
	chargeErr := errors.New("card declined")
	def := New("order").
		Step("Reserve", s.tape.action("Reserve", Data{"reserved": true}, nil), s.tape.compensation("Reserve", nil)).
		Step("Charge", s.tape.action("Charge", nil, chargeErr), s.tape.compensation("Charge", nil)).
		Step("Confirm", s.tape.action("Confirm", nil, nil), s.tape.compensation("Confirm", nil)).
		Build()

	_, record, err := s.orch.Execute(context.Background(), def, nil)

	s.Equal(StatusRolledBack, record.Status)
	s.ErrorIs(err, chargeErr, "原始错误不会被回滚吞掉")
	s.ErrorIs(err, ErrRolledBack)

	var stepErr *StepError
	s.Require().ErrorAs(err, &stepErr)
	s.Equal("Charge", stepErr.Step)

	s.Equal([]string{"Reserve", "Charge", "undo-Reserve"}, s.tape.get())

	s.Require().Len(record.Log, 3)
	s.Equal(LogEntry{Step: "Reserve", Status: EntryCompleted}, LogEntry{Step: record.Log[0].Step, Status: record.Log[0].Status})
	s.Equal(LogEntry{Step: "Charge", Status: EntryFailed}, LogEntry{Step: record.Log[1].Step, Status: record.Log[1].Status})
	s.Equal(LogEntry{Step: "Reserve", Status: EntryCompensationCompleted}, LogEntry{Step: record.Log[2].Step, Status: record.Log[2].Status})
	s.Contains(record.Log[1].Error, "card declined")
	s.Equal([]string{"Reserve"}, entryNames(record, EntryCompleted), "Charge 没有 Completed 条目")
}

func (s *OrchestratorTestSuite) TestCompensationReverseOrder() {
	for k := 1; k <= 5; k++ {
		s.Run(fmt.Sprintf("第%d步失败", k), func() {
			tp := &tape{}
			b := New("chain")
			for i := 1; i <= 5; i++ {
				name := fmt.Sprintf("s%d", i)
				var err error
				if i == k {
					err = errors.New("fail")
				}
				b.Step(name, tp.action(name, Data{name: i}, err), tp.compensation(name, nil))
			}

			_, record, err := s.orch.Execute(context.Background(), b.Build(), nil)
			s.Require().Error(err)
			s.Equal(StatusRolledBack, record.Status)

			var want []string
			for i := k - 1; i >= 1; i-- {
				want = append(want, fmt.Sprintf("s%d", i))
			}
			s.Equal(want, entryNames(record, EntryCompensationCompleted))
			s.Len(record.Entries(EntryFailed), 1)
		})
	}
}

func (s *OrchestratorTestSuite) TestRollbackIncompleteContinues() {
	undoErr := errors.New("refund service down")
	def := New("order").
		Step("a", s.tape.action("a", nil, nil), s.tape.compensation("a", nil)).
		Step("b", s.tape.action("b", nil, nil), s.tape.compensation("b", undoErr)).
		Step("c", s.tape.action("c", nil, nil), s.tape.compensation("c", nil)).
		Step("d", s.tape.action("d", nil, errors.New("boom")), nil).
		Build()

	_, record, err := s.orch.Execute(context.Background(), def, nil)

	s.Equal(StatusRollbackIncomplete, record.Status)
	s.ErrorIs(err, ErrRollbackIncomplete)
	s.ErrorIs(err, undoErr)
	s.NotErrorIs(err, ErrRolledBack)

	s.Equal([]string{"a", "b", "c", "d", "undo-c", "undo-b", "undo-a"}, s.tape.get(), "补偿失败后仍继续补偿更早的步骤")
	s.Equal([]string{"c", "a"}, entryNames(record, EntryCompensationCompleted))
	s.Equal([]string{"b"}, entryNames(record, EntryCompensationFailed))
	s.Contains(record.Error, "refund service down")
}

func (s *OrchestratorTestSuite) TestStepWithoutCompensationSkipped() {
	def := New("order").
		Step("a", s.tape.action("a", nil, nil), s.tape.compensation("a", nil)).
		Step("notify", s.tape.action("notify", nil, nil), nil).
		Step("c", s.tape.action("c", nil, errors.New("boom")), nil).
		Build()

	_, record, err := s.orch.Execute(context.Background(), def, nil)
	s.Require().Error(err)
	s.Equal(StatusRolledBack, record.Status)
	s.Equal([]string{"a"}, entryNames(record, EntryCompensationCompleted))
	s.Len(record.Log, 4)
}

func (s *OrchestratorTestSuite) TestCompensationSeesSnapshotOfItsStep() {
	var seen []Data
	var mu sync.Mutex
	record := func(_ context.Context, data Data) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, data)
		return nil
	}

	def := New("order").
		Step("a", func(context.Context, Data) (Data, error) { return Data{"v": "a"}, nil }, record).
		Step("b", func(context.Context, Data) (Data, error) { return Data{"v": "b", "b": true}, nil }, record).
		Step("c", func(context.Context, Data) (Data, error) { return nil, errors.New("boom") }, nil).
		Build()

	_, _, err := s.orch.Execute(context.Background(), def, Data{"id": 1})
	s.Require().Error(err)
	s.Require().Len(seen, 2)
	s.Equal(Data{"id": 1, "v": "b", "b": true}, seen[0])
	s.Equal(Data{"id": 1, "v": "a"}, seen[1])
}

func (s *OrchestratorTestSuite) TestCompensatedAtMostOnce() {
	counts := make(map[string]int)
	var mu sync.Mutex
	count := func(name string) CompensateFunc {
		return func(context.Context, Data) error {
			mu.Lock()
			defer mu.Unlock()
			counts[name]++
			return errors.New("still failing")
		}
	}

	def := New("order").
		Step("a", s.tape.action("a", nil, nil), count("a")).
		Step("b", s.tape.action("b", nil, nil), count("b")).
		Step("c", s.tape.action("c", nil, errors.New("boom")), count("c")).
		Build()

	_, _, err := s.orch.Execute(context.Background(), def, nil)
	s.ErrorIs(err, ErrRollbackIncomplete)
	s.Equal(map[string]int{"a": 1, "b": 1}, counts, "失败的步骤不补偿，已完成步骤只补偿一次")
}

func (s *OrchestratorTestSuite) TestPanicIsStepFailure() {
	def := New("order").
		Step("a", s.tape.action("a", nil, nil), func(context.Context, Data) error { panic("undo exploded") }).
		Step("b", func(context.Context, Data) (Data, error) { panic("exploded") }, nil).
		Build()

	var record *Record
	var err error
	s.NotPanics(func() {
		_, record, err = s.orch.Execute(context.Background(), def, nil)
	})
	s.ErrorIs(err, ErrStepPanic)
	s.Equal(StatusRollbackIncomplete, record.Status)
	s.Equal([]string{"a"}, entryNames(record, EntryCompensationFailed))
}

func (s *OrchestratorTestSuite) TestCancellationMidStep() {
	ctx, cancel := context.WithCancel(context.Background())
	var stepCtxErr error

	def := New("order").
		Step("a", s.tape.action("a", nil, nil), s.tape.compensation("a", nil)).
		Step("b", func(stepCtx context.Context, _ Data) (Data, error) {
			cancel()
			time.Sleep(10 * time.Millisecond)
			stepCtxErr = stepCtx.Err()
			s.tape.add("b")
			return Data{"b": true}, nil
		}, s.tape.compensation("b", nil)).
		Step("c", s.tape.action("c", nil, nil), s.tape.compensation("c", nil)).
		Build()

	_, record, err := s.orch.Execute(ctx, def, nil)

	s.NoError(stepCtxErr, "进行中的步骤不会被取消")
	s.ErrorIs(err, ErrCancelled)
	s.ErrorIs(err, context.Canceled)
	s.ErrorIs(err, ErrRolledBack)
	s.Equal(StatusRolledBack, record.Status)
	s.Equal([]string{"a", "b", "undo-b", "undo-a"}, s.tape.get(), "已产生副作用的步骤同样补偿")
}

func (s *OrchestratorTestSuite) TestCancellationInLastStep() {
	ctx, cancel := context.WithCancel(context.Background())

	def := New("order").
		Step("a", s.tape.action("a", nil, nil), s.tape.compensation("a", nil)).
		Step("b", func(_ context.Context, _ Data) (Data, error) {
			cancel()
			s.tape.add("b")
			return Data{"b": true}, nil
		}, s.tape.compensation("b", nil)).
		Build()

	_, record, err := s.orch.Execute(ctx, def, nil)

	s.ErrorIs(err, ErrCancelled)
	s.ErrorIs(err, ErrRolledBack)
	s.Equal(StatusRolledBack, record.Status)
	s.Equal([]string{"a", "b", "undo-b", "undo-a"}, s.tape.get(), "最后一步执行中被取消同样回滚")
}

func (s *OrchestratorTestSuite) TestCancelledBeforeStart() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	def := New("order").Step("a", s.tape.action("a", nil, nil), nil).Build()
	_, record, err := s.orch.Execute(ctx, def, nil)

	s.ErrorIs(err, ErrCancelled)
	s.Equal(StatusRolledBack, record.Status)
	s.Empty(s.tape.get())
	s.Empty(record.Log)
}

func (s *OrchestratorTestSuite) TestStepTimeout() {
	orch := NewOrchestrator(WithStepTimeout(20 * time.Millisecond))
	def := New("order").
		Step("slow", func(ctx context.Context, _ Data) (Data, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil).
		Build()

	_, record, err := orch.Execute(context.Background(), def, nil)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(StatusRolledBack, record.Status)
}

func (s *OrchestratorTestSuite) TestHooksAndExporter() {
	var (
		steps    []string
		comps    []string
		finished []*Record
		exported []*Record
	)
	orch := NewOrchestrator(
		WithIDGenerator(func() string { return "exec-1" }),
		WithStepHook(func(saga, step string, err error, _ time.Duration) {
			steps = append(steps, fmt.Sprintf("%s/%s/%v", saga, step, err != nil))
		}),
		WithCompensationHook(func(_, step string, err error, _ time.Duration) {
			comps = append(comps, fmt.Sprintf("%s/%v", step, err != nil))
		}),
		WithFinishHook(func(record *Record) { finished = append(finished, record) }),
		WithExporter(ExporterFunc(func(_ context.Context, record *Record) error {
			exported = append(exported, record)
			return errors.New("kafka unavailable")
		})),
	)

	def := New("order").
		Step("a", s.tape.action("a", nil, nil), s.tape.compensation("a", nil)).
		Step("b", s.tape.action("b", nil, errors.New("boom")), nil).
		Build()

	_, record, err := orch.Execute(context.Background(), def, nil)
	s.ErrorIs(err, ErrRolledBack, "导出失败不影响执行结果")
	s.Equal("exec-1", record.ID)

	s.Equal([]string{"order/a/false", "order/b/true"}, steps)
	s.Equal([]string{"a/false"}, comps)
	s.Require().Len(finished, 1)
	s.Require().Len(exported, 1)
	s.Equal(StatusRolledBack, finished[0].Status)
	s.Equal(StatusRolledBack, exported[0].Status)
	s.True(exported[0].Status.IsTerminal())
}

func (s *OrchestratorTestSuite) TestConcurrentExecutions() {
	def := New("order").
		Step("a", func(_ context.Context, data Data) (Data, error) {
			return Data{"seen": data.GetInt("n")}, nil
		}, nil).
		Step("b", func(_ context.Context, data Data) (Data, error) {
			if data.GetInt("n")%2 == 1 {
				return nil, errors.New("odd")
			}
			return nil, nil
		}, nil).
		Build()

	const n = 20
	var wg sync.WaitGroup
	results := make([]Data, n)
	records := make([]*Record, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], records[i], _ = s.orch.Execute(context.Background(), def, Data{"n": i})
		}()
	}
	wg.Wait()

	ids := make(map[string]struct{})
	for i := 0; i < n; i++ {
		s.Equal(i, results[i].GetInt("seen"))
		if i%2 == 1 {
			s.Equal(StatusRolledBack, records[i].Status)
		} else {
			s.Equal(StatusCommitted, records[i].Status)
		}
		ids[records[i].ID] = struct{}{}
	}
	s.Len(ids, n, "每次执行生成新的执行 ID")

	committed, err := s.store.List(context.Background(), StatusCommitted, 0)
	s.Require().NoError(err)
	s.Len(committed, n/2)
}

func (s *OrchestratorTestSuite) TestTracing() {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	orch := NewOrchestrator(WithTracerProvider(tp))
	def := New("order").
		Step("a", s.tape.action("a", nil, nil), s.tape.compensation("a", nil)).
		Step("b", s.tape.action("b", nil, errors.New("boom")), nil).
		Build()

	_, _, err := orch.Execute(context.Background(), def, nil)
	s.Require().Error(err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	s.ElementsMatch([]string{
		"saga.step a",
		"saga.step b",
		"saga.compensate a",
		"saga.execute order",
	}, names)
}

func TestBuild_FailFast(t *testing.T) {
	noop := func(context.Context, Data) (Data, error) { return nil, nil }

	assert.PanicsWithError(t, "saga: 没有定义步骤: empty", func() { New("empty").Build() })

	assert.Panics(t, func() {
		New("dup").Step("a", noop, nil).Step("a", noop, nil).Build()
	})
	assert.Panics(t, func() { New("nil").Step("a", nil, nil).Build() })
	assert.Panics(t, func() { New("unnamed").Step("", noop, nil).Build() })

	_, err := New("dup").Step("a", noop, nil).Step("a", noop, nil).build()
	assert.ErrorIs(t, err, ErrDuplicateStep)

	assert.PanicsWithValue(t, ErrNoSteps, func() {
		_, _, _ = NewOrchestrator().Execute(context.Background(), nil, nil)
	})
}

func TestDefinition_Immutable(t *testing.T) {
	noop := func(context.Context, Data) (Data, error) { return nil, nil }
	b := New("order").Step("a", noop, nil)
	def := b.Build()
	b.Step("b", noop, nil)

	assert.Equal(t, 1, def.Len())
	steps := def.Steps()
	steps[0].Name = "changed"
	assert.Equal(t, "a", def.Steps()[0].Name)
	assert.Equal(t, "order", def.Name())
}

func TestRecord_Export(t *testing.T) {
	orch := NewOrchestrator(WithIDGenerator(func() string { return "exec-42" }))
	def := New("order").
		Step("reserve", func(context.Context, Data) (Data, error) { return Data{"sku": "A-1"}, nil }, nil).
		Build()

	_, record, err := orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	raw, err := record.Export()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"execution_id":"exec-42"`)
	assert.Contains(t, string(raw), `"status":"committed"`)
	assert.Contains(t, string(raw), `"step":"reserve"`)

	parsed, err := ParseRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, record.ID, parsed.ID)
	assert.Equal(t, record.Status, parsed.Status)
	require.Len(t, parsed.Log, 1)
	assert.Equal(t, "A-1", parsed.Log[0].Snapshot.GetString("sku"))
}

func TestData(t *testing.T) {
	d := Data{"s": "x", "i": 3, "f": float64(7), "b": true}
	assert.Equal(t, "x", d.GetString("s"))
	assert.Equal(t, "", d.GetString("i"))
	assert.Equal(t, 3, d.GetInt("i"))
	assert.Equal(t, int64(7), d.GetInt64("f"))
	assert.True(t, d.GetBool("b"))
	assert.Equal(t, []string{"b", "f", "i", "s"}, d.Keys())

	merged := d.Merge(Data{"s": "y"})
	assert.Equal(t, "y", merged.GetString("s"))
	assert.Equal(t, "x", d.GetString("s"), "Merge 不修改原值")

	var empty Data
	assert.Equal(t, Data{"a": 1}, empty.Merge(Data{"a": 1}))
	assert.NotNil(t, empty.Clone())
}
