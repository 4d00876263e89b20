package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/gate"
	"github.com/aretw0/espalier/pkg/service"
)

// noop returns a stage that records one call to svc and writes nothing else.
func noop(svc string) domain.Stage {
	return domain.StageFunc(func(ctx context.Context, s *domain.RunState, fb domain.Feedback) (domain.Result, error) {
		service.TallyFrom(ctx).Record(svc)
		return domain.Result{}, nil
	})
}

func always(passed bool) gate.Gate {
	return gate.Func(func(ctx context.Context, c gate.Candidate) (domain.Evaluation, error) {
		if passed {
			return gate.Pass(), nil
		}
		return gate.Reject("write more", "too short"), nil
	})
}

func mustGraph(t *testing.T, entry domain.StageName, stages []runtime.StageSpec, edges []runtime.Edge) *runtime.Graph {
	t.Helper()
	g, err := runtime.NewGraph(entry, stages, edges)
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	return g
}

func linear(names ...domain.StageName) []runtime.Edge {
	var edges []runtime.Edge
	for i, n := range names {
		next := domain.Terminated
		if i+1 < len(names) {
			next = names[i+1]
		}
		edges = append(edges, runtime.Edge{From: n, Targets: []domain.StageName{next}})
	}
	return edges
}

func TestEngine_LinearRun(t *testing.T) {
	g := mustGraph(t, "a", []runtime.StageSpec{
		{Name: "a", Stage: noop("text")},
		{Name: "b", Stage: noop("search")},
	}, linear("a", "b"))

	state, err := runtime.NewEngine(g).Start(context.Background(), "run-1", domain.Update{Topic: domain.Ptr("tides")})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if state.Status != domain.StatusTerminated || state.CurrentStage != domain.Terminated {
		t.Errorf("expected terminated run, got status=%s stage=%s", state.Status, state.CurrentStage)
	}
	if want := []domain.StageName{"a", "b"}; !reflect.DeepEqual(state.History, want) {
		t.Errorf("history = %v, want %v", state.History, want)
	}
	if state.Topic != "tides" {
		t.Errorf("seed not applied, topic = %q", state.Topic)
	}
	if state.CallCounts["text"] != 1 || state.CallCounts["search"] != 1 {
		t.Errorf("unexpected call counts: %v", state.CallCounts)
	}
	if state.Step != 2 {
		t.Errorf("step = %d, want 2", state.Step)
	}
}

func TestEngine_ForcedAcceptAtCap(t *testing.T) {
	const retryCap = 2
	var feedback []domain.Feedback
	write := domain.StageFunc(func(ctx context.Context, s *domain.RunState, fb domain.Feedback) (domain.Result, error) {
		feedback = append(feedback, fb)
		service.TallyFrom(ctx).Record("text")
		return domain.Result{Update: domain.Update{Script: domain.Ptr(fmt.Sprintf("draft %d", fb.Attempt))}}, nil
	})

	var forced []*domain.GateEvent
	hooks := domain.LifecycleHooks{
		OnForcedAccept: func(ctx context.Context, e *domain.GateEvent) { forced = append(forced, e) },
	}

	g := mustGraph(t, "write", []runtime.StageSpec{
		{Name: "write", Stage: write, Gate: always(false), RetryCap: retryCap},
		{Name: "after", Stage: noop("other")},
	}, linear("write", "after"))

	state, err := runtime.NewEngine(g, runtime.WithHooks(hooks)).Start(context.Background(), "run-cap", domain.Update{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if got := state.Invocations["write"]; got != retryCap+1 {
		t.Errorf("write invoked %d times, want %d", got, retryCap+1)
	}
	if got := state.RetryCounts["write"]; got != retryCap {
		t.Errorf("retry count = %d, want %d", got, retryCap)
	}
	rec := state.Gates["write"]
	if !rec.Forced || rec.Passed {
		t.Errorf("expected forced, not passed gate record, got %+v", rec)
	}
	if state.Metadata["write.forced_accept"] != true {
		t.Errorf("forced_accept metadata missing: %v", state.Metadata)
	}
	if state.Script != "draft 3" {
		t.Errorf("expected the latest output to be kept, got %q", state.Script)
	}
	if state.CallCounts["text"] != retryCap+1 {
		t.Errorf("text calls = %d, want %d", state.CallCounts["text"], retryCap+1)
	}
	if len(forced) != 1 || !forced[0].Forced {
		t.Errorf("expected one forced accept event, got %d", len(forced))
	}

	if feedback[0].IsRetry() {
		t.Error("first attempt must not carry feedback")
	}
	for i, fb := range feedback[1:] {
		if !fb.IsRetry() || fb.FixGuidance != "write more" || fb.Attempt != i+2 {
			t.Errorf("attempt %d got feedback %+v", i+2, fb)
		}
	}
	if want := []domain.StageName{"write", "write", "write", "after"}; !reflect.DeepEqual(state.History, want) {
		t.Errorf("history = %v, want %v", state.History, want)
	}
}

func TestEngine_AcceptBeforeCap(t *testing.T) {
	verdicts := []bool{false, false, true}
	calls := 0
	judge := gate.Func(func(ctx context.Context, c gate.Candidate) (domain.Evaluation, error) {
		passed := verdicts[calls]
		calls++
		if passed {
			return gate.Pass(), nil
		}
		return gate.Reject("fix it", "bad"), nil
	})

	g := mustGraph(t, "write", []runtime.StageSpec{
		{Name: "write", Stage: noop("text"), Gate: judge, RetryCap: 5},
	}, linear("write"))

	state, err := runtime.NewEngine(g).Start(context.Background(), "", domain.Update{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if state.Invocations["write"] != 3 {
		t.Errorf("invocations = %d, want 3", state.Invocations["write"])
	}
	if state.RetryCounts["write"] != 2 {
		t.Errorf("retry count = %d, want 2", state.RetryCounts["write"])
	}
	rec := state.Gates["write"]
	if !rec.Passed || rec.Forced || rec.Attempts != 3 {
		t.Errorf("unexpected gate record %+v", rec)
	}
	if _, ok := state.Metadata["write.forced_accept"]; ok {
		t.Error("accepted output must not be marked forced")
	}
	if state.RunID == "" {
		t.Error("expected a generated run id")
	}
}

func TestEngine_CapFail(t *testing.T) {
	g := mustGraph(t, "write", []runtime.StageSpec{
		{Name: "write", Stage: noop("text"), Gate: always(false), RetryCap: 1, OnCap: domain.CapFail},
	}, linear("write"))

	state, err := runtime.NewEngine(g).Start(context.Background(), "run-fail", domain.Update{})
	if !errors.Is(err, domain.ErrGateExhausted) {
		t.Fatalf("expected ErrGateExhausted, got %v", err)
	}
	var se *domain.StageError
	if !errors.As(err, &se) || se.Class != domain.ClassGate || se.Attempt != 2 {
		t.Errorf("unexpected stage error %+v", se)
	}
	if state.Status != domain.StatusFailed || state.Failure == nil || state.Failure.Stage != "write" {
		t.Errorf("expected failed state with failure record, got %+v", state.Failure)
	}
}

func TestEngine_UndeclaredTargetIsWiringError(t *testing.T) {
	g := mustGraph(t, "a", []runtime.StageSpec{
		{Name: "a", Stage: noop("text")},
		{Name: "b", Stage: noop("text")},
	}, []runtime.Edge{
		{From: "a", Targets: []domain.StageName{"b", domain.Terminated}, Selector: func(*domain.RunState, domain.Outcome) domain.StageName {
			return "nowhere"
		}},
		{From: "b", Targets: []domain.StageName{domain.Terminated}},
	})

	state, err := runtime.NewEngine(g).Start(context.Background(), "run-wiring", domain.Update{})
	if !errors.Is(err, domain.ErrWiring) {
		t.Fatalf("expected ErrWiring, got %v", err)
	}
	if state.Failure == nil || state.Failure.Class != domain.ClassWiring {
		t.Errorf("expected wiring failure record, got %+v", state.Failure)
	}
}

func TestEngine_SelectorRouting(t *testing.T) {
	pick := func(s *domain.RunState, out domain.Outcome) domain.StageName {
		if s.Topic == "short" {
			return domain.Terminated
		}
		return "long"
	}
	g := mustGraph(t, "a", []runtime.StageSpec{
		{Name: "a", Stage: noop("text")},
		{Name: "long", Stage: noop("text")},
	}, []runtime.Edge{
		{From: "a", Targets: []domain.StageName{"long", domain.Terminated}, Selector: pick},
		{From: "long", Targets: []domain.StageName{domain.Terminated}},
	})
	e := runtime.NewEngine(g)

	short, err := e.Start(context.Background(), "s", domain.Update{Topic: domain.Ptr("short")})
	if err != nil {
		t.Fatal(err)
	}
	long, err := e.Start(context.Background(), "l", domain.Update{Topic: domain.Ptr("anything")})
	if err != nil {
		t.Fatal(err)
	}
	if len(short.History) != 1 || len(long.History) != 2 {
		t.Errorf("unexpected histories %v / %v", short.History, long.History)
	}
}

func TestEngine_FailureThenResume(t *testing.T) {
	store := memory.NewStore()
	failures := 1
	flaky := domain.StageFunc(func(ctx context.Context, s *domain.RunState, fb domain.Feedback) (domain.Result, error) {
		service.TallyFrom(ctx).Record("voice")
		if failures > 0 {
			failures--
			return domain.Result{}, domain.Permanent(domain.CodeInvalidRequest, errors.New("bad voice"))
		}
		return domain.Result{Update: domain.Update{Audio: &domain.AudioRef{Path: "out.mp3"}}}, nil
	})

	g := mustGraph(t, "a", []runtime.StageSpec{
		{Name: "a", Stage: noop("text")},
		{Name: "voice", Stage: flaky},
	}, linear("a", "voice"))
	e := runtime.NewEngine(g, runtime.WithSnapshotStore(store))

	failed, err := e.Start(context.Background(), "run-resume", domain.Update{})
	if err == nil {
		t.Fatal("expected the first run to fail")
	}
	if domain.ClassOf(err) != domain.ClassPermanent {
		t.Errorf("class = %s, want permanent", domain.ClassOf(err))
	}
	if failed.CurrentStage != "voice" || failed.Status != domain.StatusFailed {
		t.Fatalf("unexpected failed state stage=%s status=%s", failed.CurrentStage, failed.Status)
	}

	latest, err := store.Latest(context.Background(), "run-resume")
	if err != nil {
		t.Fatalf("no snapshot after failure: %v", err)
	}
	if latest.State.Status != domain.StatusFailed {
		t.Errorf("latest snapshot status = %s, want failed", latest.State.Status)
	}

	done, err := e.Resume(context.Background(), "run-resume")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if done.Status != domain.StatusTerminated || done.Failure != nil {
		t.Errorf("expected clean terminated run, got status=%s failure=%+v", done.Status, done.Failure)
	}
	if done.Invocations["a"] != 1 || done.Invocations["voice"] != 2 {
		t.Errorf("unexpected invocations %v", done.Invocations)
	}
	if done.CallCounts["voice"] != 2 {
		t.Errorf("failed attempt must still be counted, got %d", done.CallCounts["voice"])
	}
	if done.Audio == nil || done.Audio.Path != "out.mp3" {
		t.Errorf("audio not recorded: %+v", done.Audio)
	}

	if _, err := e.Resume(context.Background(), "run-resume"); !errors.Is(err, domain.ErrRunTerminal) {
		t.Errorf("resuming a finished run: got %v, want ErrRunTerminal", err)
	}
	if _, err := e.Resume(context.Background(), "missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("resuming an unknown run: got %v, want ErrRunNotFound", err)
	}
}

func TestEngine_ResumeKeepsPendingFeedback(t *testing.T) {
	store := memory.NewStore()
	var seen []domain.Feedback
	write := domain.StageFunc(func(ctx context.Context, s *domain.RunState, fb domain.Feedback) (domain.Result, error) {
		seen = append(seen, fb)
		if len(seen) == 2 {
			return domain.Result{}, domain.Transient(domain.CodeServerError, errors.New("upstream 503"))
		}
		return domain.Result{}, nil
	})
	verdicts := 0
	judge := gate.Func(func(ctx context.Context, c gate.Candidate) (domain.Evaluation, error) {
		verdicts++
		if verdicts == 1 {
			return gate.Reject("add a conclusion", "no conclusion"), nil
		}
		return gate.Pass(), nil
	})
	g := mustGraph(t, "write", []runtime.StageSpec{
		{Name: "write", Stage: write, Gate: judge, RetryCap: 3},
	}, linear("write"))
	e := runtime.NewEngine(g, runtime.WithSnapshotStore(store))

	if _, err := e.Start(context.Background(), "run-pending", domain.Update{}); domain.ClassOf(err) != domain.ClassTransient {
		t.Fatalf("expected a transient failure, got %v", err)
	}

	done, err := e.Resume(context.Background(), "run-pending")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(seen))
	}
	if fb := seen[2]; fb.FixGuidance != "add a conclusion" || fb.Attempt != 3 {
		t.Errorf("resumed attempt lost its feedback: %+v", fb)
	}
	if done.RetryCounts["write"] != 1 {
		t.Errorf("retry count = %d, want 1", done.RetryCounts["write"])
	}
}

func TestEngine_StepLimit(t *testing.T) {
	loop := func(*domain.RunState, domain.Outcome) domain.StageName { return "a" }
	g := mustGraph(t, "a", []runtime.StageSpec{
		{Name: "a", Stage: noop("text")},
	}, []runtime.Edge{
		{From: "a", Targets: []domain.StageName{"a", domain.Terminated}, Selector: loop},
	})

	state, err := runtime.NewEngine(g, runtime.WithMaxSteps(5)).Start(context.Background(), "run-loop", domain.Update{})
	if !errors.Is(err, domain.ErrStepLimit) {
		t.Fatalf("expected ErrStepLimit, got %v", err)
	}
	if state.Step != 5 {
		t.Errorf("step = %d, want 5", state.Step)
	}
}

func TestEngine_GateErrorIsFatal(t *testing.T) {
	boom := errors.New("judge unavailable")
	broken := gate.Func(func(ctx context.Context, c gate.Candidate) (domain.Evaluation, error) {
		return domain.Evaluation{}, boom
	})
	g := mustGraph(t, "a", []runtime.StageSpec{
		{Name: "a", Stage: noop("text"), Gate: broken, RetryCap: 2},
	}, linear("a"))

	state, err := runtime.NewEngine(g).Start(context.Background(), "run-gate", domain.Update{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected gate error, got %v", err)
	}
	if state.Invocations["a"] != 1 {
		t.Errorf("a broken gate must not trigger retries, got %d invocations", state.Invocations["a"])
	}
}

func TestEngine_SnapshotsEveryAttempt(t *testing.T) {
	store := memory.NewStore()
	g := mustGraph(t, "write", []runtime.StageSpec{
		{Name: "write", Stage: noop("text"), Gate: always(false), RetryCap: 1},
		{Name: "end", Stage: noop("text")},
	}, linear("write", "end"))

	if _, err := runtime.NewEngine(g, runtime.WithSnapshotStore(store)).Start(context.Background(), "run-snap", domain.Update{}); err != nil {
		t.Fatal(err)
	}

	keys, err := store.History(context.Background(), "run-snap")
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.SnapshotKey{
		{RunID: "run-snap", Stage: "write", Attempt: 1},
		{RunID: "run-snap", Stage: "write", Attempt: 2},
		{RunID: "run-snap", Stage: "end", Attempt: 1},
	}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("snapshot keys = %v, want %v", keys, want)
	}

	first, err := store.Get(context.Background(), want[0])
	if err != nil {
		t.Fatal(err)
	}
	if first.State.Pending == nil || first.State.CurrentStage != "write" {
		t.Errorf("a rejected attempt must snapshot its pending feedback, got %+v", first.State.Pending)
	}
}

func TestEngine_Deterministic(t *testing.T) {
	build := func() *runtime.Engine {
		rejectOnce := 0
		judge := gate.Func(func(ctx context.Context, c gate.Candidate) (domain.Evaluation, error) {
			rejectOnce++
			if rejectOnce == 1 {
				return gate.Reject("again", "first draft"), nil
			}
			return gate.Pass(), nil
		})
		research := domain.StageFunc(func(ctx context.Context, s *domain.RunState, fb domain.Feedback) (domain.Result, error) {
			return domain.Result{Update: domain.Update{
				Sources: []domain.Source{{URL: "https://a.example/"}, {URL: "https://a.example"}, {URL: "https://b.example"}},
			}}, nil
		})
		return runtime.NewEngine(mustGraph(t, "research", []runtime.StageSpec{
			{Name: "research", Stage: research, Gate: judge, RetryCap: 2},
		}, linear("research")))
	}

	a, err := build().Start(context.Background(), "same", domain.Update{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := build().Start(context.Background(), "same", domain.Update{})
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(a.History, b.History) || !reflect.DeepEqual(a.Sources, b.Sources) {
		t.Errorf("runs diverged: %v/%v vs %v/%v", a.History, a.Sources, b.History, b.Sources)
	}
	if len(a.Sources) != 2 {
		t.Errorf("re-invocation must not duplicate sources, got %d", len(a.Sources))
	}
}

func TestEngine_StageLeaveCarriesDiff(t *testing.T) {
	var diffs []*domain.StateDiff
	hooks := domain.LifecycleHooks{
		OnStageLeave: func(ctx context.Context, e *domain.StageEvent) { diffs = append(diffs, e.Diff) },
	}
	write := domain.StageFunc(func(ctx context.Context, s *domain.RunState, fb domain.Feedback) (domain.Result, error) {
		return domain.Result{Update: domain.Update{Script: domain.Ptr("hello world")}}, nil
	})
	g := mustGraph(t, "write", []runtime.StageSpec{{Name: "write", Stage: write}}, linear("write"))

	if _, err := runtime.NewEngine(g, runtime.WithHooks(hooks)).Start(context.Background(), "run-diff", domain.Update{}); err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 || diffs[0] == nil {
		t.Fatalf("expected one diff, got %v", diffs)
	}
	if !reflect.DeepEqual(diffs[0].Fields, []string{"script"}) {
		t.Errorf("fields = %v", diffs[0].Fields)
	}
	if diffs[0].History == nil || len(diffs[0].History.Appended) != 1 {
		t.Errorf("expected the invocation in the history delta, got %+v", diffs[0].History)
	}
}
