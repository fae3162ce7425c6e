package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"govtech/internal/calendar"
	"govtech/internal/config"
	"govtech/internal/db"
	"govtech/internal/domain"
	"govtech/internal/engine"
	"govtech/internal/engine/auth"
	"govtech/internal/events"
	"govtech/internal/migrate"
	"govtech/internal/notify"
	"govtech/internal/query"
	"govtech/internal/templates"
)

type testEnv struct {
	Engine engine.Engine
	Store  events.Store
	Model  *query.ReadModel
	Proj   *query.Projector
	Ctx    context.Context
	Clock  *time.Time
	Notes  *[]notify.Notification
}

var users = auth.NewStatic(
	domain.User{ID: "citizen1", Role: domain.RoleCitizen, Active: true},
	domain.User{ID: "citizen2", Role: domain.RoleCitizen, Active: true},
	domain.User{ID: "operator1", Role: domain.RoleOperator, Department: "ADMIN", Active: true},
	domain.User{ID: "operator-fin", Role: domain.RoleOperator, Department: "FINANCE", Active: true},
	domain.User{ID: "manager-fin", Role: domain.RoleManager, Department: "FINANCE", Active: true},
	domain.User{ID: "manager-adm", Role: domain.RoleManager, Department: "ADMIN", Active: true},
	domain.User{ID: "admin1", Role: domain.RoleAdmin, Active: true},
)

func sqliteStore(t *testing.T) events.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return events.SQLStore{DB: conn}
}

func newTestEnv(t *testing.T, store events.Store) testEnv {
	t.Helper()
	if store == nil {
		store = sqliteStore(t)
	}
	cfg := config.Default()
	reg, err := templates.New(cfg.Templates)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	cal, err := calendar.FromConfig(cfg)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	// Monday 09:00 in Sao Paulo.
	clock := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	var notes []notify.Notification
	var mu sync.Mutex
	model := query.NewReadModel()
	eng := engine.New(store, reg, cal, users, cfg)
	eng.Now = func() time.Time { return clock }
	var seq atomic.Int64
	eng.Rand = func(n int) int { return int(seq.Add(1)) % n }
	eng.Steps = model
	eng.Notifier = notify.Func(func(_ context.Context, n notify.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		notes = append(notes, n)
		return nil
	})
	return testEnv{
		Engine: eng,
		Store:  store,
		Model:  model,
		Proj:   &query.Projector{Reader: store, Model: model},
		Ctx:    context.Background(),
		Clock:  &clock,
		Notes:  &notes,
	}
}

func (env testEnv) create(t *testing.T, code string, pr domain.Priority) events.State {
	t.Helper()
	st, err := env.Engine.Create(env.Ctx, domain.Create{ServiceCode: code, RequesterID: "citizen1", Priority: pr, Subject: "pedido"}, "citizen1")
	if err != nil {
		t.Fatalf("create %s: %v", code, err)
	}
	return st
}

func (env testEnv) apply(t *testing.T, id string, cmd domain.Command, actor string) events.State {
	t.Helper()
	st, err := env.Engine.Apply(env.Ctx, id, cmd, actor)
	if err != nil {
		t.Fatalf("%s by %s: %v", cmd.Name(), actor, err)
	}
	return st
}

func (env testEnv) load(t *testing.T, id string) []domain.Event {
	t.Helper()
	evts, err := env.Store.Load(env.Ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return evts
}

func kinds(evts []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, len(evts))
	for i, e := range evts {
		out[i] = e.Kind
	}
	return out
}

func sameKinds(a, b []domain.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalJSON(t *testing.T, a, b any) bool {
	t.Helper()
	ja, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	jb, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.Equal(ja, jb)
}

func TestCreateOpensAtStepZero(t *testing.T) {
	env := newTestEnv(t, nil)
	st := env.create(t, "ALV_FUNC", domain.PriorityNormal)
	p := st.Protocol
	if p.Status != domain.StatusReceived || p.CurrentStepIndex != 0 || p.Version != 1 {
		t.Fatalf("unexpected protocol %+v", p)
	}
	if !domain.ValidNumber(p.Number, *env.Clock) {
		t.Fatalf("invalid number %s", p.Number)
	}
	if p.DeadlineAt == nil || !p.DeadlineAt.After(*env.Clock) {
		t.Fatalf("expected response deadline after now, got %v", p.DeadlineAt)
	}
	if len(st.Steps) != 0 {
		t.Fatalf("steps are created lazily, got %d", len(st.Steps))
	}
	evts := env.load(t, p.ID)
	if len(evts) != 1 || evts[0].Kind != domain.EventCreated {
		t.Fatalf("expected one created event, got %v", kinds(evts))
	}
}

func TestCreateUnknownServiceCode(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Create(env.Ctx, domain.Create{ServiceCode: "NOPE", RequesterID: "citizen1"}, "citizen1")
	if !errors.Is(err, domain.ErrUnknownServiceCode) {
		t.Fatalf("expected unknown service code, got %v", err)
	}
}

func TestCreateOnBehalfNeedsStaff(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Create(env.Ctx, domain.Create{ServiceCode: "ALV_FUNC", RequesterID: "citizen1"}, "citizen2")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := env.Engine.Create(env.Ctx, domain.Create{ServiceCode: "ALV_FUNC", RequesterID: "citizen1"}, "operator1"); err != nil {
		t.Fatalf("staff filing on behalf: %v", err)
	}
}

func TestCreateRegeneratesDuplicateNumber(t *testing.T) {
	env := newTestEnv(t, nil)
	calls := 0
	env.Engine.Rand = func(n int) int {
		calls++
		if calls <= 2 {
			return 1
		}
		return 2
	}
	a := env.create(t, "ALV_FUNC", "")
	b := env.create(t, "ALV_FUNC", "")
	if a.Protocol.Number == b.Protocol.Number {
		t.Fatalf("numbers must differ, both %s", a.Protocol.Number)
	}
}

func TestBeginAnalysisTwiceFails(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID
	st := env.apply(t, id, domain.BeginAnalysis{}, "operator1")
	if st.Protocol.Status != domain.StatusInAnalysis {
		t.Fatalf("status = %s", st.Protocol.Status)
	}
	_, err := env.Engine.Apply(env.Ctx, id, domain.BeginAnalysis{}, "operator1")
	var te domain.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if te.Status != domain.StatusInAnalysis || !strings.Contains(err.Error(), "advance") {
		t.Fatalf("error should name status and allowed commands: %v", err)
	}
}

func TestAutomatedFirstStepChainsOnAdvance(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "IPTU_REV", domain.PriorityNormal).Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator-fin")
	before := len(env.load(t, id))
	st := env.apply(t, id, domain.Advance{}, "operator-fin")
	evts := env.load(t, id)[before:]
	want := []domain.EventKind{domain.EventStepStarted, domain.EventStepCompleted}
	if !sameKinds(kinds(evts), want) {
		t.Fatalf("advance events = %v, want %v", kinds(evts), want)
	}
	if st.Protocol.Status != domain.StatusInProgress || st.Protocol.CurrentStepIndex != 1 {
		t.Fatalf("unexpected protocol %+v", st.Protocol)
	}
	step0, _ := st.Step(0)
	step1, _ := st.ActiveStep()
	if step0.Status != domain.StepCompleted || step1.StepIndex != 1 || step1.DeadlineAt == nil {
		t.Fatalf("unexpected steps %+v", st.Steps)
	}
}

func TestHumanStepsAppendOneEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator1")
	for _, cmd := range []domain.Command{domain.Advance{}, domain.CompleteStep{}} {
		before := len(env.load(t, id))
		env.apply(t, id, cmd, "operator1")
		if n := len(env.load(t, id)) - before; n != 1 {
			t.Fatalf("%s appended %d events", cmd.Name(), n)
		}
	}
	// Step 1 completes into the automated last step.
	before := len(env.load(t, id))
	st := env.apply(t, id, domain.CompleteStep{Note: "vistoria ok"}, "operator1")
	want := []domain.EventKind{domain.EventStepCompleted, domain.EventStepStarted, domain.EventStepCompleted}
	if got := kinds(env.load(t, id)[before:]); !sameKinds(got, want) {
		t.Fatalf("final events = %v, want %v", got, want)
	}
	if st.Protocol.Status != domain.StatusResolved || st.Protocol.ResolvedAt == nil || st.Protocol.DeadlineAt != nil {
		t.Fatalf("expected resolved without deadline, got %+v", st.Protocol)
	}
	if st.Protocol.CurrentStepIndex != 2 {
		t.Fatalf("current step frozen at %d", st.Protocol.CurrentStepIndex)
	}
}

func TestFullyAutomatedTemplateResolvesOnAdvance(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "CERT_NEG", domain.PriorityNormal).Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator-fin")
	st := env.apply(t, id, domain.Advance{}, "operator-fin")
	if st.Protocol.Status != domain.StatusResolved {
		t.Fatalf("status = %s", st.Protocol.Status)
	}
	started, completed := 0, 0
	for _, e := range env.load(t, id) {
		switch e.Kind {
		case domain.EventStepStarted:
			started++
		case domain.EventStepCompleted:
			completed++
		}
	}
	if started != 2 || completed != 2 {
		t.Fatalf("expected paired events per automated step, got %d started %d completed", started, completed)
	}
}

func TestAssignChecksRoleAndDepartment(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID

	_, err := env.Engine.Assign(env.Ctx, id, 1, "citizen1", "admin1")
	if !errors.Is(err, domain.ErrRoleMismatch) {
		t.Fatalf("expected role mismatch, got %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, id, 1, "operator-fin", "admin1")
	if !errors.Is(err, domain.ErrDepartmentMismatch) {
		t.Fatalf("expected department mismatch, got %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, id, 1, "operator1", "citizen1")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized assigner, got %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, id, 2, "operator1", "admin1")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("automated steps cannot be assigned, got %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, id, 9, "operator1", "admin1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown step, got %v", err)
	}

	st, err := env.Engine.Assign(env.Ctx, id, 1, "operator1", "manager-adm")
	if err != nil {
		t.Fatal(err)
	}
	step, ok := st.Step(1)
	if !ok || step.AssignedTo != "operator1" || step.Status != domain.StepPending {
		t.Fatalf("assignment must not change step status: %+v", step)
	}
	if st.Protocol.Status != domain.StatusReceived {
		t.Fatalf("assignment must not change protocol status")
	}
}

func TestUnauthorizedActorsAreRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "IPTU_REV", domain.PriorityNormal).Protocol.ID
	cases := []struct {
		actor string
		cmd   domain.Command
	}{
		{"citizen1", domain.BeginAnalysis{}},
		{"operator1", domain.BeginAnalysis{}}, // wrong department
		{"ghost", domain.BeginAnalysis{}},
	}
	for _, tc := range cases {
		_, err := env.Engine.Apply(env.Ctx, id, tc.cmd, tc.actor)
		var ae domain.AuthorizationError
		if !errors.As(err, &ae) {
			t.Fatalf("%s: expected authorization error, got %v", tc.actor, err)
		}
	}
	env.apply(t, id, domain.BeginAnalysis{}, "operator-fin")
	env.apply(t, id, domain.Advance{}, "operator-fin")
	env.apply(t, id, domain.CompleteStep{}, "operator-fin")
	// Parecer needs a manager.
	_, err := env.Engine.Apply(env.Ctx, id, domain.CompleteStep{}, "operator-fin")
	var ae domain.AuthorizationError
	if !errors.As(err, &ae) || ae.RequiredRole != domain.RoleManager {
		t.Fatalf("expected manager requirement, got %v", err)
	}
	env.apply(t, id, domain.CompleteStep{}, "manager-fin")
	_, err = env.Engine.Apply(env.Ctx, id, domain.Cancel{}, "operator-fin")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("transition is checked before authorization, got %v", err)
	}
}

func TestInfoRequestRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator1")
	st := env.apply(t, id, domain.RequestMoreInfo{Reason: "falta CNPJ"}, "operator1")
	if st.Protocol.Status != domain.StatusPendingInfo || st.Protocol.DeadlineAt != nil {
		t.Fatalf("pending info should stop the clock: %+v", st.Protocol)
	}
	if _, err := env.Engine.Apply(env.Ctx, id, domain.InfoProvided{}, "citizen2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("only the requester or staff may provide info, got %v", err)
	}
	st = env.apply(t, id, domain.InfoProvided{Note: "segue CNPJ"}, "citizen1")
	if st.Protocol.Status != domain.StatusInAnalysis || st.Protocol.DeadlineAt == nil {
		t.Fatalf("unexpected protocol %+v", st.Protocol)
	}
}

func TestForwardAndResume(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator1")
	env.apply(t, id, domain.Advance{}, "operator1")

	if _, err := env.Engine.Apply(env.Ctx, id, domain.Forward{Department: "admin"}, "operator1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("forward to the same department must fail, got %v", err)
	}
	st := env.apply(t, id, domain.Forward{Department: "FINANCE", Reason: "débito"}, "operator1")
	if st.Protocol.Status != domain.StatusForwarded || st.Protocol.ForwardedTo != "FINANCE" {
		t.Fatalf("unexpected protocol %+v", st.Protocol)
	}
	if _, err := env.Engine.Apply(env.Ctx, id, domain.Resume{}, "operator1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("the step now belongs to FINANCE, got %v", err)
	}
	st = env.apply(t, id, domain.Resume{}, "operator-fin")
	if st.Protocol.Status != domain.StatusInProgress {
		t.Fatalf("status = %s", st.Protocol.Status)
	}
	st = env.apply(t, id, domain.CompleteStep{}, "operator-fin")
	if st.Protocol.ForwardedTo != "" || st.Protocol.CurrentStepIndex != 1 {
		t.Fatalf("opening the next step clears the forward: %+v", st.Protocol)
	}
}

func TestTerminalProtocolRejectsCommands(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "CERT_NEG", domain.PriorityNormal).Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator-fin")
	env.apply(t, id, domain.Advance{}, "operator-fin")

	_, err := env.Engine.Apply(env.Ctx, id, domain.Cancel{Reason: "late"}, "admin1")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on resolved protocol, got %v", err)
	}
	st := env.apply(t, id, domain.Close{}, "operator-fin")
	if st.Protocol.Status != domain.StatusClosed || st.Protocol.ClosedAt == nil {
		t.Fatalf("unexpected protocol %+v", st.Protocol)
	}
	for _, c := range engine.Commands {
		cmd, _ := domain.ParseCommand(string(c), domain.CommandArgs{Department: "X"})
		if _, err := env.Engine.Apply(env.Ctx, id, cmd, "admin1"); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("%s on closed: expected invalid transition, got %v", c, err)
		}
	}
}

func TestCancelSkipsActiveStep(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator1")
	env.apply(t, id, domain.Advance{}, "operator1")
	if _, err := env.Engine.Apply(env.Ctx, id, domain.Cancel{}, "operator1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("operators may not cancel, got %v", err)
	}
	st := env.apply(t, id, domain.Cancel{Reason: "desistência"}, "manager-adm")
	if st.Protocol.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", st.Protocol.Status)
	}
	step, _ := st.Step(0)
	if step.Status != domain.StepSkipped {
		t.Fatalf("active step should be skipped, got %s", step.Status)
	}
}

func TestTransitionTableIsExact(t *testing.T) {
	want := map[domain.Status][]domain.CommandName{
		domain.StatusReceived:    {domain.CmdBeginAnalysis, domain.CmdCancel},
		domain.StatusInAnalysis:  {domain.CmdRequestMoreInfo, domain.CmdAdvance, domain.CmdCancel},
		domain.StatusPendingInfo: {domain.CmdInfoProvided, domain.CmdCancel},
		domain.StatusInProgress:  {domain.CmdCompleteStep, domain.CmdForward, domain.CmdCancel},
		domain.StatusForwarded:   {domain.CmdResume, domain.CmdCancel},
		domain.StatusResolved:    {domain.CmdClose},
		domain.StatusClosed:      nil,
		domain.StatusCancelled:   nil,
	}
	for _, s := range domain.Statuses {
		got := engine.Allowed(s)
		if len(got) != len(want[s]) {
			t.Fatalf("%s: allowed %v, want %v", s, got, want[s])
		}
		for i := range got {
			if got[i] != want[s][i] {
				t.Fatalf("%s: allowed %v, want %v", s, got, want[s])
			}
		}
	}
}

// reach drives a fresh ALV_FUNC protocol into status s.
func reach(t *testing.T, env testEnv, s domain.Status) string {
	t.Helper()
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID
	path := map[domain.Status][]domain.Command{
		domain.StatusReceived:    nil,
		domain.StatusInAnalysis:  {domain.BeginAnalysis{}},
		domain.StatusPendingInfo: {domain.BeginAnalysis{}, domain.RequestMoreInfo{}},
		domain.StatusInProgress:  {domain.BeginAnalysis{}, domain.Advance{}},
		domain.StatusForwarded:   {domain.BeginAnalysis{}, domain.Advance{}, domain.Forward{Department: "FINANCE"}},
		domain.StatusResolved:    {domain.BeginAnalysis{}, domain.Advance{}, domain.CompleteStep{}, domain.CompleteStep{}},
		domain.StatusClosed:      {domain.BeginAnalysis{}, domain.Advance{}, domain.CompleteStep{}, domain.CompleteStep{}, domain.Close{}},
		domain.StatusCancelled:   {domain.Cancel{}},
	}[s]
	for _, cmd := range path {
		env.apply(t, id, cmd, "admin1")
	}
	return id
}

func TestOnlyTableTransitionsSucceed(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, s := range domain.Statuses {
		for _, c := range engine.Commands {
			if _, ok := engine.Transition(s, c); ok {
				continue
			}
			id := reach(t, env, s)
			cmd, err := domain.ParseCommand(string(c), domain.CommandArgs{Department: "LEGAL"})
			if err != nil {
				t.Fatal(err)
			}
			before := len(env.load(t, id))
			_, err = env.Engine.Apply(env.Ctx, id, cmd, "admin1")
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("%s from %s: expected invalid transition, got %v", c, s, err)
			}
			if after := len(env.load(t, id)); after != before {
				t.Fatalf("%s from %s: rejected command appended events", c, s)
			}
		}
	}
}

func TestReplayReproducesState(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "IPTU_REV", domain.PriorityUrgent).Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator-fin")
	env.apply(t, id, domain.RequestMoreInfo{Reason: "matrícula"}, "operator-fin")
	env.apply(t, id, domain.InfoProvided{Note: "anexada"}, "citizen1")
	env.apply(t, id, domain.Advance{}, "operator-fin")
	if _, err := env.Engine.Assign(env.Ctx, id, 2, "manager-fin", "manager-fin"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddResponse(env.Ctx, id, "operator-fin", "em análise", true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttachDocument(env.Ctx, id, "citizen1", domain.Document{Name: "matricula.pdf", Ref: "blob://m1"}); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(2 * time.Hour)
	final := env.apply(t, id, domain.CompleteStep{}, "operator-fin")

	replayed, _, err := events.Rebuild(env.Ctx, env.Store, id)
	if err != nil {
		t.Fatal(err)
	}
	if !equalJSON(t, final, replayed) {
		t.Fatalf("replay differs:\n%+v\n%+v", final, replayed)
	}
	again, _, _ := events.Rebuild(env.Ctx, env.Store, id)
	if !equalJSON(t, replayed, again) {
		t.Fatalf("replay is not deterministic")
	}
	if _, err := env.Proj.Sync(env.Ctx); err != nil {
		t.Fatal(err)
	}
	projected, ok := env.Model.Get(id)
	if !ok || !equalJSON(t, projected, replayed) {
		t.Fatalf("projection differs from replay")
	}
}

func TestUrgentPriorityCapsDeadline(t *testing.T) {
	env := newTestEnv(t, nil)
	normal := env.create(t, "IPTU_REV", domain.PriorityNormal).Protocol
	urgent := env.create(t, "IPTU_REV", domain.PriorityCritical).Protocol
	if !urgent.DeadlineAt.Before(*normal.DeadlineAt) {
		t.Fatalf("critical deadline %v should precede normal %v", urgent.DeadlineAt, normal.DeadlineAt)
	}
	want := env.Engine.Calendar.AddBusinessHours(*env.Clock, env.Engine.Config.SLA.UrgentHours).UTC()
	if !urgent.DeadlineAt.Equal(want) {
		t.Fatalf("critical deadline = %v, want %v", urgent.DeadlineAt, want)
	}
}

func TestResponsesAndDocuments(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Config.Workflow.MaxDocuments = 2
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID

	if _, err := env.Engine.AddResponse(env.Ctx, id, "citizen1", "nota interna", false); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Fatalf("requesters may only post public responses, got %v", err)
	}
	if _, err := env.Engine.AddResponse(env.Ctx, id, "citizen2", "olá", true); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("other citizens are rejected, got %v", err)
	}
	if _, err := env.Engine.AddResponse(env.Ctx, id, "operator1", "   ", true); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Fatalf("empty message, got %v", err)
	}
	resp, err := env.Engine.AddResponse(env.Ctx, id, "operator1", "recebido", true)
	if err != nil || resp.ID == "" || resp.AuthorID != "operator1" {
		t.Fatalf("add response: %+v %v", resp, err)
	}
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.AttachDocument(env.Ctx, id, "citizen1", domain.Document{Name: "doc.pdf", Ref: "blob://x"}); err != nil {
			t.Fatal(err)
		}
	}
	_, err = env.Engine.AttachDocument(env.Ctx, id, "citizen1", domain.Document{Name: "doc.pdf", Ref: "blob://x"})
	if !errors.Is(err, domain.ErrDocumentLimit) {
		t.Fatalf("expected document limit, got %v", err)
	}
	detail, err := query.Service{Reader: env.Store}.ProtocolDetail(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Protocol.Responses) != 1 || len(detail.Protocol.Documents) != 2 {
		t.Fatalf("unexpected detail %+v", detail.Protocol)
	}
}

func TestRatingAfterResolution(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "CERT_NEG", domain.PriorityNormal).Protocol.ID

	if _, err := env.Engine.Rate(env.Ctx, id, "citizen1", 5, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("open protocols cannot be rated, got %v", err)
	}
	env.apply(t, id, domain.BeginAnalysis{}, "operator-fin")
	env.apply(t, id, domain.Advance{}, "operator-fin")

	for _, score := range []int{0, 6, -1} {
		if _, err := env.Engine.Rate(env.Ctx, id, "citizen1", score, ""); !errors.Is(err, domain.ErrInvalidCommand) {
			t.Fatalf("score %d: expected invalid command, got %v", score, err)
		}
	}
	if _, err := env.Engine.Rate(env.Ctx, id, "operator-fin", 4, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("staff cannot rate, got %v", err)
	}
	if _, err := env.Engine.Rate(env.Ctx, id, "citizen2", 4, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("other citizens cannot rate, got %v", err)
	}
	r, err := env.Engine.Rate(env.Ctx, id, "citizen1", 4, "  rápido  ")
	if err != nil || r.Score != 4 || r.Comment != "rápido" {
		t.Fatalf("rate: %+v %v", r, err)
	}
	if _, err := env.Engine.Rate(env.Ctx, id, "citizen1", 5, ""); !errors.Is(err, domain.ErrAlreadyRated) {
		t.Fatalf("expected already rated, got %v", err)
	}

	st := env.apply(t, id, domain.Close{}, "operator-fin")
	if st.Protocol.Rating == nil || st.Protocol.Rating.Score != 4 {
		t.Fatalf("rating lost on close: %+v", st.Protocol.Rating)
	}
	if _, err := env.Engine.Rate(env.Ctx, id, "citizen1", 1, ""); !errors.Is(err, domain.ErrAlreadyRated) {
		t.Fatalf("closed protocol keeps its rating, got %v", err)
	}
	if _, err := env.Proj.Sync(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, ok := env.Model.Get(id)
	if !ok || got.Protocol.Rating == nil || got.Protocol.Rating.Score != 4 {
		t.Fatalf("read model rating: %+v", got.Protocol.Rating)
	}
}

func TestSweepEscalatesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	st := env.create(t, "IPTU_REV", domain.PriorityNormal)
	id := st.Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator-fin")
	if _, err := env.Engine.Assign(env.Ctx, id, 1, "operator-fin", "manager-fin"); err != nil {
		t.Fatal(err)
	}
	st = env.apply(t, id, domain.Advance{}, "operator-fin")
	step, _ := st.ActiveStep()
	deadline := *step.DeadlineAt
	if _, err := env.Proj.Sync(env.Ctx); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.SweepEscalations(env.Ctx, deadline)
	if err != nil || len(got) != 0 {
		t.Fatalf("deadline equal to now is not overdue: %v %v", got, err)
	}

	now := deadline.Add(time.Minute)
	got, err = env.Engine.SweepEscalations(env.Ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one escalation, got %d", len(got))
	}
	esc := got[0]
	if esc.ProtocolID != id || esc.StepIndex != 1 || esc.StepName != "Análise Fiscal" || esc.AssignedTo != "operator-fin" || esc.Department != "FINANCE" {
		t.Fatalf("unexpected escalation %+v", esc)
	}

	got, err = env.Engine.SweepEscalations(env.Ctx, now)
	if err != nil || len(got) != 0 {
		t.Fatalf("second sweep must be empty, got %v %v", got, err)
	}
	if _, err := env.Proj.Sync(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, err = env.Engine.SweepEscalations(env.Ctx, now.Add(time.Hour))
	if err != nil || len(got) != 0 {
		t.Fatalf("escalated step must not escalate again, got %v %v", got, err)
	}

	escalations := 0
	for _, e := range env.load(t, id) {
		if e.Kind == domain.EventEscalated {
			escalations++
		}
	}
	if escalations != 1 {
		t.Fatalf("expected one escalated event, got %d", escalations)
	}
	var notified int
	for _, n := range *env.Notes {
		if n.Kind == notify.KindEscalation {
			notified++
		}
	}
	if notified != 1 {
		t.Fatalf("expected one escalation notification, got %d", notified)
	}
}

func TestConcurrentSweepsEscalateOnce(t *testing.T) {
	env := newTestEnv(t, events.NewMemoryStore())
	var ids []string
	for i := 0; i < 5; i++ {
		id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID
		env.apply(t, id, domain.BeginAnalysis{}, "operator1")
		env.apply(t, id, domain.Advance{}, "operator1")
		ids = append(ids, id)
	}
	if _, err := env.Proj.Sync(env.Ctx); err != nil {
		t.Fatal(err)
	}
	now := env.Clock.Add(30 * 24 * time.Hour)

	var wg sync.WaitGroup
	results := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := env.Engine.SweepEscalations(env.Ctx, now)
			if err != nil {
				t.Error(err)
			}
			results <- len(got)
		}()
	}
	wg.Wait()
	close(results)
	total := 0
	for n := range results {
		total += n
	}
	if total != len(ids) {
		t.Fatalf("expected %d escalations across sweeps, got %d", len(ids), total)
	}
}

// gatedStore holds every Load until two callers have loaded, so both commands
// decide against the same head.
type gatedStore struct {
	*events.MemoryStore
	loads sync.WaitGroup
}

func (g *gatedStore) Load(ctx context.Context, id string) ([]domain.Event, error) {
	evts, err := g.MemoryStore.Load(ctx, id)
	g.loads.Done()
	g.loads.Wait()
	return evts, err
}

func TestConcurrentApplyOneWinner(t *testing.T) {
	store := &gatedStore{MemoryStore: events.NewMemoryStore()}
	env := newTestEnv(t, store)
	env.Engine.Config.Workflow.MaxRetries = 1
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID

	store.loads.Add(2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.Engine.Apply(env.Ctx, id, domain.BeginAnalysis{}, "operator1")
			errs <- err
		}()
	}
	var ok, conflict int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConcurrentModification):
			conflict++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one winner and one conflict, got %d/%d", ok, conflict)
	}
}

// flakyStore reports a conflict on the first n appends.
type flakyStore struct {
	*events.MemoryStore
	mu sync.Mutex
	n  int
}

func (f *flakyStore) Append(ctx context.Context, id string, expected int64, batch ...domain.Event) (int64, error) {
	f.mu.Lock()
	if f.n > 0 {
		f.n--
		f.mu.Unlock()
		return 0, domain.ErrConcurrentModification
	}
	f.mu.Unlock()
	return f.MemoryStore.Append(ctx, id, expected, batch...)
}

func TestApplyRetriesConflicts(t *testing.T) {
	store := &flakyStore{MemoryStore: events.NewMemoryStore()}
	env := newTestEnv(t, store)
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID

	store.n = 2
	if _, err := env.Engine.Apply(env.Ctx, id, domain.BeginAnalysis{}, "operator1"); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	store.n = 100
	_, err := env.Engine.Apply(env.Ctx, id, domain.RequestMoreInfo{}, "operator1")
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected conflict after exhausting retries, got %v", err)
	}
}

func TestApplyNotifiesTransitions(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.create(t, "ALV_FUNC", domain.PriorityNormal).Protocol.ID
	env.apply(t, id, domain.BeginAnalysis{}, "operator1")
	notes := *env.Notes
	if len(notes) != 1 || notes[0].Kind != notify.KindTransition || notes[0].Status != domain.StatusInAnalysis {
		t.Fatalf("unexpected notifications %+v", notes)
	}
	if len(notes[0].Events) != 1 || notes[0].Events[0].Sequence != 2 {
		t.Fatalf("notification should carry the appended events: %+v", notes[0].Events)
	}
}
