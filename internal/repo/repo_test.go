package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/migrate"
	"taskrelay/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn, dialect)
}

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	if err := r.CreateUser(ctx, domain.User{ID: "U1", Email: "a@x.com", Name: "Ann"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	// A redelivered creation refreshes the profile instead of failing.
	if err := r.CreateUser(ctx, domain.User{ID: "U1", Email: "ann@x.com", Name: "Ann Lee"}); err != nil {
		t.Fatalf("recreate user: %v", err)
	}
	u, err := r.GetUser(ctx, "U1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Email != "ann@x.com" || u.Name != "Ann Lee" {
		t.Fatalf("unexpected user %+v", u)
	}

	if err := r.UpdateUser(ctx, domain.User{ID: "U1", Email: "lee@x.com", Name: "A. Lee", Image: "https://img/u1"}); err != nil {
		t.Fatalf("update user: %v", err)
	}
	u, _ = r.GetUser(ctx, "U1")
	if u.Email != "lee@x.com" || u.Image != "https://img/u1" {
		t.Fatalf("update not applied: %+v", u)
	}
	if err := r.UpdateUser(ctx, domain.User{ID: "nope"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating unknown user, got %v", err)
	}

	if err := r.DeleteUser(ctx, "U1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := r.GetUser(ctx, "U1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := r.DeleteUser(ctx, "U1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestWorkspaceOwnerMembershipAndCascade(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	ws := domain.Workspace{ID: "org_1", Name: "Acme", Slug: "acme", OwnerID: "U1"}
	if err := r.CreateWorkspace(ctx, ws, domain.WorkspaceMember{UserID: "U1", Role: domain.RoleAdmin}); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if err := r.AddMember(ctx, domain.WorkspaceMember{UserID: "U2", WorkspaceID: "org_1", Role: "basic_member"}); err != nil {
		t.Fatalf("add member: %v", err)
	}
	members, err := r.ListMembers(ctx, "org_1")
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	roles := map[string]string{}
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	if roles["U1"] != domain.RoleAdmin || roles["U2"] != "BASIC_MEMBER" {
		t.Fatalf("unexpected roles %v", roles)
	}

	if err := r.UpdateWorkspace(ctx, domain.Workspace{ID: "org_1", Name: "Acme Inc", Slug: "acme-inc"}); err != nil {
		t.Fatalf("update workspace: %v", err)
	}
	got, err := r.GetWorkspace(ctx, "org_1")
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.Name != "Acme Inc" || got.Slug != "acme-inc" || got.OwnerID != "U1" {
		t.Fatalf("unexpected workspace %+v", got)
	}

	if err := r.DeleteWorkspace(ctx, "org_1"); err != nil {
		t.Fatalf("delete workspace: %v", err)
	}
	members, err = r.ListMembers(ctx, "org_1")
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected memberships to cascade, got %d", len(members))
	}
	if err := r.AddMember(ctx, domain.WorkspaceMember{UserID: "U3"}); err == nil {
		t.Fatalf("expected error without workspace id")
	}
}

func TestFindTaskJoinsAssigneeAndProject(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	if err := r.CreateUser(ctx, domain.User{ID: "U1", Email: "a@x.com", Name: "Ann Lee"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := r.InsertProject(ctx, domain.Project{ID: "P1", Name: "Alpha"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	due := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	assignee := "U1"
	if err := r.InsertTask(ctx, domain.Task{ID: "T1", ProjectID: "P1", Title: "Write report", AssigneeID: &assignee, DueDate: &due}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := r.InsertTask(ctx, domain.Task{ID: "T2", ProjectID: "P1", Title: "Unassigned"}); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	d, err := r.FindTask(ctx, "T1")
	if err != nil {
		t.Fatalf("find task: %v", err)
	}
	if d.Task.Title != "Write report" || d.Task.Status != domain.TaskTodo {
		t.Fatalf("unexpected task %+v", d.Task)
	}
	if d.Task.DueDate == nil || !d.Task.DueDate.Equal(due) {
		t.Fatalf("unexpected due date %v", d.Task.DueDate)
	}
	if d.Assignee == nil || d.Assignee.Email != "a@x.com" || d.Project.Name != "Alpha" {
		t.Fatalf("unexpected detail %+v", d)
	}

	d, err = r.FindTask(ctx, "T2")
	if err != nil {
		t.Fatalf("find task: %v", err)
	}
	if d.Assignee != nil || d.Task.DueDate != nil {
		t.Fatalf("expected no assignee and no due date, got %+v", d)
	}

	if err := r.UpdateTaskStatus(ctx, "T1", domain.TaskDone); err != nil {
		t.Fatalf("update status: %v", err)
	}
	d, _ = r.FindTask(ctx, "T1")
	if d.Task.Status != domain.TaskDone {
		t.Fatalf("expected DONE, got %s", d.Task.Status)
	}

	// Deleting the assignee clears the reference.
	if err := r.DeleteUser(ctx, "U1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	d, _ = r.FindTask(ctx, "T1")
	if d.Assignee != nil {
		t.Fatalf("expected assignee cleared, got %+v", d.Assignee)
	}

	if err := r.DeleteTask(ctx, "T1"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := r.FindTask(ctx, "T1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func seedEvent(t *testing.T, r repo.Repo, id string) {
	t.Helper()
	_, err := r.DB.Exec(r.Dialect.Rebind(`INSERT INTO events(id,name,data_json,ts) VALUES (?,?,?,?)`),
		id, "app/task.assigned", `{}`, repo.FormatTime(time.Now()))
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func TestRunClaimDueAndRequeue(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedEvent(t, r, "e1")
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	run := domain.Run{ID: "r1", FunctionID: "fn", EventID: "e1", Status: domain.RunQueued, CreatedAt: now}
	created, err := r.CreateRun(ctx, nil, run)
	if err != nil || !created {
		t.Fatalf("create run: created=%v err=%v", created, err)
	}
	created, err = r.CreateRun(ctx, nil, domain.Run{ID: "r1-again", FunctionID: "fn", EventID: "e1", Status: domain.RunQueued})
	if err != nil {
		t.Fatalf("create duplicate run: %v", err)
	}
	if created {
		t.Fatalf("expected the function/event pair to be unique")
	}

	due, err := r.DueRuns(ctx, now, 10)
	if err != nil {
		t.Fatalf("due runs: %v", err)
	}
	if len(due) != 1 || due[0].ID != "r1" {
		t.Fatalf("unexpected due runs %+v", due)
	}

	lease := now.Add(5 * time.Minute)
	ok, err := r.ClaimRun(ctx, "r1", "w1", now, lease)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	ok, err = r.ClaimRun(ctx, "r1", "w2", now, lease)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected second claim to lose")
	}
	got, _ := r.GetRun(ctx, "r1")
	if got.ClaimedBy != "w1" || got.LeaseUntil == nil || !got.LeaseUntil.Equal(lease) {
		t.Fatalf("unexpected claim %+v", got)
	}

	wake := now.Add(time.Hour)
	got.Status = domain.RunSleeping
	got.WakeAt = &wake
	stale := got
	stale.ClaimedBy = "w2"
	if err := r.UpdateRun(ctx, stale); !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for a non-owner, got %v", err)
	}
	if err := r.UpdateRun(ctx, got); err != nil {
		t.Fatalf("update run: %v", err)
	}
	if err := r.UpdateRun(ctx, got); !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("expected a released claim to reject updates, got %v", err)
	}
	got, _ = r.GetRun(ctx, "r1")
	if got.ClaimedBy != "" || got.LeaseUntil != nil {
		t.Fatalf("claim not released %+v", got)
	}
	if due, _ := r.DueRuns(ctx, now, 10); len(due) != 0 {
		t.Fatalf("sleeping run should not be due yet, got %d", len(due))
	}
	if ok, _ := r.ClaimRun(ctx, "r1", "w1", now, lease); ok {
		t.Fatalf("claimed a run before its wake time")
	}
	if due, _ := r.DueRuns(ctx, wake, 10); len(due) != 1 {
		t.Fatalf("expected run due at wake time, got %d", len(due))
	}

	if ok, _ := r.ClaimRun(ctx, "r1", "w2", wake, wake.Add(5*time.Minute)); !ok {
		t.Fatalf("expected claim at wake time")
	}
	n, err := r.RequeueExpired(ctx, wake.Add(time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("requeued a live lease: n=%d err=%v", n, err)
	}
	if err := r.ExtendLease(ctx, "r1", "w1", wake.Add(time.Hour)); !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("expected non-owner extend to fail, got %v", err)
	}
	if err := r.ExtendLease(ctx, "r1", "w2", wake.Add(10*time.Minute)); err != nil {
		t.Fatalf("extend lease: %v", err)
	}
	if n, _ := r.RequeueExpired(ctx, wake.Add(6*time.Minute)); n != 0 {
		t.Fatalf("extended lease was requeued")
	}
	n, err = r.RequeueExpired(ctx, wake.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued run, got %d", n)
	}
	got, _ = r.GetRun(ctx, "r1")
	if got.Status != domain.RunQueued || got.WakeAt != nil || got.ClaimedBy != "" || got.LeaseUntil != nil {
		t.Fatalf("unexpected requeued run %+v", got)
	}

	if err := r.UpdateRun(ctx, domain.Run{ID: "missing", Status: domain.RunFailed, ClaimedBy: "w1"}); !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if _, err := r.GetRun(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRunsFilters(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedEvent(t, r, "e1")
	seedEvent(t, r, "e2")
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i, run := range []domain.Run{
		{ID: "a", FunctionID: "fn-a", EventID: "e1", Status: domain.RunQueued},
		{ID: "b", FunctionID: "fn-b", EventID: "e1", Status: domain.RunCompleted},
		{ID: "c", FunctionID: "fn-a", EventID: "e2", Status: domain.RunFailed},
	} {
		run.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := r.CreateRun(ctx, nil, run); err != nil {
			t.Fatalf("create run %s: %v", run.ID, err)
		}
	}

	all, err := r.ListRuns(ctx, repo.RunFilters{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	byEvent, _ := r.ListRuns(ctx, repo.RunFilters{EventID: "e1"})
	if len(byEvent) != 2 {
		t.Fatalf("expected 2 runs for e1, got %d", len(byEvent))
	}
	byFn, _ := r.ListRuns(ctx, repo.RunFilters{FunctionID: "fn-a", Status: string(domain.RunFailed)})
	if len(byFn) != 1 || byFn[0].ID != "c" {
		t.Fatalf("unexpected filtered runs %+v", byFn)
	}
	limited, _ := r.ListRuns(ctx, repo.RunFilters{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestSaveStepUpsertsAndAdvancesRun(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seedEvent(t, r, "e1")
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if _, err := r.CreateRun(ctx, nil, domain.Run{ID: "r1", FunctionID: "fn", EventID: "e1", Status: domain.RunQueued, CreatedAt: now}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if ok, err := r.ClaimRun(ctx, "r1", "w1", now, now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	wake := now.Add(24 * time.Hour)
	if err := r.SaveStep(ctx, domain.StepRecord{RunID: "r1", Name: "wait", Status: domain.StepSleeping, WakeAt: &wake, CreatedAt: now}, "w1"); err != nil {
		t.Fatalf("save sleeping step: %v", err)
	}
	done := wake
	if err := r.SaveStep(ctx, domain.StepRecord{RunID: "r1", Name: "wait", Status: domain.StepCompleted, WakeAt: &wake, CreatedAt: now, CompletedAt: &done}, "w1"); err != nil {
		t.Fatalf("complete step: %v", err)
	}
	if err := r.SaveStep(ctx, domain.StepRecord{RunID: "r1", Name: "notify", Status: domain.StepCompleted, Output: []byte(`{"sent":true}`), CreatedAt: now.Add(time.Second), CompletedAt: &done}, "w1"); err != nil {
		t.Fatalf("save output step: %v", err)
	}

	steps, err := r.ListSteps(ctx, "r1")
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Name != "wait" || steps[0].Status != domain.StepCompleted || steps[0].CompletedAt == nil {
		t.Fatalf("unexpected first step %+v", steps[0])
	}
	if steps[1].Name != "notify" || string(steps[1].Output) != `{"sent":true}` {
		t.Fatalf("unexpected second step %+v", steps[1])
	}
	run, _ := r.GetRun(ctx, "r1")
	if run.Step != "notify" {
		t.Fatalf("expected step pointer at notify, got %q", run.Step)
	}

	err = r.SaveStep(ctx, domain.StepRecord{RunID: "r1", Name: "late", Status: domain.StepCompleted, CreatedAt: now, CompletedAt: &done}, "w2")
	if !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for a non-owner, got %v", err)
	}
	if steps, _ := r.ListSteps(ctx, "r1"); len(steps) != 2 {
		t.Fatalf("rejected step was persisted: %+v", steps)
	}
}
