package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"cohortline/internal/config"
	"cohortline/internal/db"
	"cohortline/internal/domain"
	"cohortline/internal/engine"
	"cohortline/internal/events"
	"cohortline/internal/migrate"
	"cohortline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func students(prefix string, stage, n int) []domain.Student {
	res := make([]domain.Student, n)
	for i := range res {
		res[i] = domain.Student{ID: fmt.Sprintf("%s%02d", prefix, i+1), Name: fmt.Sprintf("Student %d", i+1), Stage: stage}
	}
	return res
}

func (env testEnv) seed(t *testing.T, r engine.Roster) {
	t.Helper()
	_, err := env.Engine.ImportRoster(env.Ctx, r, "registrar")
	require.NoError(t, err)
}

func (env testEnv) student(t *testing.T, id string) domain.Student {
	t.Helper()
	s, err := env.Engine.Repo.GetStudent(env.Ctx, env.Engine.DB, id)
	require.NoError(t, err)
	return s
}

func (env testEnv) stageCounts(t *testing.T) map[int]int {
	t.Helper()
	counts, err := env.Engine.Repo.CountActiveByStage(env.Ctx, env.Engine.DB)
	require.NoError(t, err)
	return counts
}

func TestHeldBackPromotionWithClearanceAndUndo(t *testing.T) {
	env := newTestEnv(t)
	roster := engine.Roster{Students: students("s", 3, 10)}
	for _, s := range roster.Students {
		roster.Clearance = append(roster.Clearance, domain.ClearanceRequest{
			ID:        "cr-" + s.ID,
			StudentID: s.ID,
			Items:     []domain.ClearanceItem{{Department: "library"}, {Department: "lab"}},
		})
	}
	env.seed(t, roster)

	res, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{
		Period:      "2024-fall",
		Transitions: []engine.TransitionSpec{{From: 3, To: 4, HeldBack: []string{"s07", "s08"}}},
		Clearance:   engine.ClearanceClear,
		ActorID:     "registrar",
	})
	require.NoError(t, err)
	require.Equal(t, 8, res.Advanced)
	require.Equal(t, 2, res.HeldBack)
	require.Equal(t, 0, res.Archived)
	require.Equal(t, int64(8), res.Effects.ClearanceApproved)
	require.NotEmpty(t, res.HistoryID)
	require.Equal(t, map[int]int{2: 2, 4: 8}, env.stageCounts(t))

	held := env.student(t, "s07")
	require.Equal(t, 2, held.Stage)
	require.Equal(t, domain.StatusActive, held.Status)

	req, err := env.Engine.Repo.GetClearanceRequest(env.Ctx, env.Engine.DB, "cr-s01")
	require.NoError(t, err)
	require.Equal(t, domain.ClearanceApproved, req.Status)
	for _, it := range req.Items {
		require.True(t, it.Cleared)
	}
	heldReq, err := env.Engine.Repo.GetClearanceRequest(env.Ctx, env.Engine.DB, "cr-s07")
	require.NoError(t, err)
	require.Equal(t, domain.ClearanceSubmitted, heldReq.Status)

	undo, err := env.Engine.UndoLast(env.Ctx, "registrar")
	require.NoError(t, err)
	require.Equal(t, res.HistoryID, undo.HistoryID)
	require.Equal(t, 10, undo.Restored)
	require.NotEmpty(t, undo.Message)
	require.Equal(t, map[int]int{3: 10}, env.stageCounts(t))

	// dependent effects are one-way
	req, err = env.Engine.Repo.GetClearanceRequest(env.Ctx, env.Engine.DB, "cr-s01")
	require.NoError(t, err)
	require.Equal(t, domain.ClearanceApproved, req.Status)
}

func TestDuplicateExecutionWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: append(students("a", 1, 3), students("b", 2, 2)...)})
	req := engine.ExecuteRequest{Period: "2024-fall", Transitions: []engine.TransitionSpec{{From: 1, To: 2}}}

	_, err := env.Engine.Execute(env.Ctx, req)
	require.NoError(t, err)
	after := env.stageCounts(t)

	_, err = env.Engine.Execute(env.Ctx, req)
	require.ErrorIs(t, err, engine.ErrDuplicateExecution)
	require.Equal(t, after, env.stageCounts(t))

	// a different set of transitions in the same period is still the same transition type
	_, err = env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "2024-fall", Transitions: []engine.TransitionSpec{{From: 2, To: 3}}})
	require.ErrorIs(t, err, engine.ErrDuplicateExecution)
	require.Equal(t, after, env.stageCounts(t))

	history, err := env.Engine.History(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestDuplicateGuardUsesDerivedPeriod(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("a", 1, 2)})
	req := engine.ExecuteRequest{Transitions: []engine.TransitionSpec{{From: 1, To: 2}}}

	res, err := env.Engine.Execute(env.Ctx, req)
	require.NoError(t, err)
	require.Equal(t, "2024-09-01", res.Period)
	require.Equal(t, "semester_promotion", res.TransitionType)

	_, err = env.Engine.Execute(env.Ctx, req)
	require.ErrorIs(t, err, engine.ErrDuplicateExecution)

	env.Engine.Now = func() time.Time { return time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC) }
	res, err = env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Transitions: []engine.TransitionSpec{{From: 2, To: 3}}})
	require.NoError(t, err)
	require.Equal(t, 2, res.Advanced)
}

func TestDistinctTransitionTypesShareAPeriod(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: append(students("a", 1, 2), students("b", 3, 2)...)})
	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "p1", Transitions: []engine.TransitionSpec{{From: 1, To: 2}}})
	require.NoError(t, err)
	_, err = env.Engine.Execute(env.Ctx, engine.ExecuteRequest{TransitionType: "correction", Period: "p1", Transitions: []engine.TransitionSpec{{From: 3, To: 4}}})
	require.NoError(t, err)
}

func TestArchiveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("g", 8, 5)})

	res, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "2024-fall", Transitions: []engine.TransitionSpec{{From: 8, Archive: true}}})
	require.NoError(t, err)
	require.Equal(t, 5, res.Archived)
	require.Equal(t, 0, res.Advanced)

	n, err := env.Engine.Repo.CountArchivedStudents(env.Ctx, env.Engine.DB)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	s := env.student(t, "g01")
	require.Equal(t, domain.StatusArchived, s.Status)
	snap, err := env.Engine.Repo.GetArchivedStudent(env.Ctx, env.Engine.DB, "g01")
	require.NoError(t, err)
	require.Equal(t, 8, snap.Snapshot.Stage)
	require.Equal(t, domain.StatusActive, snap.Snapshot.Status)
	require.Equal(t, res.HistoryID, snap.HistoryID)

	undo, err := env.Engine.UndoLast(env.Ctx, "")
	require.NoError(t, err)
	require.Equal(t, 5, undo.Unarchived)

	n, err = env.Engine.Repo.CountArchivedStudents(env.Ctx, env.Engine.DB)
	require.NoError(t, err)
	require.Zero(t, n)
	for _, id := range []string{"g01", "g05"} {
		s := env.student(t, id)
		require.Equal(t, domain.StatusActive, s.Status)
		require.Equal(t, 8, s.Stage)
	}
}

func TestHoldBackBelowFirstStageIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("a", 1, 3)})

	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{
		Period:      "2024-fall",
		Transitions: []engine.TransitionSpec{{From: 1, To: 0, HeldBack: []string{"a01"}}},
	})
	require.ErrorIs(t, err, engine.ErrInvalidHoldBack)
	require.Equal(t, map[int]int{1: 3}, env.stageCounts(t))
	history, err := env.Engine.History(env.Ctx, 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string][]engine.TransitionSpec{
		"empty":         nil,
		"skip a stage":  {{From: 2, To: 4}},
		"backwards":     {{From: 3, To: 2}},
		"beyond max":    {{From: 8, To: 9}},
		"below min":     {{From: 0, To: 1}},
		"archive early": {{From: 5, Archive: true}},
		"repeated from": {{From: 3, To: 4}, {From: 3, To: 4}},
		"held in two":   {{From: 3, To: 4, HeldBack: []string{"x"}}, {From: 5, To: 6, HeldBack: []string{"x"}}},
		"blank held id": {{From: 3, To: 4, HeldBack: []string{" "}}},
	}
	for name, specs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "p", Transitions: specs})
			require.ErrorIs(t, err, engine.ErrInvalidTransition)
		})
	}

	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "p", Transitions: []engine.TransitionSpec{{From: 1, To: 2}}, Invoices: "shred"})
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestZeroEligibleStillRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("a", 1, 2)})

	res, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "2024-fall", Transitions: []engine.TransitionSpec{{From: 5, To: 6}}})
	require.NoError(t, err)
	require.Zero(t, res.Advanced)
	require.Zero(t, res.Archived)
	require.Zero(t, res.HeldBack)

	h, err := env.Engine.Repo.GetHistory(env.Ctx, env.Engine.DB, res.HistoryID)
	require.NoError(t, err)
	require.True(t, h.Undoable)
	require.Len(t, h.Entries, 1)
	require.Empty(t, h.Entries[0].ForwardIDs)

	undo, err := env.Engine.UndoLast(env.Ctx, "")
	require.NoError(t, err)
	require.Zero(t, undo.Restored)
}

func TestMultiSpecMovesEachStudentOnce(t *testing.T) {
	env := newTestEnv(t)
	roster := engine.Roster{}
	roster.Students = append(roster.Students, students("a", 1, 3)...)
	roster.Students = append(roster.Students, students("c", 3, 2)...)
	roster.Students = append(roster.Students, students("e", 5, 2)...)
	roster.Students = append(roster.Students, students("g", 7, 1)...)
	env.seed(t, roster)

	preview, err := env.Engine.Preview(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, config.ParityOdd, preview.Direction)

	res, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "2024-fall", Transitions: preview.Specs()})
	require.NoError(t, err)
	require.Equal(t, 8, res.Advanced)
	require.Equal(t, map[int]int{2: 3, 4: 2, 6: 2, 8: 1}, env.stageCounts(t))

	h, err := env.Engine.Repo.GetHistory(env.Ctx, env.Engine.DB, res.HistoryID)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, e := range h.Entries {
		for _, id := range append(append([]string{}, e.ForwardIDs...), e.HeldBackIDs...) {
			require.False(t, seen[id], "student %s moved twice", id)
			seen[id] = true
		}
	}
	require.Len(t, seen, 8)
}

func TestHeldBackIDsNotEligibleAreIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: append(students("c", 3, 2), students("e", 5, 1)...)})

	res, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{
		Period:      "2024-fall",
		Transitions: []engine.TransitionSpec{{From: 3, To: 4, HeldBack: []string{"c01", "e01", "ghost"}}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Advanced)
	require.Equal(t, 1, res.HeldBack)
	require.Equal(t, 2, env.student(t, "c01").Stage)
	require.Equal(t, 4, env.student(t, "c02").Stage)
	require.Equal(t, 5, env.student(t, "e01").Stage)
}

func TestFailedSpecRollsBackWholeBatch(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: append(students("a", 1, 2), students("g", 8, 2)...)})

	// a stale snapshot makes the archive insert fail after stage 1 already moved
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.InsertArchivedStudent(env.Ctx, tx, domain.ArchivedStudent{
		StudentID: "g01", Stage: 8, Status: domain.StatusActive, HistoryID: "old", ArchivedAt: repo.Timestamp(time.Now()),
	}))
	require.NoError(t, tx.Commit())

	_, err = env.Engine.Execute(env.Ctx, engine.ExecuteRequest{
		Period:      "2024-fall",
		Transitions: []engine.TransitionSpec{{From: 1, To: 2}, {From: 8, Archive: true}},
	})
	require.ErrorIs(t, err, engine.ErrPersistenceFailure)
	require.Equal(t, map[int]int{1: 2, 8: 2}, env.stageCounts(t))
	history, err := env.Engine.History(env.Ctx, 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestUndoAllowsReexecution(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("a", 1, 2)})
	req := engine.ExecuteRequest{Period: "2024-fall", Transitions: []engine.TransitionSpec{{From: 1, To: 2}}}

	_, err := env.Engine.Execute(env.Ctx, req)
	require.NoError(t, err)
	_, err = env.Engine.UndoLast(env.Ctx, "")
	require.NoError(t, err)
	res, err := env.Engine.Execute(env.Ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, res.Advanced)

	history, err := env.Engine.History(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].Undoable)
	require.False(t, history[1].Undoable)
	require.NotNil(t, history[1].UndoneAt)
}

func TestUndoLastWithoutHistory(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UndoLast(env.Ctx, "")
	require.ErrorIs(t, err, engine.ErrNoUndoableHistory)
}

func TestDoubleUndoFails(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("a", 1, 2)})
	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "p", Transitions: []engine.TransitionSpec{{From: 1, To: 2}}})
	require.NoError(t, err)
	_, err = env.Engine.UndoLast(env.Ctx, "")
	require.NoError(t, err)
	_, err = env.Engine.UndoLast(env.Ctx, "")
	require.ErrorIs(t, err, engine.ErrNoUndoableHistory)
	require.Equal(t, map[int]int{1: 2}, env.stageCounts(t))
}

func TestUndoOverwritesStageRatherThanDecrementing(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("c", 3, 1)})
	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "p", Transitions: []engine.TransitionSpec{{From: 3, To: 4}}})
	require.NoError(t, err)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	_, err = env.Engine.Repo.SetStage(env.Ctx, tx, []string{"c01"}, 7, repo.Timestamp(time.Now()))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = env.Engine.UndoLast(env.Ctx, "")
	require.NoError(t, err)
	require.Equal(t, 3, env.student(t, "c01").Stage)
}

func TestInvoiceEffects(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{
		Students: append(students("c", 3, 2), students("e", 5, 1)...),
		Fees: []domain.FeeDefinition{
			{ID: "tuition-3", Name: "Tuition", Stage: 3, AmountCents: 50000},
			{ID: "lab-5", Name: "Lab", Stage: 5, AmountCents: 7500},
		},
		Invoices: []domain.FeeInvoice{
			{ID: "inv-c01", StudentID: "c01", FeeID: "tuition-3"},
			{ID: "inv-c02", StudentID: "c02", FeeID: "tuition-3"},
			{ID: "inv-e01", StudentID: "e01", FeeID: "lab-5"},
		},
	})

	res, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{
		Period:      "p1",
		Transitions: []engine.TransitionSpec{{From: 3, To: 4, HeldBack: []string{"c02"}}},
		Invoices:    engine.InvoiceClear,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Effects.InvoicesWrittenOff)

	invoices, err := env.Engine.Repo.ListInvoices(env.Ctx, env.Engine.DB, "c01")
	require.NoError(t, err)
	require.Equal(t, domain.InvoicePaid, invoices[0].Status)
	require.Equal(t, domain.SettlementWriteOff, *invoices[0].Settlement)

	bal, err := env.Engine.OutstandingFees(env.Ctx, "c02")
	require.NoError(t, err)
	require.Equal(t, int64(50000), bal.OutstandingCents)

	res, err = env.Engine.Execute(env.Ctx, engine.ExecuteRequest{
		Period:      "p2",
		Transitions: []engine.TransitionSpec{{From: 5, To: 6}},
		Invoices:    engine.InvoiceArchive,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Effects.FeesArchived)

	bal, err = env.Engine.OutstandingFees(env.Ctx, "e01")
	require.NoError(t, err)
	require.Zero(t, bal.OutstandingCents)
	invoices, err = env.Engine.Repo.ListInvoices(env.Ctx, env.Engine.DB, "e01")
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceUnpaid, invoices[0].Status)

	_, err = env.Engine.OutstandingFees(env.Ctx, "nobody")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestClearanceKeepHidesWithoutChangingStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{
		Students:  students("c", 3, 1),
		Clearance: []domain.ClearanceRequest{{ID: "cr-1", StudentID: "c01", Items: []domain.ClearanceItem{{Department: "library"}}}},
	})
	res, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "p", Transitions: []engine.TransitionSpec{{From: 3, To: 4}}, Clearance: engine.ClearanceKeep})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Effects.ClearanceHidden)

	req, err := env.Engine.Repo.GetClearanceRequest(env.Ctx, env.Engine.DB, "cr-1")
	require.NoError(t, err)
	require.True(t, req.Archived)
	require.Equal(t, domain.ClearanceSubmitted, req.Status)

	req, err = env.Engine.SetClearanceVisibility(env.Ctx, "cr-1", false, "registrar")
	require.NoError(t, err)
	require.False(t, req.Archived)
	require.Equal(t, domain.ClearanceSubmitted, req.Status)

	_, err = env.Engine.SetClearanceVisibility(env.Ctx, "missing", true, "")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestClearItemApprovesWhenAllItemsCleared(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{
		Students: students("c", 3, 1),
		Clearance: []domain.ClearanceRequest{{
			ID:        "cr-1",
			StudentID: "c01",
			Items:     []domain.ClearanceItem{{ID: "lib", Department: "library"}, {ID: "lab", Department: "lab"}},
		}},
	})

	req, err := env.Engine.ClearItem(env.Ctx, "lib", "librarian")
	require.NoError(t, err)
	require.Equal(t, domain.ClearanceSubmitted, req.Status)

	req, err = env.Engine.ClearItem(env.Ctx, "lab", "lab-tech")
	require.NoError(t, err)
	require.Equal(t, domain.ClearanceApproved, req.Status)
	for _, it := range req.Items {
		require.True(t, it.Cleared)
		require.NotNil(t, it.ClearedAt)
	}

	// hiding is orthogonal to status
	req, err = env.Engine.SetClearanceVisibility(env.Ctx, "cr-1", true, "")
	require.NoError(t, err)
	require.True(t, req.Archived)
	require.Equal(t, domain.ClearanceApproved, req.Status)

	_, err = env.Engine.ClearItem(env.Ctx, "nope", "")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestExecuteAndUndoAppendEvents(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("a", 1, 1)})
	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "p", Transitions: []engine.TransitionSpec{{From: 1, To: 2}}, ActorID: "registrar"})
	require.NoError(t, err)
	_, err = env.Engine.UndoLast(env.Ctx, "registrar")
	require.NoError(t, err)

	evts, err := events.Latest(env.Ctx, env.Engine.DB, env.Engine.Repo.Dialect, 10)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	require.Equal(t, "transition.undone", evts[0].Type)
	require.Equal(t, "transition.executed", evts[1].Type)
	require.Equal(t, "roster.imported", evts[2].Type)
	require.Equal(t, "registrar", evts[0].ActorID)
	for _, evt := range evts {
		require.Equal(t, "2024-09-01T08:00:00Z", evt.TS)
	}
}

func TestCanceledContextIsReturnedAsIs(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	_, err := env.Engine.Execute(ctx, engine.ExecuteRequest{Period: "p", Transitions: []engine.TransitionSpec{{From: 1, To: 2}}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestImportRosterRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ImportRoster(env.Ctx, engine.Roster{Students: []domain.Student{{ID: "x", Stage: 12}}}, "")
	require.ErrorIs(t, err, engine.ErrInvalidRoster)

	_, err = env.Engine.ImportRoster(env.Ctx, engine.Roster{
		Students: students("a", 1, 1),
		Invoices: []domain.FeeInvoice{{ID: "i", StudentID: "a01", FeeID: "missing"}},
	}, "")
	require.ErrorIs(t, err, engine.ErrInvalidRoster)

	env.seed(t, engine.Roster{Students: students("a", 1, 1)})
	_, err = env.Engine.ImportRoster(env.Ctx, engine.Roster{Students: students("a", 2, 1)}, "")
	require.ErrorIs(t, err, repo.ErrConflict)
	require.Equal(t, 1, env.student(t, "a01").Stage)
}

func TestParseRoster(t *testing.T) {
	r, err := engine.ParseRoster([]byte(`
students:
  - id: s1
    name: Ada
    stage: 2
clearance:
  - id: cr-1
    student_id: s1
    items:
      - department: library
fees:
  - id: f1
    name: Tuition
    stage: 2
    amount_cents: 1000
invoices:
  - id: i1
    student_id: s1
    fee_id: f1
`))
	require.NoError(t, err)
	require.Len(t, r.Students, 1)
	require.Equal(t, "Ada", r.Students[0].Name)
	require.Len(t, r.Clearance[0].Items, 1)
	require.Equal(t, int64(1000), r.Fees[0].AmountCents)

	_, err = engine.ParseRoster([]byte("students: [oops"))
	require.ErrorIs(t, err, engine.ErrInvalidRoster)
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "duplicate_execution", engine.ErrorKind(engine.ErrDuplicateExecution))
	require.Equal(t, "invalid_hold_back", engine.ErrorKind(fmt.Errorf("%w: stage 1", engine.ErrInvalidHoldBack)))
	require.Equal(t, "no_undoable_history", engine.ErrorKind(engine.ErrNoUndoableHistory))
	require.Equal(t, "persistence_failure", engine.ErrorKind(engine.ErrPersistenceFailure))
	require.Equal(t, "not_found", engine.ErrorKind(repo.ErrNotFound))
	require.Empty(t, engine.ErrorKind(nil))
}

func TestPreviewIsIdempotentAndPicksMajorityParity(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: append(append(students("e", 2, 3), students("l", 8, 1)...), students("o", 1, 1)...)})

	first, err := env.Engine.Preview(env.Ctx)
	require.NoError(t, err)
	second, err := env.Engine.Preview(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Equal(t, config.ParityEven, first.Direction)
	require.False(t, first.TieBreak)
	require.Equal(t, 4, first.EvenActive)
	require.Equal(t, 1, first.OddActive)
	require.Equal(t, []engine.Candidate{
		{From: 2, To: 3, Eligible: 3},
		{From: 4, To: 5},
		{From: 6, To: 7},
		{From: 8, Archive: true, Eligible: 1},
	}, first.Candidates)
	require.Equal(t, 4, first.TotalEligible)
	require.Equal(t, map[int]int{1: 1, 2: 3, 8: 1}, env.stageCounts(t))
}

func TestConcurrentExecutesOfOnePeriodAdmitOne(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("c", 3, 10)})

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "2024-fall", Transitions: []engine.TransitionSpec{{From: 3, To: 4}}})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, engine.ErrDuplicateExecution)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, map[int]int{4: 10}, env.stageCounts(t))
	history, err := env.Engine.History(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestUndoLogsSnapshotThatDisagreesWithHistory(t *testing.T) {
	env := newTestEnv(t)
	core, logs := observer.New(zapcore.WarnLevel)
	env.Engine.Log = zap.New(core)
	env.seed(t, engine.Roster{Students: students("g", 8, 2)})
	_, err := env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "2024-fall", Transitions: []engine.TransitionSpec{{From: 8, Archive: true}}})
	require.NoError(t, err)
	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE archived_students SET stage=5 WHERE student_id='g01'`)
	require.NoError(t, err)

	undo, err := env.Engine.UndoLast(env.Ctx, "")
	require.NoError(t, err)
	require.Equal(t, 2, undo.Unarchived)
	require.Equal(t, 8, env.student(t, "g01").Stage)

	warned := logs.FilterMessage("archive snapshot disagrees with history; history wins").All()
	require.Len(t, warned, 1)
	require.Equal(t, "g01", warned[0].ContextMap()["student_id"])
	require.EqualValues(t, 5, warned[0].ContextMap()["snapshot_stage"])
}

func TestEngineWithoutConfigReportsPersistenceFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config = nil
	_, err := env.Engine.Preview(env.Ctx)
	require.ErrorIs(t, err, engine.ErrPersistenceFailure)
	_, err = env.Engine.Execute(env.Ctx, engine.ExecuteRequest{Period: "p", Transitions: []engine.TransitionSpec{{From: 1, To: 2}}})
	require.ErrorIs(t, err, engine.ErrPersistenceFailure)
}

func TestImportRosterResolvesStoredStudents(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, engine.Roster{Students: students("a", 5, 1)})

	_, err := env.Engine.ImportRoster(env.Ctx, engine.Roster{
		Clearance: []domain.ClearanceRequest{{ID: "cr-ghost", StudentID: "ghost"}},
	}, "")
	require.ErrorIs(t, err, engine.ErrInvalidRoster)
	require.Contains(t, err.Error(), "ghost")

	_, err = env.Engine.ImportRoster(env.Ctx, engine.Roster{
		Fees:     []domain.FeeDefinition{{ID: "f", Stage: 5, AmountCents: 100}},
		Invoices: []domain.FeeInvoice{{ID: "i", StudentID: "ghost", FeeID: "f"}},
	}, "")
	require.ErrorIs(t, err, engine.ErrInvalidRoster)

	res, err := env.Engine.ImportRoster(env.Ctx, engine.Roster{
		Clearance: []domain.ClearanceRequest{{ID: "cr-a01", StudentID: "a01"}},
	}, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Clearance)
	req, err := env.Engine.Repo.GetClearanceRequest(env.Ctx, env.Engine.DB, "cr-a01")
	require.NoError(t, err)
	require.Equal(t, 5, req.Stage)
}
