package flow

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestNewStateStartsAtFirstStep(t *testing.T) {
	state := NewState()

	if state.CurrentStep != StepLanding {
		t.Errorf("current step = %q, want %q", state.CurrentStep, StepLanding)
	}
	if len(state.CompletedSteps) != 0 {
		t.Errorf("completed steps = %v, want empty", state.CompletedSteps)
	}

	ok, err := state.CanAccess(StepLanding)
	if err != nil || !ok {
		t.Errorf("fresh state should access %q (ok=%v, err=%v)", StepLanding, ok, err)
	}
	ok, err = state.CanAccess(StepMain)
	if err != nil || ok {
		t.Errorf("fresh state should not access %q", StepMain)
	}
}

func TestCompleteStepAdvancesCurrent(t *testing.T) {
	state := NewState()

	for _, step := range []Step{StepLanding, StepInvitation, StepQualification} {
		if err := state.CompleteStep(step); err != nil {
			t.Fatalf("complete %q: %v", step, err)
		}
	}

	if state.CurrentStep != StepLanguage {
		t.Errorf("current step = %q, want %q", state.CurrentStep, StepLanguage)
	}

	// Completed steps stay reachable, the current one opens, later ones stay shut.
	for _, tc := range []struct {
		step Step
		want bool
	}{
		{StepLanding, true},
		{StepQualification, true},
		{StepLanguage, true},
		{StepIntro, false},
		{StepMain, false},
	} {
		got, err := state.CanAccess(tc.step)
		if err != nil {
			t.Fatalf("CanAccess(%q): %v", tc.step, err)
		}
		if got != tc.want {
			t.Errorf("CanAccess(%q) = %v, want %v", tc.step, got, tc.want)
		}
	}
}

func TestCompleteStepIsIdempotent(t *testing.T) {
	state := NewState()

	if err := state.CompleteStep(StepLanding); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := state.CompleteStep(StepLanding); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}

	if len(state.CompletedSteps) != 1 {
		t.Errorf("completed steps = %v, want exactly one entry", state.CompletedSteps)
	}
	if state.CurrentStep != StepInvitation {
		t.Errorf("current step = %q, want %q", state.CurrentStep, StepInvitation)
	}
}

func TestCompleteStepReanchorsDriftedCurrent(t *testing.T) {
	state := NewState()
	for _, step := range Steps[:7] {
		if err := state.CompleteStep(step); err != nil {
			t.Fatalf("complete %q: %v", step, err)
		}
	}

	// A client replaying an early completion must still land after that step.
	if err := state.CompleteStep(StepInvitation); err != nil {
		t.Fatalf("replayed complete: %v", err)
	}
	if state.CurrentStep != StepQualification {
		t.Errorf("current step = %q, want %q", state.CurrentStep, StepQualification)
	}
}

func TestMainOpensOnlyAfterProfile(t *testing.T) {
	state := NewState()
	for _, step := range Steps[:7] {
		if err := state.CompleteStep(step); err != nil {
			t.Fatalf("complete %q: %v", step, err)
		}
	}

	if ok, _ := state.CanAccess(StepMain); ok {
		t.Error("main should be closed before profile is completed")
	}

	if err := state.CompleteStep(StepProfile); err != nil {
		t.Fatalf("complete profile: %v", err)
	}
	if ok, _ := state.CanAccess(StepMain); !ok {
		t.Error("main should open once profile is completed")
	}
	if ok, _ := state.CanAccess(StepLanguage); !ok {
		t.Error("completed steps should stay accessible")
	}
}

func TestCompleteFinalStepStaysPut(t *testing.T) {
	state := NewState()
	for _, step := range Steps {
		if err := state.CompleteStep(step); err != nil {
			t.Fatalf("complete %q: %v", step, err)
		}
	}

	if state.CurrentStep != StepMain {
		t.Errorf("current step after final completion = %q, want %q", state.CurrentStep, StepMain)
	}
}

func TestPostgresStoreLoadMissingReturnsFresh(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT current_step, completed_steps, user_data, updated_at")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_step", "completed_steps", "user_data", "updated_at"}))

	store := NewPostgresStore(db)
	state, err := store.Load(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.CurrentStep != StepLanding {
		t.Errorf("missing row should yield fresh state, got current step %q", state.CurrentStep)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreSaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	state := NewState()
	state.CompleteStep(StepLanding)
	state.SetUserData("language", "en")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_flow_states")).
		WithArgs("user-1", string(StepInvitation), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	if err := store.Save(context.Background(), "user-1", state); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreDeleteRemovesRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_flow_states")).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	if err := store.Delete(context.Background(), "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
