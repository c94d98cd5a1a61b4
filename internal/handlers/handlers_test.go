package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lessonworks/internal/ledger"
	"lessonworks/internal/otp"
	"lessonworks/internal/sessions"
	"lessonworks/pkg/ctxkeys"
	"lessonworks/pkg/flow"
	"lessonworks/pkg/logging"
	"lessonworks/pkg/models"
)

type noopNotifier struct{}

func (noopNotifier) SendCode(context.Context, string, string, string) error { return nil }

type memoryFlowStore struct {
	states map[string]*flow.State
}

func (s *memoryFlowStore) Load(_ context.Context, userID string) (*flow.State, error) {
	if state, ok := s.states[userID]; ok {
		return state, nil
	}
	return flow.NewState(), nil
}

func (s *memoryFlowStore) Save(_ context.Context, userID string, state *flow.State) error {
	s.states[userID] = state
	return nil
}

func (s *memoryFlowStore) Delete(_ context.Context, userID string) error {
	delete(s.states, userID)
	return nil
}

type fixedCatalog struct {
	types map[string]*models.SessionType
}

func (c *fixedCatalog) GetSessionType(_ context.Context, id string) (*models.SessionType, error) {
	if st, ok := c.types[id]; ok {
		return st, nil
	}
	return nil, sessions.ErrSessionTypeNotFound
}

func (c *fixedCatalog) ListSessionTypes(_ context.Context) ([]models.SessionType, error) {
	var out []models.SessionType
	for _, st := range c.types {
		out = append(out, *st)
	}
	return out, nil
}

// setupTest wires the handler package against sqlmock and returns a router
// that authenticates every request as userID.
func setupTest(t *testing.T, userID string, catalog sessions.Catalog) (sqlmock.Sqlmock, *gin.Engine, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	log := logging.NewLogger()
	creditLdgr := ledger.New(mockDB, log)
	if catalog == nil {
		catalog = &fixedCatalog{}
	}

	Init(Deps{
		DB:             mockDB,
		Logger:         log,
		Ledger:         creditLdgr,
		SessionManager: sessions.NewManager(mockDB, creditLdgr, catalog, log),
		SessionCatalog: catalog,
		OTPVerifier:    otp.NewVerifier(mockDB, noopNotifier{}, log),
		FlowStore:      &memoryFlowStore{states: map[string]*flow.State{}},
	})

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(string(ctxkeys.KeyUserID), userID)
		c.Next()
	})
	router.POST("/sessions", StartSession)
	router.POST("/sessions/:id/end", EndSession)
	router.GET("/credits/balance", GetBalance)
	router.POST("/verification/send", SendVerificationCode)
	router.POST("/verification/verify", VerifyCode)
	router.GET("/flow", GetFlowState)
	router.POST("/flow/complete", CompleteFlowStep)
	router.POST("/flow/reset", ResetFlowState)
	router.GET("/flow/can-access/:step", CanAccessStep)

	return mock, router, func() { mockDB.Close() }
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStartSession_InsufficientCreditsReturns402(t *testing.T) {
	userID := uuid.New().String()
	typeID := uuid.New().String()
	catalog := &fixedCatalog{types: map[string]*models.SessionType{
		typeID: {ID: typeID, CreditCost: 60, BaseDurationMinutes: 60, MaxDurationMinutes: 120, CreditsPerMinute: 1.0},
	}}
	mock, router, done := setupTest(t, userID, catalog)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT total_credits.*FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"total_credits", "available_credits", "reserved_credits"}).
			AddRow(10, 10, 0))
	mock.ExpectRollback()

	w := doJSON(t, router, "POST", "/sessions", StartSessionRequest{SessionTypeID: typeID})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEndSession_TerminalReturnsSameState(t *testing.T) {
	userID := uuid.New().String()
	mock, router, done := setupTest(t, userID, nil)
	defer done()

	sessionID := uuid.New().String()
	endedAt := time.Now().Add(-time.Hour)
	startedAt := endedAt.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, user_id.*FOR UPDATE`).
		WithArgs(sessionID, userID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "session_type_id", "status", "billing_mode",
			"credits_reserved", "credits_used", "credits_per_minute", "allowed_minutes",
			"scheduled_at", "started_at", "ended_at", "duration_minutes", "end_reason",
			"created_at", "updated_at",
		}).AddRow(sessionID, userID, uuid.New().String(), "completed", "prepaid",
			60, 45, 1.0, 60, nil, startedAt, endedAt, 45, "completed", startedAt, endedAt))
	mock.ExpectRollback()

	w := doJSON(t, router, "POST", "/sessions/"+sessionID+"/end", EndSessionRequest{Reason: "completed"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}

	var session models.Session
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if session.Status != models.SessionCompleted || session.CreditsUsed != 45 {
		t.Errorf("terminal state changed by repeated end: %+v", session)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEndSession_ScopedToAuthenticatedUser(t *testing.T) {
	callerID := uuid.New().String()
	mock, router, done := setupTest(t, callerID, nil)
	defer done()

	sessionID := uuid.New().String()

	// The row belongs to a different user, so the caller's scoped lock
	// sees nothing and no settlement runs.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, user_id.*FOR UPDATE`).
		WithArgs(sessionID, callerID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "session_type_id", "status", "billing_mode",
			"credits_reserved", "credits_used", "credits_per_minute", "allowed_minutes",
			"scheduled_at", "started_at", "ended_at", "duration_minutes", "end_reason",
			"created_at", "updated_at",
		}))
	mock.ExpectRollback()

	w := doJSON(t, router, "POST", "/sessions/"+sessionID+"/end", EndSessionRequest{Reason: "completed"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetBalance_MissingRowReturnsZeroes(t *testing.T) {
	userID := uuid.New().String()
	mock, router, done := setupTest(t, userID, nil)
	defer done()

	mock.ExpectQuery("SELECT total_credits").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"total_credits", "available_credits", "reserved_credits", "updated_at"}))

	w := doJSON(t, router, "GET", "/credits/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var balance models.CreditBalance
	if err := json.Unmarshal(w.Body.Bytes(), &balance); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if balance.TotalCredits != 0 || balance.AvailableCredits != 0 || balance.ReservedCredits != 0 {
		t.Errorf("expected zero balance, got %+v", balance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSendVerificationCode_CooldownReturns429(t *testing.T) {
	mock, router, done := setupTest(t, uuid.New().String(), nil)
	defer done()

	mock.ExpectQuery("SELECT created_at FROM otp_codes").
		WithArgs("user@example.com", "email_verification").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).
			AddRow(time.Now().Add(-30 * time.Second)))

	w := doJSON(t, router, "POST", "/verification/send", SendCodeRequest{
		Identity: "user@example.com",
		Purpose:  "email_verification",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body: %s", w.Code, w.Body.String())
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RetryAfterSeconds <= 0 || resp.RetryAfterSeconds > 120 {
		t.Errorf("retry_after_seconds = %d, want within (0, 120]", resp.RetryAfterSeconds)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerifyCode_MismatchReportsRemainingAttempts(t *testing.T) {
	mock, router, done := setupTest(t, uuid.New().String(), nil)
	defer done()

	mock.ExpectQuery("SELECT id, expires_at, attempts FROM otp_codes").
		WithArgs("user@example.com", "email_verification").
		WillReturnRows(sqlmock.NewRows([]string{"id", "expires_at", "attempts"}).
			AddRow("code-1", time.Now().Add(5*time.Minute), 2))
	mock.ExpectQuery("UPDATE otp_codes").
		WithArgs("code-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "code"}).AddRow(3, "123456"))

	w := doJSON(t, router, "POST", "/verification/verify", VerifyCodeRequest{
		Identity: "user@example.com",
		Purpose:  "email_verification",
		Code:     "999999",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body: %s", w.Code, w.Body.String())
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.AttemptsRemaining == nil || *resp.AttemptsRemaining != 2 {
		t.Errorf("attempts_remaining = %v, want 2", resp.AttemptsRemaining)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFlowEndpointsAdvanceAndGate(t *testing.T) {
	_, router, done := setupTest(t, uuid.New().String(), nil)
	defer done()

	w := doJSON(t, router, "GET", "/flow/can-access/main", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var gate struct {
		CanAccess bool `json:"can_access"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &gate); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if gate.CanAccess {
		t.Error("main should be closed for a fresh user")
	}

	for _, step := range []string{
		"landing", "invitation", "qualification", "language",
		"intro", "verification", "account-creation", "profile",
	} {
		w = doJSON(t, router, "POST", "/flow/complete", CompleteStepRequest{Step: step})
		if w.Code != http.StatusOK {
			t.Fatalf("completing %q: status = %d, body: %s", step, w.Code, w.Body.String())
		}
	}

	w = doJSON(t, router, "GET", "/flow/can-access/main", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &gate); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !gate.CanAccess {
		t.Error("main should open once profile is completed")
	}
}

func TestResetFlowState_DropsProgress(t *testing.T) {
	_, router, done := setupTest(t, uuid.New().String(), nil)
	defer done()

	w := doJSON(t, router, "POST", "/flow/complete", CompleteStepRequest{Step: "landing"})
	if w.Code != http.StatusOK {
		t.Fatalf("completing landing: status = %d, body: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/flow/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset: status = %d, body: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/flow", nil)
	var state flow.State
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if state.CurrentStep != flow.StepLanding || len(state.CompletedSteps) != 0 {
		t.Errorf("reset left progress behind: %+v", state)
	}
}

func TestCanAccessStep_UnknownStepRejected(t *testing.T) {
	_, router, done := setupTest(t, uuid.New().String(), nil)
	defer done()

	w := doJSON(t, router, "GET", "/flow/can-access/teleport", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
