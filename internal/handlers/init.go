package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"lessonworks/internal/ledger"
	"lessonworks/internal/otp"
	"lessonworks/internal/sessions"
	"lessonworks/pkg/flow"
	"lessonworks/pkg/logging"
)

var (
	db             *sql.DB
	logger         logging.Logger
	metrics        *BursarMetrics
	creditLedger   *ledger.Ledger
	sessionManager *sessions.Manager
	sessionCatalog sessions.Catalog
	otpVerifier    *otp.Verifier
	flowStore      flow.Store
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	SessionTransitions *prometheus.CounterVec
	CreditOperations   *prometheus.CounterVec
	OTPOperations      *prometheus.CounterVec
	StaleSweeps        *prometheus.CounterVec
	DBQueries          *prometheus.CounterVec
	DBDuration         *prometheus.HistogramVec
	DBConnections      *prometheus.GaugeVec
}

// Deps bundles the shared components handlers operate on.
type Deps struct {
	DB             *sql.DB
	Logger         logging.Logger
	Metrics        *BursarMetrics
	Ledger         *ledger.Ledger
	SessionManager *sessions.Manager
	SessionCatalog sessions.Catalog
	OTPVerifier    *otp.Verifier
	FlowStore      flow.Store
}

// Init initializes the handlers with their shared dependencies
func Init(deps Deps) {
	db = deps.DB
	logger = deps.Logger
	metrics = deps.Metrics
	creditLedger = deps.Ledger
	sessionManager = deps.SessionManager
	sessionCatalog = deps.SessionCatalog
	otpVerifier = deps.OTPVerifier
	flowStore = deps.FlowStore
}
