package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"lessonworks/internal/ledger"
	"lessonworks/internal/otp"
	"lessonworks/internal/sessions"
	"lessonworks/pkg/config"
	"lessonworks/pkg/kafka"
	"lessonworks/pkg/logging"
	"lessonworks/pkg/ratelimit"
)

// JobManager handles background jobs: the stale session sweep, verification
// code cleanup, rate limit window pruning and the credit purchase consumer.
type JobManager struct {
	db             *sql.DB
	logger         logging.Logger
	sessionManager *sessions.Manager
	creditLedger   *ledger.Ledger
	otpVerifier    *otp.Verifier
	limiterStore   *ratelimit.MemoryStore
	kafkaConsumer  *kafka.Consumer
	stopCh         chan struct{}
	purchaseTopic  string
	sweepInterval  time.Duration
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, manager *sessions.Manager, creditLdgr *ledger.Ledger, verifier *otp.Verifier, limiterStore *ratelimit.MemoryStore, log logging.Logger) *JobManager {
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "local")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "bursar")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "bursar-ingest")
	purchaseTopic := config.GetEnv("PURCHASE_KAFKA_TOPIC", "billing.credit_purchases")

	consumer, err := kafka.NewConsumer(brokers, groupID, clusterID, clientID, log)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka consumer for credit purchases")
		// Don't fatal here, allow API to start without consumer if needed
	}

	return &JobManager{
		db:             database,
		logger:         log,
		sessionManager: manager,
		creditLedger:   creditLdgr,
		otpVerifier:    verifier,
		limiterStore:   limiterStore,
		kafkaConsumer:  consumer,
		stopCh:         make(chan struct{}),
		purchaseTopic:  purchaseTopic,
		sweepInterval:  config.GetEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
	}
}

// KafkaClient exposes the consumer's client for health checks. Returns nil
// when the consumer failed to start.
func (jm *JobManager) KafkaClient() *kgo.Client {
	if jm.kafkaConsumer == nil {
		return nil
	}
	return jm.kafkaConsumer.Client()
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting bursar job manager")

	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.AddHandler(jm.purchaseTopic, jm.handleCreditPurchase)
		go func() {
			if err := jm.kafkaConsumer.Start(ctx); err != nil {
				jm.logger.WithError(err).Error("Kafka consumer exited with error")
			}
		}()
	}

	go jm.runStaleSessionSweep(ctx)
	go jm.runOTPCleanup(ctx)

	if jm.limiterStore != nil {
		go jm.runRateLimitPrune(ctx)
	}
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping bursar job manager")
	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.Close()
	}
	close(jm.stopCh)
}

// handleCreditPurchase consumes cleared credit purchases and grants the
// credits. The payment pipeline is trusted; this side never re-validates the
// purchase itself.
func (jm *JobManager) handleCreditPurchase(ctx context.Context, msg kafka.Message) error {
	var event CreditPurchaseEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		jm.logger.WithError(err).Error("Failed to unmarshal credit purchase event")
		return nil // Skip bad message
	}
	if event.UserID == "" || event.Credits <= 0 {
		jm.logger.WithFields(logging.Fields{
			"purchase_id": event.PurchaseID,
			"user_id":     event.UserID,
			"credits":     event.Credits,
		}).Warn("Dropping malformed credit purchase event")
		return nil
	}

	reason := "purchase " + event.PurchaseID
	if event.PackageName != "" {
		reason += " (" + event.PackageName + ")"
	}

	balance, err := jm.creditLedger.Grant(ctx, event.UserID, event.Credits, reason, event.ValidityDays)
	if err != nil {
		jm.logger.WithError(err).WithFields(logging.Fields{
			"purchase_id": event.PurchaseID,
			"user_id":     event.UserID,
		}).Error("Failed to grant purchased credits")
		return err
	}

	if metrics != nil {
		metrics.CreditOperations.WithLabelValues("grant", "ok").Inc()
	}
	jm.logger.WithFields(logging.Fields{
		"purchase_id": event.PurchaseID,
		"user_id":     event.UserID,
		"credits":     event.Credits,
		"new_balance": balance.TotalCredits,
	}).Info("Granted purchased credits")

	return nil
}

// runStaleSessionSweep force-expires sessions stuck active past the staleness
// threshold so reserved credits are never held forever
func (jm *JobManager) runStaleSessionSweep(ctx context.Context) {
	ticker := time.NewTicker(jm.sweepInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting stale session sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			expired, err := jm.sessionManager.SweepStale(ctx, sessions.StaleSessionThreshold)
			if err != nil {
				jm.logger.WithError(err).Error("Stale session sweep failed")
				continue
			}
			if metrics != nil && expired > 0 {
				metrics.StaleSweeps.WithLabelValues("expired").Add(float64(expired))
			}
		}
	}
}

// runOTPCleanup removes expired codes and stale verification records
func (jm *JobManager) runOTPCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting verification code cleanup job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			removed, err := jm.otpVerifier.Cleanup(ctx)
			if err != nil {
				jm.logger.WithError(err).Error("Verification code cleanup failed")
				continue
			}
			if removed > 0 {
				jm.logger.WithField("removed", removed).Info("Cleaned up verification codes")
			}
		}
	}
}

// runRateLimitPrune drops expired in-memory rate limit windows
func (jm *JobManager) runRateLimitPrune(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.limiterStore.Sweep()
		}
	}
}
