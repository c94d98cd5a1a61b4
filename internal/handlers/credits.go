package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lessonworks/internal/ledger"
	"lessonworks/pkg/logging"
	"lessonworks/pkg/middleware"
	"lessonworks/pkg/models"
)

func countCreditOp(op, outcome string) {
	if metrics != nil {
		metrics.CreditOperations.WithLabelValues(op, outcome).Inc()
	}
}

// Credit API Endpoints

// GetBalance returns the authenticated user's credit balance. A user with no
// balance row yet sees zeroes, not an error.
func GetBalance(c middleware.Context) {
	userID := requestUserID(c)

	balance, err := creditLedger.GetBalance(c.Request.Context(), userID)
	if errors.Is(err, ledger.ErrBalanceNotFound) {
		c.JSON(http.StatusOK, &models.CreditBalance{UserID: userID})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// ListTransactions returns the authenticated user's recent ledger entries
func ListTransactions(c middleware.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	transactions, err := creditLedger.ListTransactions(c.Request.Context(), requestUserID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if transactions == nil {
		transactions = []models.CreditTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

// GrantCredits adds credits to a user's balance. Service scope; ordinary
// grants arrive through the purchase event stream instead.
func GrantCredits(c middleware.Context) {
	var req GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	balance, err := creditLedger.Grant(c.Request.Context(), req.UserID, req.Amount, req.Reason, req.ValidityDays)
	if err != nil {
		countCreditOp("grant", "rejected")
		writeError(c, err)
		return
	}

	countCreditOp("grant", "ok")
	logger.WithFields(logging.Fields{
		"user_id": req.UserID,
		"amount":  req.Amount,
		"reason":  req.Reason,
	}).Info("Credits granted")

	c.JSON(http.StatusOK, balance)
}

// DeductCredits removes credits outside the reservation flow, for
// administrative corrections. Service scope.
func DeductCredits(c middleware.Context) {
	var req DeductCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	balance, err := creditLedger.Deduct(c.Request.Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		countCreditOp("deduct", "rejected")
		writeError(c, err)
		return
	}

	countCreditOp("deduct", "ok")
	logger.WithFields(logging.Fields{
		"user_id": req.UserID,
		"amount":  req.Amount,
		"reason":  req.Reason,
	}).Info("Credits deducted")

	c.JSON(http.StatusOK, balance)
}
