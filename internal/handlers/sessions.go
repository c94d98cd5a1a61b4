package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lessonworks/internal/sessions"
	"lessonworks/pkg/ctxkeys"
	"lessonworks/pkg/logging"
	"lessonworks/pkg/middleware"
	"lessonworks/pkg/models"
	"lessonworks/pkg/pagination"
)

func requestUserID(c middleware.Context) string {
	return c.GetString(string(ctxkeys.KeyUserID))
}

func countTransition(event, outcome string) {
	if metrics != nil {
		metrics.SessionTransitions.WithLabelValues(event, outcome).Inc()
	}
}

// Session API Endpoints

// GetSessionTypes returns the active session type catalog
func GetSessionTypes(c middleware.Context) {
	types, err := sessionCatalog.ListSessionTypes(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Failed to list session types")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch session types"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_types": types})
}

// StartSession creates a session for the authenticated user, reserving
// credits when it activates immediately
func StartSession(c middleware.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	session, err := sessionManager.Start(c.Request.Context(), sessions.StartRequest{
		UserID:        requestUserID(c),
		SessionTypeID: req.SessionTypeID,
		BillingMode:   req.BillingMode,
		ScheduledAt:   req.ScheduledAt,
	})
	if err != nil {
		countTransition("start", "rejected")
		writeError(c, err)
		return
	}

	countTransition("start", "ok")
	c.JSON(http.StatusCreated, session)
}

// ActivateSession moves a scheduled session to active
func ActivateSession(c middleware.Context) {
	session, err := sessionManager.Activate(c.Request.Context(), requestUserID(c), c.Param("id"))
	if err != nil {
		countTransition("activate", "rejected")
		writeError(c, err)
		return
	}
	countTransition("activate", "ok")
	c.JSON(http.StatusOK, session)
}

// PauseSession suspends an active session
func PauseSession(c middleware.Context) {
	session, err := sessionManager.Pause(c.Request.Context(), requestUserID(c), c.Param("id"))
	if err != nil {
		countTransition("pause", "rejected")
		writeError(c, err)
		return
	}
	countTransition("pause", "ok")
	c.JSON(http.StatusOK, session)
}

// ResumeSession reactivates a paused session
func ResumeSession(c middleware.Context) {
	session, err := sessionManager.Resume(c.Request.Context(), requestUserID(c), c.Param("id"))
	if err != nil {
		countTransition("resume", "rejected")
		writeError(c, err)
		return
	}
	countTransition("resume", "ok")
	c.JSON(http.StatusOK, session)
}

// ExtendSession adds minutes to a running session, reserving the extra cost
func ExtendSession(c middleware.Context) {
	var req ExtendSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	session, err := sessionManager.Extend(c.Request.Context(), requestUserID(c), c.Param("id"), req.AdditionalMinutes)
	if err != nil {
		countTransition("extend", "rejected")
		writeError(c, err)
		return
	}
	countTransition("extend", "ok")
	c.JSON(http.StatusOK, session)
}

// EndSession terminates a session and settles its credits. Safe to repeat;
// a terminal session returns its final state unchanged.
func EndSession(c middleware.Context) {
	var req EndSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	session, err := sessionManager.End(c.Request.Context(), requestUserID(c), c.Param("id"), req.Reason)
	if err != nil {
		countTransition("end", "rejected")
		writeError(c, err)
		return
	}

	countTransition("end", "ok")
	middleware.GetContextLogger(c, logger).WithFields(logging.Fields{
		"session_id":   session.ID,
		"status":       session.Status,
		"credits_used": session.CreditsUsed,
	}).Info("Session end requested")

	c.JSON(http.StatusOK, session)
}

// GetSessionDetails returns a session with its activity log and ledger
// transactions
func GetSessionDetails(c middleware.Context) {
	details, err := sessionManager.GetDetails(c.Request.Context(), requestUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// ListSessions returns the authenticated user's sessions with cursor
// pagination
func ListSessions(c middleware.Context) {
	var req pagination.Request
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid pagination parameters"})
		return
	}

	results, pageInfo, err := sessionManager.ListUserSessions(c.Request.Context(), requestUserID(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	if results == nil {
		results = []models.Session{}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions":  results,
		"page_info": pageInfo,
	})
}

// ListActiveSessions returns in-flight sessions across users. Service scope.
func ListActiveSessions(c middleware.Context) {
	active, err := sessionManager.ListActiveSessions(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if active == nil {
		active = []models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": active})
}
