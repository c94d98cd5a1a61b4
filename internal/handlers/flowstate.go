package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lessonworks/pkg/flow"
	"lessonworks/pkg/middleware"
)

// Onboarding Flow API Endpoints
//
// Flow state routes the client UI only. Nothing here grants privileges; the
// privileged endpoints carry their own authorization.

// GetFlowState returns the user's onboarding position
func GetFlowState(c middleware.Context) {
	state, err := flowStore.Load(c.Request.Context(), requestUserID(c))
	if err != nil {
		logger.WithError(err).Error("Failed to load flow state")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load flow state"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// CanAccessStep reports whether the user may visit a step
func CanAccessStep(c middleware.Context) {
	state, err := flowStore.Load(c.Request.Context(), requestUserID(c))
	if err != nil {
		logger.WithError(err).Error("Failed to load flow state")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load flow state"})
		return
	}

	allowed, err := state.CanAccess(flow.Step(c.Param("step")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"step":       c.Param("step"),
		"can_access": allowed,
	})
}

// CompleteFlowStep records a step as done and advances the user
func CompleteFlowStep(c middleware.Context) {
	var req CompleteStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	userID := requestUserID(c)
	state, err := flowStore.Load(c.Request.Context(), userID)
	if err != nil {
		logger.WithError(err).Error("Failed to load flow state")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load flow state"})
		return
	}

	if err := state.CompleteStep(flow.Step(req.Step)); err != nil {
		writeError(c, err)
		return
	}
	for key, value := range req.UserData {
		state.SetUserData(key, value)
	}

	if err := flowStore.Save(c.Request.Context(), userID, state); err != nil {
		logger.WithError(err).Error("Failed to save flow state")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to save flow state"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// ResetFlowState returns the user to the first step. Called on logout.
// Dropping the stored row means the next load starts from a clean slate,
// stale user data included.
func ResetFlowState(c middleware.Context) {
	if err := flowStore.Delete(c.Request.Context(), requestUserID(c)); err != nil {
		logger.WithError(err).Error("Failed to reset flow state")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to reset flow state"})
		return
	}
	c.JSON(http.StatusOK, flow.NewState())
}
