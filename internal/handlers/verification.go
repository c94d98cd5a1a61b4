package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lessonworks/pkg/middleware"
)

func countOTPOp(op, outcome string) {
	if metrics != nil {
		metrics.OTPOperations.WithLabelValues(op, outcome).Inc()
	}
}

// Verification API Endpoints

// SendVerificationCode issues a one-time code for an email or phone identity
func SendVerificationCode(c middleware.Context) {
	var req SendCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	if err := otpVerifier.Send(c.Request.Context(), req.Identity, req.Purpose); err != nil {
		countOTPOp("send", "rejected")
		writeError(c, err)
		return
	}

	countOTPOp("send", "ok")
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// VerifyCode checks a submitted one-time code
func VerifyCode(c middleware.Context) {
	var req VerifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	if err := otpVerifier.Verify(c.Request.Context(), req.Identity, req.Purpose, req.Code); err != nil {
		countOTPOp("verify", "rejected")
		writeError(c, err)
		return
	}

	countOTPOp("verify", "ok")
	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

// GetVerificationStatus reports whether the identity was verified within the
// last 24 hours
func GetVerificationStatus(c middleware.Context) {
	identity := c.Query("identity")
	purpose := c.Query("purpose")
	if identity == "" || purpose == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "identity and purpose are required"})
		return
	}

	verified, err := otpVerifier.HasValidVerification(c.Request.Context(), identity, purpose)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": verified})
}
