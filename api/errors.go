package api

import (
	"errors"
	"net/http"

	"github.com/warp/course-market/market"
)

// Payment outcome codes. The rejection codes are the market error codes.
const CodeSubscribed = "subscribed"

// paymentMessages holds the user-facing text per payment outcome.
var paymentMessages = map[string]string{
	CodeSubscribed:               "Подписка на курс успешно оформлена.",
	market.CodeAlreadyEnrolled:   "Вы уже подписаны на этот курс.",
	market.CodeCourseUnavailable: "Данный курс не доступен для покупки.",
	market.CodeInsufficientFunds: "Недостаточно бонусов для покупки курса.",
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case market.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, market.ErrEmailTaken), errors.Is(err, market.ErrConcurrentModification):
		return http.StatusConflict
	case market.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err with its status and stable code. Internal
// errors are not echoed to the client.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Code: market.Code(err)}
	if status != http.StatusInternalServerError {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
