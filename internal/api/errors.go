package api

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes. Clients branch on these, never on messages.
const (
	CodeAuthRequired  = "AUTH_REQUIRED"
	CodeRBACForbidden = "RBAC_FORBIDDEN"
	CodeRateLimited   = "RATE_LIMITED"
	CodeArmRequired   = "ARM_REQUIRED"
	CodeArmExpired    = "ARM_EXPIRED"
	CodeKeyRevoked    = "KEY_REVOKED"
	CodeInvalidID     = "INVALID_ID"
	CodeInvalidUpdate = "INVALID_UPDATE"
	CodeNotFound      = "NOT_FOUND"
	CodeUserExists    = "USER_EXISTS"
	CodeInvalidCursor = "INVALID_CURSOR"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Detail errorDetail `json:"detail"`
}

// writeError emits the uniform error envelope:
// {"detail": {"code": "...", "message": "..."}}
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
