// internal/auth/handlers.go

package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eugeniagram/eugeniagram/internal/common/utils"
)

const maxAuthBody = 16 << 10

// Handler holds dependencies for auth endpoints
type Handler struct {
	service    Service
	middleware *Middleware
	log        *slog.Logger
}

// NewHandler creates a new auth handler
func NewHandler(service Service, middleware *Middleware, log *slog.Logger) *Handler {
	return &Handler{service: service, middleware: middleware, log: log}
}

// RegisterRoutes registers all auth routes with the router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	auth := router.PathPrefix("/auth/v1").Subrouter()

	// Public routes
	auth.HandleFunc("/signup", h.Signup).Methods("POST")
	auth.HandleFunc("/token", h.Signin).Methods("POST")
	auth.HandleFunc("/recover", h.Recover).Methods("POST")
	auth.HandleFunc("/verify", h.Verify).Methods("POST")

	// Protected routes
	protected := auth.NewRoute().Subrouter()
	protected.Use(h.middleware.Authenticate)
	protected.HandleFunc("/logout", h.Logout).Methods("POST")
	protected.HandleFunc("/user", h.GetUser).Methods("GET")
	protected.HandleFunc("/user", h.UpdateUser).Methods("PUT")
}

// Signup handles account registration
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.service.Signup(r.Context(), &req)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.SuccessResponse(w, session, http.StatusCreated)
}

// Signin handles password sign in
func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.service.Signin(r.Context(), &req)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.SuccessResponse(w, session, http.StatusOK)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), getTokenFromContext(r.Context())); err != nil {
		h.fail(w, err)
		return
	}
	utils.MessageResponse(w, "Signed out", http.StatusOK)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	user, err := h.service.GetUserByID(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.SuccessResponse(w, user.Public(), http.StatusOK)
}

// UpdateUser changes the caller's password
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	userID, _ := GetUserIDFromContext(r.Context())
	if err := h.service.UpdatePassword(r.Context(), userID, req.Password); err != nil {
		h.fail(w, err)
		return
	}
	user, err := h.service.GetUserByID(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.SuccessResponse(w, user.Public(), http.StatusOK)
}

// Recover starts password recovery
func (h *Handler) Recover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.InitiatePasswordReset(r.Context(), req.Email); err != nil {
		h.fail(w, err)
		return
	}
	utils.MessageResponse(w, "If the account exists, a recovery email has been sent", http.StatusOK)
}

// Verify exchanges a recovery token for a session
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.VerifyRecovery(r.Context(), req.Token)
	if err != nil {
		h.fail(w, err)
		return
	}
	utils.SuccessResponse(w, session, http.StatusOK)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := utils.DecodeJSON(w, r, dst, maxAuthBody); err != nil {
		utils.CodedErrorResponse(w, "Invalid request body", "invalid_input", http.StatusBadRequest)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		utils.CodedErrorResponse(w, err.Error(), "invalid_input", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmailAlreadyExists):
		utils.CodedErrorResponse(w, "An account with this email already exists", "conflict", http.StatusConflict)
	case errors.Is(err, ErrInvalidCredentials):
		utils.CodedErrorResponse(w, "Invalid email or password", "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, ErrInvalidToken):
		utils.CodedErrorResponse(w, "Invalid or expired token", "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, ErrTooManyAttempts):
		utils.CodedErrorResponse(w, "Too many failed attempts, try again later", "rate_limited", http.StatusTooManyRequests)
	case errors.Is(err, ErrUserNotFound):
		utils.CodedErrorResponse(w, "User not found", "not_found", http.StatusNotFound)
	default:
		h.log.Error("auth request failed", "error", err)
		utils.CodedErrorResponse(w, "Internal server error", "internal", http.StatusInternalServerError)
	}
}
