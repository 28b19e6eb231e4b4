package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"auth-engine/internal/audit"
	"auth-engine/internal/model"
	"auth-engine/internal/service"
	"auth-engine/internal/util"
)

type contextKey string

const (
	ctxAccountID contextKey = "account_id"
	ctxSession   contextKey = "session"
)

// AuthHandler exposes the session, device, second-factor and recovery
// operations over HTTP.
type AuthHandler struct {
	sessions   *service.SessionService
	devices    *service.DeviceService
	challenges *service.ChallengeService
	recovery   *service.RecoveryService
	audit      *audit.Recorder
	logger     *zap.Logger
}

func NewAuthHandler(
	sessions *service.SessionService,
	devices *service.DeviceService,
	challenges *service.ChallengeService,
	recovery *service.RecoveryService,
	auditRecorder *audit.Recorder,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		sessions:   sessions,
		devices:    devices,
		challenges: challenges,
		recovery:   recovery,
		audit:      auditRecorder,
		logger:     logger,
	}
}

// Response is the standard API envelope. ServerTime anchors client-side
// expiry math to the server clock.
type Response struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
	ServerTime time.Time   `json:"server_time"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success:    true,
		Data:       data,
		Message:    message,
		ServerTime: time.Now().UTC(),
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success:    false,
		Error:      err.Error(),
		Message:    message,
		ServerTime: time.Now().UTC(),
	}
}

// RegisterRoutes registers all auth routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/sessions/refresh", h.RefreshSession)
		r.Post("/logout", h.Logout)
		r.Get("/introspect", h.Introspect)

		r.Post("/2fa/challenge", h.IssueChallenge)
		r.Post("/2fa/verify", h.VerifyChallenge)

		r.Post("/recovery/initiate", h.InitiateRecovery)
		r.Post("/recovery/verify", h.VerifyRecoveryCode)
		r.Post("/recovery/consume", h.ConsumeRecoveryGrant)

		// Session-bound routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession)

			r.Get("/sessions", h.ListSessions)
			r.Post("/sessions/revoke-others", h.RevokeOtherSessions)

			r.Get("/devices", h.ListDevices)
			r.Post("/devices", h.RegisterDevice)
			r.Patch("/devices/{deviceID}/trust", h.SetDeviceTrust)
			r.Delete("/devices/{deviceID}", h.ForgetDevice)

			r.Post("/2fa/totp/setup", h.SetupTOTP)
			r.Post("/2fa/totp/verify-setup", h.VerifyTOTPSetup)
			r.Post("/2fa/disable", h.DisableSecondFactor)
			r.Post("/2fa/backup-codes", h.GenerateBackupCodes)
			r.Post("/2fa/passkeys/begin", h.BeginPasskeyRegistration)
			r.Post("/2fa/passkeys/finish", h.FinishPasskeyRegistration)

			r.Get("/events", h.SearchEvents)
		})
	})
}

// RequireSession resolves the bearer token to a live session and stashes
// the account identity in the request context.
func (h *AuthHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerToken(r)
		if bearer == "" {
			h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Authentication required")
			return
		}

		accountID, session, err := h.sessions.SessionValid(r.Context(), bearer)
		if err != nil {
			h.respondWithError(w, http.StatusUnauthorized, err, "Authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), ctxAccountID, accountID)
		ctx = context.WithValue(ctx, ctxSession, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// -------------------- Registration & login --------------------

// Register creates an account; its first device is trusted from birth.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string   `json:"email"`
		Password  string   `json:"password"`
		UserAgent string   `json:"user_agent"`
		Platform  string   `json:"platform"`
		Hints     []string `json:"hints"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	account, device, err := h.sessions.RegisterAccount(r.Context(), req.Email, req.Password, req.UserAgent, req.Platform, req.Hints...)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to register account")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"account": account,
		"device":  device,
	}, "Account registered"))
	h.logger.Info("Account registered via HTTP",
		util.String("account_id", account.AccountID),
		util.String("device_id", device.DeviceID),
	)
}

// Login runs the primary factor, optionally a second-factor proof, and
// issues a session. When the account requires a second factor that was
// not presented, the response says so without issuing anything.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		UserAgent    string `json:"user_agent"`
		Platform     string `json:"platform"`
		SecondFactor *struct {
			Method string `json:"method"`
			Proof  string `json:"proof"`
		} `json:"second_factor,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	account, err := h.sessions.VerifyPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}

	device, err := h.devices.RegisterOrTouch(r.Context(), account.AccountID, req.UserAgent, req.Platform)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resolve device")
		return
	}

	secondFactorOK := false
	if req.SecondFactor != nil {
		if err := h.challenges.Verify(r.Context(), account.AccountID, model.SecondFactorMethod(req.SecondFactor.Method), req.SecondFactor.Proof); err != nil {
			h.respondWithError(w, h.getStatusCode(err), err, "Second factor verification failed")
			return
		}
		secondFactorOK = true
	}

	session, bearer, err := h.sessions.IssueSession(r.Context(), account.AccountID, device.DeviceID, true, secondFactorOK)
	if err != nil {
		if errors.Is(err, service.ErrUnverified) {
			h.respondWithJSON(w, http.StatusUnauthorized, Response{
				Success: false,
				Error:   "second factor required",
				Data: map[string]interface{}{
					"account_id":             account.AccountID,
					"second_factor_required": true,
					"primary_method":         account.PrimaryMethod,
				},
				ServerTime: time.Now().UTC(),
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue session")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"session":       session,
		"bearer_token":  bearer,
		"refresh_token": session.RefreshToken,
		"device":        device,
	}, "Session issued"))
	h.logger.Info("Session issued via HTTP",
		util.String("account_id", account.AccountID),
		util.String("session_id", session.SessionID),
	)
}

// -------------------- Session lifecycle --------------------

// RefreshSession accepts an expired bearer: the token locates the row,
// the rotation token authorizes the refresh.
func (h *AuthHandler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	bearer := bearerToken(r)
	if bearer == "" {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Bearer token required")
		return
	}

	resolved, err := h.sessions.ResolveToken(r.Context(), bearer)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resolve session")
		return
	}

	session, newBearer, err := h.sessions.RefreshSession(r.Context(), resolved.SessionID, req.RefreshToken)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to refresh session")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"session":       session,
		"bearer_token":  newBearer,
		"refresh_token": session.RefreshToken,
	}, "Session refreshed"))
}

// Logout revokes the presented session. An expired token still resolves
// its row so logout always lands.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Bearer token required")
		return
	}

	session, err := h.sessions.ResolveToken(r.Context(), bearer)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resolve session")
		return
	}

	if err := h.sessions.RevokeSession(r.Context(), session.AccountID, session.SessionID, "logout"); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke session")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Session revoked"))
}

// Introspect reports whether the presented bearer is currently valid.
func (h *AuthHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Bearer token required")
		return
	}

	accountID, session, err := h.sessions.SessionValid(r.Context(), bearer)
	if err != nil {
		h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
			"active": false,
		}, "Token inactive"))
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"active":     true,
		"account_id": accountID,
		"session_id": session.SessionID,
		"device_id":  session.DeviceID,
		"expires_at": session.ExpiresAt,
	}, "Token active"))
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	sessions, err := h.sessions.ListSessions(r.Context(), accountID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list sessions")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sessions, "Sessions retrieved"))
}

func (h *AuthHandler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)
	session := r.Context().Value(ctxSession).(*model.Session)

	revoked, err := h.sessions.RevokeAllExceptCurrent(r.Context(), accountID, session.SessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke sessions")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{
		"revoked": revoked,
	}, "Other sessions revoked"))
}

// -------------------- Devices --------------------

func (h *AuthHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	devices, err := h.devices.ListDevices(r.Context(), accountID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list devices")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(devices, "Devices retrieved"))
}

func (h *AuthHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	var req struct {
		UserAgent string   `json:"user_agent"`
		Platform  string   `json:"platform"`
		Hints     []string `json:"hints"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	device, err := h.devices.RegisterOrTouch(r.Context(), accountID, req.UserAgent, req.Platform, req.Hints...)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to register device")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(device, "Device registered"))
}

func (h *AuthHandler) SetDeviceTrust(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		Trusted bool `json:"trusted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	device, err := h.devices.SetTrust(r.Context(), accountID, deviceID, req.Trusted)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update device trust")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(device, "Device trust updated"))
	h.logger.Info("Device trust updated via HTTP",
		util.String("account_id", accountID),
		util.String("device_id", deviceID),
		util.Bool("trusted", req.Trusted),
	)
}

func (h *AuthHandler) ForgetDevice(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.devices.ForgetDevice(r.Context(), accountID, deviceID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to forget device")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Device forgotten"))
}

// -------------------- Second factor --------------------

// IssueChallenge serves the pre-session login flow, so it takes the
// account id directly instead of a bearer token.
func (h *AuthHandler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Method    string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ticket, err := h.challenges.Issue(r.Context(), req.AccountID, model.SecondFactorMethod(req.Method))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue challenge")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(ticket, "Challenge issued"))
}

func (h *AuthHandler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Method    string `json:"method"`
		Proof     string `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.challenges.Verify(r.Context(), req.AccountID, model.SecondFactorMethod(req.Method), req.Proof); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Challenge verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Challenge verified"))
}

func (h *AuthHandler) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	secret, uri, err := h.challenges.SetupTOTP(r.Context(), accountID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start TOTP setup")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"secret":        secret,
		"provision_uri": uri,
	}, "TOTP setup started"))
}

func (h *AuthHandler) VerifyTOTPSetup(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.challenges.VerifyTOTPSetup(r.Context(), accountID, req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "TOTP setup verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "TOTP enabled"))
	h.logger.Info("TOTP enabled via HTTP", util.String("account_id", accountID))
}

func (h *AuthHandler) DisableSecondFactor(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	var req struct {
		Method string `json:"method"`
		Proof  string `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.challenges.DisableSecondFactor(r.Context(), accountID, model.SecondFactorMethod(req.Method), req.Proof); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to disable second factor")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Second factor disabled"))
	h.logger.Warn("Second factor disabled via HTTP", util.String("account_id", accountID))
}

// GenerateBackupCodes returns the plaintext batch exactly once.
func (h *AuthHandler) GenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	codes, err := h.challenges.GenerateBackupCodes(r.Context(), accountID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to generate backup codes")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"codes": codes,
	}, "Backup codes generated"))
}

func (h *AuthHandler) BeginPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	options, err := h.challenges.BeginPasskeyRegistration(r.Context(), accountID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to begin passkey registration")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(json.RawMessage(options), "Passkey registration started"))
}

func (h *AuthHandler) FinishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	var req struct {
		Response   json.RawMessage `json:"response"`
		DeviceName string          `json:"device_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	credential, err := h.challenges.FinishPasskeyRegistration(r.Context(), accountID, req.Response, req.DeviceName)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to register passkey")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(credential, "Passkey registered"))
}

// -------------------- Recovery --------------------

func (h *AuthHandler) InitiateRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ack, err := h.recovery.Initiate(r.Context(), req.Email)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to initiate recovery")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(ack, "If an account exists, a code has been sent"))
}

func (h *AuthHandler) VerifyRecoveryCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ticket, err := h.recovery.VerifyCode(r.Context(), req.Email, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Recovery verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(ticket, "Recovery grant issued"))
}

func (h *AuthHandler) ConsumeRecoveryGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrantID     string `json:"grant_id"`
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.recovery.Consume(r.Context(), req.GrantID, req.Token, req.NewPassword); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to consume recovery grant")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Credential reset, all sessions revoked"))
	h.logger.Warn("Recovery grant consumed via HTTP")
}

// -------------------- Audit --------------------

func (h *AuthHandler) SearchEvents(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value(ctxAccountID).(string)

	eventType := r.URL.Query().Get("type")
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 || parsed > 500 {
			h.respondWithError(w, http.StatusBadRequest, errors.New("invalid limit"), "Limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	events, err := h.audit.Search(r.Context(), accountID, eventType, limit)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to search events")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(events, "Events retrieved"))
}

// -------------------- Helpers --------------------

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthenticated),
		errors.Is(err, service.ErrUnverified),
		errors.Is(err, service.ErrSessionExpired),
		errors.Is(err, service.ErrSessionRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAccountNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrDeviceNotFound),
		errors.Is(err, service.ErrChallengeNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrLastTrustedDevice),
		errors.Is(err, service.ErrSameAsOld),
		errors.Is(err, service.ErrMethodUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrWeakCredential):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrChallengeExhausted),
		errors.Is(err, service.ErrRateLimited),
		errors.Is(err, service.ErrAccountLocked):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrGrantInvalid),
		errors.Is(err, service.ErrGrantExpired):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
