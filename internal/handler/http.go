package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/funhub-backend/internal/config"
	"github.com/funhub-backend/internal/domain"
	"github.com/funhub-backend/internal/ledger"
	"github.com/funhub-backend/internal/leaderboard"
	"github.com/funhub-backend/internal/otp"
	"github.com/funhub-backend/internal/session"
	"github.com/funhub-backend/internal/token"
	"github.com/funhub-backend/internal/websocket"
)

// deviceHeader identifies the anonymous install. Every player-scoped
// endpoint requires it; account endpoints accept a bearer token instead.
const deviceHeader = "X-Device-ID"

// PlayerStore is the identity state the handler reads directly.
type PlayerStore interface {
	UpsertPlayer(ctx context.Context, deviceID, displayName string) (*domain.Player, error)
	GetPlayerByDevice(ctx context.Context, deviceID string) (*domain.Player, error)
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	TouchPlayer(ctx context.Context, playerID string) error
}

// Handler provides HTTP handlers for the game backend API
type Handler struct {
	issuer    *session.Issuer
	validator *session.Validator
	ledger    *ledger.Ledger
	auth      *otp.Service
	boards    *leaderboard.Service
	signer    *token.Signer
	players   PlayerStore
	hub       *websocket.Hub
	cfg       *config.Config
	logger    *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	issuer *session.Issuer,
	validator *session.Validator,
	ldg *ledger.Ledger,
	auth *otp.Service,
	boards *leaderboard.Service,
	signer *token.Signer,
	players PlayerStore,
	hub *websocket.Hub,
	cfg *config.Config,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		issuer:    issuer,
		validator: validator,
		ledger:    ldg,
		auth:      auth,
		boards:    boards,
		signer:    signer,
		players:   players,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/request-otp", h.RequestOTP)
			r.Post("/verify-otp", h.VerifyOTP)
		})

		r.Route("/players", func(r chi.Router) {
			r.Post("/register", h.RegisterPlayer)
			r.Get("/me", h.GetMe)
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", h.GetCredits)
			r.Post("/use", h.UseCredits)
			r.Post("/verify-purchase", h.VerifyPurchase)
		})

		r.Post("/games/{gameID}/start", h.StartGame)

		r.Route("/leaderboard/{gameID}", func(r chi.Router) {
			r.Post("/submit", h.SubmitScore)
			r.Get("/", h.GetLeaderboard)
			r.Get("/me", h.GetMyRank)
		})
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-Device-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeDomainError maps a domain error to its HTTP status. Unknown errors
// are logged and reported as internal.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidToken):
		h.writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, domain.ErrInsufficientCredits):
		h.writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, domain.ErrSessionExpired):
		h.writeError(w, http.StatusGone, err)
	case errors.Is(err, domain.ErrScoreOutOfEnvelope):
		h.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, domain.ErrTooManyAttempts):
		h.writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, domain.ErrVerificationFailed):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotRanked):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsConflictError(err):
		h.writeError(w, http.StatusConflict, err)
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// deviceID extracts the device header, empty when missing.
func deviceID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(deviceHeader))
}

// bearerToken extracts the Authorization bearer token, empty when missing.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// resolveOwner decides whose credit balance a request operates on. A valid
// account bearer token wins; otherwise the device's player is resolved, and
// its linked account if it has one.
func (h *Handler) resolveOwner(r *http.Request) (domain.LedgerOwner, error) {
	if bearer := bearerToken(r); bearer != "" {
		claims, err := h.signer.VerifyKind(bearer, token.KindAccountSession)
		if err != nil {
			return domain.LedgerOwner{}, domain.ErrInvalidToken
		}
		return domain.AccountOwner(claims.Subject), nil
	}

	device := deviceID(r)
	if device == "" {
		return domain.LedgerOwner{}, domain.ErrInvalidRequest
	}
	player, err := h.players.UpsertPlayer(r.Context(), device, "")
	if err != nil {
		return domain.LedgerOwner{}, err
	}
	if player.AccountID != nil {
		return domain.AccountOwner(*player.AccountID), nil
	}
	return domain.PlayerOwner(player.ID), nil
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// RequestOTP sends a verification code to the given email
func (h *Handler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.auth.RequestCode(r.Context(), req.Email, deviceID(r)); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "code_sent"})
}

// VerifyOTP checks a verification code and returns an account token
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	login, err := h.auth.VerifyCode(r.Context(), req.Email, deviceID(r), req.Code)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"token":          login.Token,
		"account_id":     login.AccountID,
		"player_id":      login.PlayerID,
		"email":          login.Email,
		"merged_credits": login.MergedCredits,
		"expires_at":     login.ExpiresAt,
	})
}

// RegisterPlayer creates or refreshes the device's player
func (h *Handler) RegisterPlayer(w http.ResponseWriter, r *http.Request) {
	device := deviceID(r)
	if device == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	var req struct {
		DisplayName string `json:"display_name"`
	}
	if r.Body != nil {
		// The body is optional on register
		json.NewDecoder(r.Body).Decode(&req)
	}

	player, err := h.players.UpsertPlayer(r.Context(), device, req.DisplayName)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, player)
}

// GetMe returns the device's player and current balance
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	device := deviceID(r)
	if device == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	player, err := h.players.GetPlayerByDevice(r.Context(), device)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	owner := domain.PlayerOwner(player.ID)
	var email string
	if player.AccountID != nil {
		owner = domain.AccountOwner(*player.AccountID)
		account, err := h.players.GetAccount(r.Context(), *player.AccountID)
		if err != nil {
			h.logger.Warn("failed to load linked account", "account_id", *player.AccountID, "error", err)
		} else {
			email = account.Email
		}
	}
	balance, err := h.ledger.Balance(r.Context(), owner)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if err := h.players.TouchPlayer(r.Context(), player.ID); err != nil {
		h.logger.Warn("failed to touch player", "player_id", player.ID, "error", err)
	}

	h.writeSuccess(w, map[string]interface{}{
		"player":  player,
		"credits": balance,
		"linked":  player.AccountID != nil,
		"email":   email,
	})
}

// GetCredits returns the caller's balance
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	owner, err := h.resolveOwner(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), owner)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]int64{"credits": balance})
}

// UseCredits spends credits from the caller's balance
func (h *Handler) UseCredits(w http.ResponseWriter, r *http.Request) {
	owner, err := h.resolveOwner(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	req := struct {
		Amount int64 `json:"amount"`
	}{Amount: 1}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	balance, err := h.ledger.Debit(r.Context(), owner, req.Amount, domain.ReasonSpend)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]int64{"credits": balance})
}

// VerifyPurchase confirms an external payment order and grants the package
// credits. Re-confirming a known order returns the prior grant, not an
// error.
func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	owner, err := h.resolveOwner(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	var req struct {
		OrderID string `json:"order_id"`
		Package string `json:"package"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.ledger.ConfirmPurchase(r.Context(), owner, req.Package, req.OrderID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"transaction_id":  result.TransactionID,
		"credits_granted": result.Credits,
		"credits":         result.Balance,
		"duplicate":       result.Duplicate,
	})
}

// StartGame issues a signed single-use game session token
func (h *Handler) StartGame(w http.ResponseWriter, r *http.Request) {
	device := deviceID(r)
	gameID := chi.URLParam(r, "gameID")
	if device == "" || gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	started, err := h.issuer.StartSession(r.Context(), device, gameID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"token":      started.Token,
		"session_id": started.SessionID,
		"game_id":    started.GameID,
		"expires_at": started.ExpiresAt,
	})
}

// SubmitScore validates a session token and a claimed score
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	var req struct {
		Token string `json:"token"`
		Score int64  `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	res, err := h.validator.SubmitScore(r.Context(), req.Token, req.Score)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if gameID != "" && res.GameID != gameID {
		// Tokens are game-bound; a mismatched path is a client bug, but the
		// session is already consumed so report the accepted result.
		h.logger.Warn("score submitted on mismatched game path",
			"session_id", res.SessionID,
			"token_game", res.GameID,
			"path_game", gameID,
		)
	}

	h.writeSuccess(w, map[string]interface{}{
		"status":     "accepted",
		"session_id": res.SessionID,
		"score":      res.Score,
	})
}

// GetLeaderboard returns the top ranked entries for a game and window
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if gameID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if _, ok := h.cfg.Games[gameID]; !ok {
		h.writeError(w, http.StatusNotFound, domain.ErrGameNotFound)
		return
	}

	window, ok := domain.ParseWindow(r.URL.Query().Get("window"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	limit := h.cfg.Leaderboard.DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > h.cfg.Leaderboard.MaxLimit {
		limit = h.cfg.Leaderboard.MaxLimit
	}

	entries, err := h.boards.GetTop(r.Context(), gameID, window, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	total, err := h.boards.CountRanked(r.Context(), gameID, window)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"game_id": gameID,
		"window":  window,
		"entries": entries,
		"total":   total,
	})
}

// GetMyRank returns the device player's ranked entry for a game and window
func (h *Handler) GetMyRank(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	device := deviceID(r)
	if gameID == "" || device == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	window, ok := domain.ParseWindow(r.URL.Query().Get("window"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	player, err := h.players.GetPlayerByDevice(r.Context(), device)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	entry, err := h.boards.GetRank(r.Context(), gameID, window, player.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeSuccess(w, entry)
}
