package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pushchat/auth"
	"pushchat/db"
	"pushchat/models"
)

type ctxKey int

const identityKey ctxKey = 0

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token          string       `json:"token"`
	User           *models.User `json:"user"`
	VAPIDPublicKey string       `json:"vapidPublicKey"`
}

type subscribeRequest struct {
	Subscription *models.SubscriptionDescriptor `json:"subscription"`
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/vapid-public-key", s.handleVAPIDPublicKey).Methods(http.MethodGet)

	private := api.NewRoute().Subrouter()
	private.Use(s.requireAuth)
	private.HandleFunc("/users", s.handleUsers).Methods(http.MethodGet)
	private.HandleFunc("/messages/{id:[0-9]+}", s.handleMessages).Methods(http.MethodGet)
	private.HandleFunc("/subscribe", s.handleSubscribe).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)

	if dir := s.config.StaticDir; dir != "" {
		r.HandleFunc("/sw.js", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/javascript")
			http.ServeFile(w, req, filepath.Join(dir, "sw.js"))
		})
		r.PathPrefix("/").Handler(newSPAHandler(dir))
	}

	var h http.Handler = r
	h = withSecurityHeaders(h)
	h = withCORS(s.config.CORSOrigins, h)
	return withRequestLogging(s.logger, h)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Authenticate(auth.CredentialFromRequest(r))
		switch {
		case errors.Is(err, auth.ErrMissingCredential):
			writeError(w, http.StatusUnauthorized, "Access denied")
			return
		case err != nil:
			writeError(w, http.StatusForbidden, "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func identityFrom(r *http.Request) models.Identity {
	identity, _ := r.Context().Value(identityKey).(models.Identity)
	return identity
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid data")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Invalid data")
		return
	}

	user, err := s.db.CreateUser(r.Context(), req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, db.ErrUserExists):
		writeError(w, http.StatusConflict, "User already exists")
		return
	case err != nil:
		s.logger.Error("Register error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	s.logger.Info("User registered", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}

	user, err := s.db.AuthenticateUser(r.Context(), strings.TrimSpace(req.Email), req.Password)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	case err != nil:
		s.logger.Error("Auth error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	token, err := s.auth.Issue(user.Identity())
	if err != nil {
		s.logger.Error("Failed to issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:          token,
		User:           user,
		VAPIDPublicKey: s.config.VAPIDPublicKey,
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.ListUsersExcept(r.Context(), identityFrom(r).ID)
	if err != nil {
		s.logger.Error("Failed to list users", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	other, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	messages, err := s.db.GetConversation(r.Context(), identityFrom(r).ID, other, offset, limit)
	if err != nil {
		s.logger.Error("Failed to load conversation", zap.Int64("other_id", other), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subscription == nil || req.Subscription.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "Invalid subscription")
		return
	}

	// Stored in canonical form so a re-sent subscription is recognized.
	descriptor, err := json.Marshal(req.Subscription)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid subscription")
		return
	}

	identity := identityFrom(r)
	added, err := s.db.AddSubscription(r.Context(), identity.ID, string(descriptor))
	if err != nil {
		s.logger.Error("Failed to save subscription", zap.Int64("user_id", identity.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if added {
		s.logger.Info("Push subscription added", zap.Int64("user_id", identity.ID))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.config.VAPIDPublicKey})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.StoreTimeout)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK"))
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
