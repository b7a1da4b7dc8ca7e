package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/campuslink/realtime/internal/database"
	"github.com/campuslink/realtime/internal/server"
	"github.com/campuslink/realtime/internal/types"
	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type SendMessageRequest struct {
	Message string `json:"message"`
	Image   string `json:"image"`
}

type MarkSeenResponse struct {
	Updated int64 `json:"updated"`
}

type OnlineUsersResponse struct {
	OnlineUsers []string `json:"online_users"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

// writeStoreError maps a repository error onto the matching api error.
func (s *App) writeStoreError(w http.ResponseWriter, err error) {
	var errResp *ApiError
	switch {
	case errors.Is(err, database.ErrNotFound):
		errResp = NewNotFoundError()
	case errors.Is(err, database.ErrConflict):
		errResp = NewConflictError()
	default:
		s.log.Error("store error", zap.Error(err))
		errResp = NewInternalServerError(err)
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:        m.Id,
		Sender:    m.SenderId,
		Receiver:  m.ReceiverId,
		Message:   m.Content,
		Image:     m.Image,
		SeenAt:    m.SeenAt,
		CreatedAt: m.CreatedAt,
	}
}

func (s *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *App) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateAccount(r.Context(), database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *App) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *App) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Email == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(r.Context(), lr.Email)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	u := toUser(dbUser)
	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))
	s.writeJson(w, http.StatusOK, u)
}

func (s *App) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one so the browser drops it
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *App) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	receiverId := r.PathValue("receiverId")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if (req.Message == "" && req.Image == "") || receiverId == "" || receiverId == userId {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.db.GetAccountById(r.Context(), receiverId); err != nil {
		s.writeStoreError(w, err)
		return
	}

	dbMsg, err := s.db.CreateMessage(r.Context(), database.CreateMessageParams{
		SenderId:   userId,
		ReceiverId: receiverId,
		Content:    req.Message,
		Image:      req.Image,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	msg := toMessage(dbMsg)
	if s.fanOutOnSend {
		if err := s.cs.FanOut(msg, receiverId, userId, nil); err != nil {
			s.log.Warn("live delivery skipped",
				zap.String("message_id", msg.Id),
				zap.String("receiver_id", receiverId),
				zap.Error(err))
		}
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *App) getAllMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbMsgs, err := s.db.GetConversation(r.Context(), userId, r.PathValue("receiverId"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	messages := make([]types.Message, 0, len(dbMsgs))
	for _, m := range dbMsgs {
		messages = append(messages, toMessage(m))
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *App) getPrevChats(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	partners, err := s.db.ListChatPartners(r.Context(), userId)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	users := make([]types.User, 0, len(partners))
	for _, p := range partners {
		users = append(users, toUser(p))
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *App) markSeen(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	senderId := r.PathValue("senderId")
	at := server.Now()

	n, err := s.db.MarkSeen(r.Context(), userId, senderId, at)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if n > 0 {
		if err := s.cs.NotifySeen(userId, senderId, at); err != nil {
			s.log.Warn("seen notification skipped", zap.String("sender_id", senderId), zap.Error(err))
		}
	}

	s.writeJson(w, http.StatusOK, MarkSeenResponse{Updated: n})
}

func (s *App) onlineUsers(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, OnlineUsersResponse{OnlineUsers: s.cs.OnlineUsers()})
}

func (s *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients don't send an origin
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	connId, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	client := server.NewClient(connId, toUser(user), conn, s.cs, s.log, s.stats)
	if err := s.cs.RegisterClient(client); err != nil {
		s.log.Warn("failed to register client", zap.String("conn_id", connId), zap.Error(err))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
