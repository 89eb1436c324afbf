package linkapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"relay/cmd/internal/session"
)

// Sessions is the subset of *session.Manager the facade drives.
type Sessions interface {
	Acquire(ctx context.Context, uid string) (session.Result, error)
	IsReady(uid string) bool
	Send(ctx context.Context, uid, to, text string) error
	Close(ctx context.Context, uid string) (bool, error)
	Count() int
	Snapshot() []session.Info
	Sweep(ctx context.Context) (int, error)
}

// Records reads persisted session records.
type Records interface {
	HandshakeToken(ctx context.Context, uid string) (string, bool, error)
	LastActivity(ctx context.Context, uid string) (time.Time, bool, error)
}

var phonePattern = regexp.MustCompile(`^[0-9+]+$`)

const (
	msgScanQR         = "session started, scan the QR code"
	msgAlreadyLinked  = "session already exists or authenticated"
	msgNoPendingQR    = "no pending QR"
	msgNoActivity     = "no activity recorded for this session"
	msgClosed         = "session closed manually"
	msgWasNotActive   = "session was not active"
	defaultSendLimit  = 30
	defaultSendWindow = time.Minute
)

type InitResult struct {
	Message string `json:"message"`
	UserUID string `json:"userUid"`
	QR      string `json:"qr,omitempty"`
}

type StatusResult struct {
	UserUID   string `json:"userUid"`
	Connected bool   `json:"connected"`
}

type SendResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ChatID  string `json:"chatId"`
}

type QRResult struct {
	QR      string `json:"qr,omitempty"`
	Message string `json:"message,omitempty"`
}

type ActivityResult struct {
	UserUID      string `json:"userUid,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
	Message      string `json:"message,omitempty"`
}

type CloseResult struct {
	Message   string `json:"message"`
	WasActive bool   `json:"wasActive"`
}

type ActiveResult struct {
	Count    int            `json:"count"`
	Sessions []session.Info `json:"sessions,omitempty"`
}

type SweepResult struct {
	Purged int `json:"purged"`
}

type ServiceOption func(*Service)

func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithSendRateLimit caps sends per user. limit <= 0 disables the cap.
func WithSendRateLimit(limit int, window time.Duration) ServiceOption {
	return func(s *Service) {
		if limit <= 0 {
			s.sends = nil
			return
		}
		s.sends = newKeyedLimiter(limit, window)
	}
}

// Service answers facade calls for one user at a time.
type Service struct {
	log      *slog.Logger
	sessions Sessions
	records  Records
	sends    *keyedLimiter
	now      func() time.Time
}

func NewService(sessions Sessions, records Records, opts ...ServiceOption) (*Service, error) {
	if sessions == nil {
		return nil, errors.New("linkapi: sessions is required")
	}
	if records == nil {
		return nil, errors.New("linkapi: records is required")
	}
	s := &Service{
		log:      slog.Default(),
		sessions: sessions,
		records:  records,
		sends:    newKeyedLimiter(defaultSendLimit, defaultSendWindow),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Service) InitSession(ctx context.Context, uid string) (InitResult, error) {
	res, err := s.sessions.Acquire(ctx, uid)
	if err != nil {
		s.log.Warn("linkapi.init.fail", "user_uid", uid, "err", err)
		return InitResult{}, translate(err)
	}
	if res.Token != "" {
		return InitResult{Message: msgScanQR, UserUID: uid, QR: res.Token}, nil
	}
	return InitResult{Message: msgAlreadyLinked, UserUID: uid}, nil
}

func (s *Service) Status(uid string) StatusResult {
	return StatusResult{UserUID: uid, Connected: s.sessions.IsReady(uid)}
}

func (s *Service) SendMessage(ctx context.Context, uid, phone, message string) (SendResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" || !phonePattern.MatchString(phone) || strings.Trim(phone, "+") == "" {
		return SendResult{}, newError(http.StatusBadRequest, "invalid_phone", "phone must contain only digits and +", nil)
	}
	if strings.TrimSpace(message) == "" {
		return SendResult{}, newError(http.StatusBadRequest, "invalid_request", "message is required", nil)
	}
	if s.sends != nil && !s.sends.Allow(uid, s.now()) {
		return SendResult{}, newError(http.StatusTooManyRequests, "rate_limited", "too many messages", nil)
	}

	chatID := FormatChatID(phone)
	if err := s.sessions.Send(ctx, uid, chatID, message); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrInvalidUID):
			return SendResult{}, translate(err)
		}
		s.log.Warn("linkapi.send.fail", "user_uid", uid, "chat_id", chatID, "err", err)
		return SendResult{}, newError(http.StatusBadGateway, "send_failed", "failed to send message to "+phone, err)
	}
	return SendResult{Success: true, Message: "message sent to " + phone, ChatID: chatID}, nil
}

// FormatChatID turns a phone number into the messaging service's chat id.
func FormatChatID(phone string) string {
	return strings.ReplaceAll(phone, "+", "") + "@c.us"
}

func (s *Service) QR(ctx context.Context, uid string) (QRResult, error) {
	token, ok, err := s.records.HandshakeToken(ctx, uid)
	if err != nil {
		s.log.Error("linkapi.qr.fail", "user_uid", uid, "err", err)
		return QRResult{}, newError(http.StatusServiceUnavailable, "store_unavailable", "could not read session record", err)
	}
	if !ok {
		return QRResult{Message: msgNoPendingQR}, nil
	}
	return QRResult{QR: token}, nil
}

func (s *Service) LastActivity(ctx context.Context, uid string) (ActivityResult, error) {
	at, ok, err := s.records.LastActivity(ctx, uid)
	if err != nil {
		s.log.Error("linkapi.last_activity.fail", "user_uid", uid, "err", err)
		return ActivityResult{}, newError(http.StatusServiceUnavailable, "store_unavailable", "could not read session record", err)
	}
	if !ok {
		return ActivityResult{Message: msgNoActivity}, nil
	}
	return ActivityResult{UserUID: uid, LastActivity: at.UTC().Format(time.RFC3339Nano)}, nil
}

func (s *Service) CloseSession(ctx context.Context, uid string) (CloseResult, error) {
	wasActive, err := s.sessions.Close(ctx, uid)
	if err != nil {
		return CloseResult{}, translate(err)
	}
	if s.sends != nil {
		s.sends.Forget(uid)
	}
	if !wasActive {
		return CloseResult{Message: msgWasNotActive}, nil
	}
	return CloseResult{Message: msgClosed, WasActive: true}, nil
}

// ActiveClients reports the resident session count. With detail set it also lists them.
func (s *Service) ActiveClients(detail bool) ActiveResult {
	if !detail {
		return ActiveResult{Count: s.sessions.Count()}
	}
	snap := s.sessions.Snapshot()
	return ActiveResult{Count: len(snap), Sessions: snap}
}

func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	n, err := s.sessions.Sweep(ctx)
	if err != nil {
		s.log.Warn("linkapi.sweep.partial", "purged", n, "err", err)
	}
	return SweepResult{Purged: n}, nil
}
