package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatd/internal/metrics"
	"github.com/Tyrowin/chatd/internal/model"
	"github.com/Tyrowin/chatd/internal/store"
)

var (
	// ErrUnauthenticated is returned by Open when the token is rejected.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned by Open when the user is not a chat member.
	ErrForbidden = errors.New("forbidden")
	// ErrPersistence wraps store failures while saving an inbound message.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotSubscribed is returned by Receive outside the Subscribed state.
	ErrNotSubscribed = errors.New("session is not subscribed")
	// ErrSessionState is returned by Open when called twice.
	ErrSessionState = errors.New("session already opened")
)

// State is a session's lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateAuthorized
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorized:
		return "authorized"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Authenticator resolves a bearer token to a user. auth.Gate implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (model.User, error)
}

// MembershipChecker is satisfied by authz.Authorizer.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID string, chatID uuid.UUID) (bool, error)
}

// MessageWriter persists inbound messages. store.Store implements it.
type MessageWriter interface {
	CreateMessage(ctx context.Context, chatID uuid.UUID, userID, text string, onCommit store.CommitFunc) (*model.Message, error)
}

// SessionConfig holds the collaborators shared by every session.
type SessionConfig struct {
	Gate       Authenticator
	Authorizer MembershipChecker
	Messages   MessageWriter
	Registry   *Registry
	Router     *Router
	Logger     zerolog.Logger
}

// Session drives one connection from admission to close. Once subscribed it
// is the Conn registered for its chat.
type Session struct {
	cfg       SessionConfig
	transport Transport
	chatID    uuid.UUID
	log       zerolog.Logger

	mu    sync.Mutex
	state State
	user  model.User
}

// NewSession creates a session in the Connecting state.
func NewSession(cfg SessionConfig, transport Transport, chatID uuid.UUID) *Session {
	return &Session{
		cfg:       cfg,
		transport: transport,
		chatID:    chatID,
		log: cfg.Logger.With().
			Str("conn_id", transport.ID()).
			Str("chat_id", chatID.String()).
			Logger(),
	}
}

// ID returns the transport's connection id.
func (s *Session) ID() string { return s.transport.ID() }

// ChatID returns the chat the session is scoped to.
func (s *Session) ChatID() uuid.UUID { return s.chatID }

// UserID returns the authenticated user id, or "" before authorization.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.ID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enqueue forwards a frame to the transport. It must not take s.mu: the
// router calls it while holding the chat lock.
func (s *Session) Enqueue(payload []byte) bool {
	return s.transport.Enqueue(payload)
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("session transition")
	return true
}

// Open authenticates token, checks membership and subscribes the session to
// its chat. On failure the transport is closed with the matching code and
// ErrUnauthenticated or ErrForbidden is returned.
func (s *Session) Open(ctx context.Context, token string) error {
	if s.State() != StateConnecting {
		return ErrSessionState
	}

	user, err := s.cfg.Gate.Authenticate(ctx, token)
	if err != nil {
		s.reject(CloseUnauthenticated, ReasonUnauthenticated)
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	if !s.transition(StateConnecting, StateAuthorized) {
		return ErrNotSubscribed
	}

	ok, err := s.cfg.Authorizer.IsMember(ctx, user.ID, s.chatID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("membership check failed; refusing connection")
		s.reject(CloseForbidden, ReasonForbidden)
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if !ok {
		s.reject(CloseForbidden, ReasonForbidden)
		return ErrForbidden
	}

	return s.subscribe()
}

func (s *Session) subscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthorized {
		// Closed by the transport while authorizing.
		return ErrNotSubscribed
	}
	if err := s.cfg.Registry.Register(s.chatID, s); err != nil {
		s.state = StateClosed
		s.transport.Close(CloseGoingAway, ReasonShutdown)
		return err
	}
	s.state = StateSubscribed
	s.log.Debug().Stringer("from", StateAuthorized).Stringer("to", StateSubscribed).Msg("session transition")
	return nil
}

func (s *Session) reject(code int, reason string) {
	metrics.SessionsRejected.WithLabelValues(reason).Inc()
	s.log.Info().Int("code", code).Str("reason", reason).Msg("connection refused")
	s.Close(code, reason)
}

// Receive handles one inbound text frame: decode, trim, persist, broadcast.
// The broadcast is submitted from the store's commit hook, so a chat's
// frames go out in commit order. Empty messages are dropped. A persistence
// failure is reported to this connection only and the session stays open,
// unless the report itself cannot be queued.
func (s *Session) Receive(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	state, user := s.state, s.user
	s.mu.Unlock()
	if state != StateSubscribed {
		return ErrNotSubscribed
	}

	text, err := DecodeInbound(frame)
	if err != nil {
		metrics.MalformedFrames.Inc()
		s.log.Debug().Err(err).Msg("dropping malformed frame")
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	_, err = s.cfg.Messages.CreateMessage(ctx, s.chatID, user.ID, text, s.broadcastCommitted)
	if err != nil {
		metrics.PersistFailures.Inc()
		code := ErrorCodePersistence
		if errors.Is(err, store.ErrNotMember) {
			code = ErrorCodeForbidden
		}
		s.log.Error().Err(err).Str("user_id", user.ID).Str("code", code).Msg("failed to persist message")
		if !s.transport.Enqueue(EncodeError(code, "message was not saved")) {
			metrics.SlowConsumers.Inc()
			s.log.Warn().Str("user_id", user.ID).Msg("send buffer full; dropping slow consumer")
			s.Close(CloseSlowConsumer, ReasonSlowConsumer)
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	metrics.MessagesPersisted.Inc()
	return nil
}

func (s *Session) broadcastCommitted(msg model.Message) {
	s.cfg.Router.Broadcast(msg.ChatID, ChatMessage{Message: msg})
}

// Close moves the session to Closed, deregisters it if it was subscribed and
// closes the transport. Only the first call has any effect.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.log.Debug().Stringer("from", prev).Stringer("to", StateClosed).Msg("session transition")
	s.mu.Unlock()

	if prev == StateSubscribed {
		s.cfg.Registry.Deregister(s.chatID, s)
	}
	s.transport.Close(code, reason)
}
