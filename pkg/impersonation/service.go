package impersonation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/auth"
	"github.com/platinummonkey/schoolguard/pkg/observability"
)

// DefaultTTL is the credential lifetime when no setting overrides it
const DefaultTTL = 60 * time.Minute

const sweepBatch = 500

// UserLookup loads impersonation targets
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*auth.Principal, error)
}

// Service runs the session lifecycle: start, attribute actions, end
type Service struct {
	store    *Store
	users    UserLookup
	signer   *Signer
	recorder *audit.Recorder
	logger   *logrus.Logger
	metrics  *observability.Metrics
	ttl      func(ctx context.Context) time.Duration
	now      func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithMetrics tracks started and active sessions
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTTL sets the source of the credential lifetime
func WithTTL(fn func(ctx context.Context) time.Duration) Option {
	return func(s *Service) { s.ttl = fn }
}

// NewService creates the impersonation service
func NewService(store *Store, users UserLookup, signer *Signer, recorder *audit.Recorder, logger *logrus.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		users:    users,
		signer:   signer,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartRequest is a super-admin's request to act as another user
type StartRequest struct {
	SuperAdmin *auth.Principal
	TargetID   int64
	Reason     string
	IPAddress  string
	UserAgent  string
}

// StartResult carries the credential for the impersonated user
type StartResult struct {
	Session *Session
	Token   string
	User    *auth.Principal
}

func (s *Service) credentialTTL(ctx context.Context) time.Duration {
	if s.ttl != nil {
		if d := s.ttl(ctx); d > 0 {
			return d
		}
	}
	return DefaultTTL
}

// Start opens a session and mints its credential. The target must exist,
// must not be the caller and must not be a super-admin.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if !req.SuperAdmin.IsSuperAdmin() {
		return nil, ErrNotSuperAdmin
	}
	target, err := s.users.GetByID(ctx, req.TargetID)
	if errors.Is(err, auth.ErrUserNotFound) {
		return nil, ErrTargetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load impersonation target: %w", err)
	}
	if target.ID == req.SuperAdmin.ID {
		return nil, ErrSelf
	}
	if target.IsSuperAdmin() {
		return nil, ErrSuperAdminTarget
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" || len(reason) > MaxReasonLength {
		return nil, ErrReasonRequired
	}

	now := s.now().UTC()
	session := &Session{
		SuperAdminID:       req.SuperAdmin.ID,
		ImpersonatedUserID: target.ID,
		SchoolID:           target.SchoolID,
		Reason:             reason,
		IPAddress:          req.IPAddress,
		UserAgent:          audit.TruncateUserAgent(req.UserAgent),
		StartedAt:          now,
		TokenExpiresAt:     now.Add(s.credentialTTL(ctx)),
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}

	token, err := s.signer.Mint(session)
	if err != nil {
		if _, endErr := s.store.End(ctx, session.ID, session.SuperAdminID, now); endErr != nil {
			s.logger.WithError(endErr).WithField("session_id", session.ID).Error("failed to close session after mint failure")
		}
		return nil, err
	}

	s.record(ctx, req.SuperAdmin.ID, audit.ActionImpersonationStarted, req.IPAddress, req.UserAgent, session,
		fmt.Sprintf("Started impersonating user #%d", target.ID),
		map[string]interface{}{"reason": reason, "token_expires_at": session.TokenExpiresAt.Format(time.RFC3339)})
	if s.metrics != nil {
		s.metrics.ImpersonationsStartedTotal.Inc()
		s.metrics.ImpersonationsActive.Inc()
	}
	s.logger.WithFields(logrus.Fields{
		"session_id":     session.ID,
		"super_admin_id": req.SuperAdmin.ID,
		"target_user_id": target.ID,
	}).Info("impersonation started")

	return &StartResult{Session: session, Token: token, User: target}, nil
}

// End closes a session the caller started. Ending an ended session
// succeeds without changing it.
func (s *Service) End(ctx context.Context, superAdmin *auth.Principal, sessionID int64, ip, userAgent string) (*Session, error) {
	ended, err := s.store.End(ctx, sessionID, superAdmin.ID, s.now())
	if err != nil {
		return nil, err
	}
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ended {
		s.record(ctx, superAdmin.ID, audit.ActionImpersonationEnded, ip, userAgent, session,
			fmt.Sprintf("Ended impersonation session #%d", sessionID), map[string]interface{}{"reason": "ended"})
		if s.metrics != nil {
			s.metrics.ImpersonationsActive.Dec()
		}
	}
	return session, nil
}

// Get loads a session
func (s *Service) Get(ctx context.Context, id int64) (*Session, error) {
	return s.store.Get(ctx, id)
}

// List returns sessions newest first
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Session, int64, error) {
	return s.store.List(ctx, f)
}

// Authenticate resolves an impersonation credential to its session and the
// impersonated user's id. An expired credential closes its session.
func (s *Service) Authenticate(ctx context.Context, credential string) (*auth.Impersonation, int64, error) {
	claims, err := s.signer.Parse(credential)
	if errors.Is(err, ErrCredentialExpired) {
		s.expire(ctx, claims.SessionID)
		return nil, 0, err
	}
	if err != nil {
		return nil, 0, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, 0, fmt.Errorf("invalid impersonation subject: %w", err)
	}

	session, err := s.store.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, 0, err
	}
	if !session.Active() {
		return nil, 0, ErrSessionEnded
	}
	if session.ImpersonatedUserID != userID || session.SuperAdminID != claims.ImpersonatorID {
		return nil, 0, fmt.Errorf("impersonation credential does not match session %d", session.ID)
	}
	return &auth.Impersonation{
		SessionID:      session.ID,
		ImpersonatorID: session.SuperAdminID,
		ExpiresAt:      session.TokenExpiresAt,
	}, userID, nil
}

// RecordAction appends to an active session's trail. Ended sessions are
// left untouched.
func (s *Service) RecordAction(ctx context.Context, sessionID int64, action string, details map[string]interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	_, err := s.store.AppendAction(ctx, sessionID, Action{
		Action:    action,
		Details:   details,
		Timestamp: s.now().UTC(),
	})
	return err
}

func (s *Service) expire(ctx context.Context, sessionID int64) {
	closed, err := s.store.Expire(ctx, sessionID)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("failed to close expired impersonation session")
		return
	}
	if !closed {
		return
	}
	s.closedByExpiry(ctx, sessionID)
	if s.metrics != nil {
		s.metrics.ImpersonationsActive.Dec()
	}
}

func (s *Service) closedByExpiry(ctx context.Context, sessionID int64) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Warn("expired impersonation session vanished")
		return
	}
	s.record(ctx, session.SuperAdminID, audit.ActionImpersonationEnded, "", "", session,
		fmt.Sprintf("Impersonation session #%d expired", sessionID), map[string]interface{}{"reason": "expired"})
}

// SweepExpired closes sessions whose credential expired without being
// presented again
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	// closed one at a time so each closure is audited
	ids, err := s.store.ListExpired(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	var closed int64
	for _, id := range ids {
		ok, err := s.store.Expire(ctx, id)
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
			s.closedByExpiry(ctx, id)
		}
	}
	if s.metrics != nil {
		if active, err := s.store.CountActive(ctx); err == nil {
			s.metrics.ImpersonationsActive.Set(float64(active))
		}
	}
	return closed, nil
}

// Schedule registers the sweeper on c with a cron spec
func (s *Service) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := s.SweepExpired(ctx)
		if err != nil {
			s.logger.WithError(err).Error("impersonation sweep failed")
			return
		}
		if n > 0 {
			s.logger.WithField("closed", n).Info("closed expired impersonation sessions")
		}
	})
}

func (s *Service) record(ctx context.Context, actorID int64, action, ip, userAgent string, session *Session, description string, extra map[string]interface{}) {
	values := map[string]interface{}{
		"impersonation_log_id": session.ID,
		"impersonated_user_id": session.ImpersonatedUserID,
	}
	for k, v := range extra {
		values[k] = v
	}
	actor := actorID
	s.recorder.Record(ctx, &audit.Entry{
		UserID:      &actor,
		Action:      action,
		EntityType:  "user",
		EntityID:    strconv.FormatInt(session.ImpersonatedUserID, 10),
		NewValues:   values,
		IPAddress:   ip,
		UserAgent:   audit.TruncateUserAgent(userAgent),
		Description: description,
	})
}
