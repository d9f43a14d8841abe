package otp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-events/backend/pkg/utils"
)

var (
	ErrCooldown        = errors.New("a code was sent recently")
	ErrRateLimited     = errors.New("too many codes requested")
	ErrInvalidCode     = errors.New("invalid code")
	ErrExpired         = errors.New("code expired or not requested")
	ErrTooManyAttempts = errors.New("too many attempts")
	ErrInvalidInput    = errors.New("valid email and purpose are required")
)

// CooldownError carries how long the caller must wait. It matches ErrCooldown.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrCooldown, e.RetryAfter.Round(time.Second))
}

func (e *CooldownError) Unwrap() error { return ErrCooldown }

// DefaultPurpose is used when the caller names none.
const DefaultPurpose = "registration"

var purposePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// Mailer delivers a plaintext code to its owner.
type Mailer interface {
	SendCode(ctx context.Context, email, purpose, code string, ttl time.Duration) error
}

// Config holds code lifetime and abuse limits.
type Config struct {
	TTL         time.Duration
	Cooldown    time.Duration
	MaxPerHour  int
	MaxAttempts int
	CodeLength  int
}

// Service issues and verifies one-time codes.
type Service struct {
	store  Store
	mailer Mailer
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates an OTP service over store.
func NewService(store Store, mailer Mailer, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	return &Service{store: store, mailer: mailer, cfg: cfg, now: time.Now, logger: logger}
}

// Issued describes a code that was sent.
type Issued struct {
	ExpiresIn time.Duration `json:"-"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func codeKey(purpose, email string) string { return "otp:" + purpose + ":" + email }
func rateKey(purpose, email string) string { return "otp:rate:" + purpose + ":" + email }
func attemptsKey(purpose, email string) string {
	return "otp:attempts:" + purpose + ":" + email
}

func normalize(email, purpose string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	purpose = strings.ToLower(strings.TrimSpace(purpose))
	if purpose == "" {
		purpose = DefaultPurpose
	}
	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") || !purposePattern.MatchString(purpose) {
		return "", "", ErrInvalidInput
	}
	return email, purpose, nil
}

// Issue sends a fresh code to email, replacing any outstanding one.
func (s *Service) Issue(ctx context.Context, email, purpose string) (*Issued, error) {
	email, purpose, err := normalize(email, purpose)
	if err != nil {
		return nil, err
	}
	key := codeKey(purpose, email)
	now := s.now()

	prev, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load code: %w", err)
	}
	if prev != nil {
		if wait := prev.IssuedAt.Add(s.cfg.Cooldown).Sub(now); wait > 0 {
			return nil, &CooldownError{RetryAfter: wait}
		}
	}
	n, err := s.store.Hit(ctx, rateKey(purpose, email), time.Hour)
	if err != nil {
		return nil, fmt.Errorf("count issues: %w", err)
	}
	if n > int64(s.cfg.MaxPerHour) {
		return nil, ErrRateLimited
	}

	code, err := utils.RandomDigits(s.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	hash, err := utils.HashSecret(code)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}
	if err := s.store.Delete(ctx, attemptsKey(purpose, email)); err != nil {
		return nil, fmt.Errorf("reset attempts: %w", err)
	}
	if err := s.store.Put(ctx, key, Entry{Hash: hash, IssuedAt: now}, s.cfg.TTL); err != nil {
		return nil, fmt.Errorf("store code: %w", err)
	}
	if err := s.mailer.SendCode(ctx, email, purpose, code, s.cfg.TTL); err != nil {
		_ = s.store.Delete(ctx, key)
		return nil, fmt.Errorf("send code: %w", err)
	}
	s.logger.Info("otp issued", zap.String("purpose", purpose), zap.String("email", maskEmail(email)))
	return &Issued{ExpiresIn: s.cfg.TTL, ExpiresAt: now.Add(s.cfg.TTL)}, nil
}

// Verify checks code and consumes it on success. Every call takes an attempt
// from an atomic counter before comparing, so parallel guesses cannot exceed
// MaxAttempts comparisons per code.
func (s *Service) Verify(ctx context.Context, email, purpose, code string) error {
	email, purpose, err := normalize(email, purpose)
	if err != nil {
		return err
	}
	key := codeKey(purpose, email)
	e, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}
	if e == nil {
		return ErrExpired
	}

	akey := attemptsKey(purpose, email)
	n, err := s.store.Hit(ctx, akey, s.cfg.TTL)
	if err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}
	if n > int64(s.cfg.MaxAttempts) {
		s.discard(ctx, key, akey)
		return ErrTooManyAttempts
	}

	if !utils.CheckSecret(strings.TrimSpace(code), e.Hash) {
		if n >= int64(s.cfg.MaxAttempts) {
			s.discard(ctx, key, akey)
			s.logger.Warn("otp locked after failed attempts", zap.String("purpose", purpose), zap.String("email", maskEmail(email)))
			return ErrTooManyAttempts
		}
		return ErrInvalidCode
	}

	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	_ = s.store.Delete(ctx, akey)
	return nil
}

func (s *Service) discard(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if err := s.store.Delete(ctx, k); err != nil {
			s.logger.Warn("otp discard failed", zap.Error(err))
		}
	}
}

// maskEmail keeps the first character of the local part and the domain.
func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
