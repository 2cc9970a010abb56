package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mirrorfin/copy-executor/internal/domain"
)

const defaultCap = 1000

// redactedValue replaces any detail whose key looks like a credential.
const redactedValue = "[REDACTED]"

var sensitiveKeyFragments = []string{
	"apikey", "api_key", "apisecret", "api_secret",
	"secret", "private_key", "privatekey", "password",
}

// Publisher mirrors audit entries to an external bus. Optional.
type Publisher interface {
	Publish(ctx context.Context, entry domain.AuditEntry) error
}

// Log is the bounded, most-recent-first record of every protected decision.
// Appends sanitize credential-shaped detail keys before anything is stored
// or published. Safe for concurrent use.
type Log struct {
	mu        sync.RWMutex
	cap       int
	entries   []domain.AuditEntry
	publisher Publisher
	logger    zerolog.Logger
}

type Option func(*Log)

// WithCapacity overrides the default retention bound.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.cap = n
		}
	}
}

// WithPublisher mirrors every entry to an external bus after it is stored.
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.publisher = p }
}

func NewLog(logger zerolog.Logger, opts ...Option) *Log {
	l := &Log{
		cap:    defaultCap,
		logger: logger.With().Str("component", "audit").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one decision. Oldest entries are evicted past capacity.
func (l *Log) Record(ctx context.Context, action, userID, ip string, details map[string]any, success bool) domain.AuditEntry {
	entry := domain.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		UserID:    userID,
		IP:        ip,
		Details:   Sanitize(details),
		Success:   success,
	}

	l.mu.Lock()
	l.entries = append([]domain.AuditEntry{entry}, l.entries...)
	if len(l.entries) > l.cap {
		l.entries = l.entries[:l.cap]
	}
	l.mu.Unlock()

	if l.publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := l.publisher.Publish(pubCtx, entry); err != nil {
			l.logger.Warn().Err(err).Str("action", action).Msg("audit publish failed")
		}
	}
	return entry
}

// Len returns the current entry count.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Recent returns up to limit entries, most recent first. With admin false,
// only entries belonging to userID are returned.
func (l *Log) Recent(userID string, admin bool, limit int) []domain.AuditEntry {
	if limit <= 0 {
		limit = 100
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.AuditEntry, 0, limit)
	for _, e := range l.entries {
		if !admin && e.UserID != userID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Sanitize returns a copy of details with credential-shaped keys redacted.
func Sanitize(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}
