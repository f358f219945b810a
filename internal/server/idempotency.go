package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/selfplay/internal/model"
)

const (
	// DefaultIdempotencyTTL is how long a completed key is replayed.
	DefaultIdempotencyTTL = 24 * time.Hour
	maxIdempotencyKeyLen  = 255
)

var (
	errIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	errIdempotencyInProgress      = errors.New("request with this idempotency key is already in progress")
)

type idempotencyRecord struct {
	hash       string
	completed  bool
	statusCode int
	response   []byte
	expiresAt  time.Time
}

// idempotencyStore remembers responses to keyed writes in memory. Records
// expire after ttl; in-progress reservations never outlive one request.
type idempotencyStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	records map[string]*idempotencyRecord
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &idempotencyStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]*idempotencyRecord),
	}
}

// begin reserves key for a request whose payload hashes to hash. When a
// completed record exists for the same payload it is returned for replay.
func (s *idempotencyStore) begin(key, hash string) (*idempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictExpired(now)

	if rec, ok := s.records[key]; ok {
		if rec.hash != hash {
			return nil, errIdempotencyPayloadMismatch
		}
		if !rec.completed {
			return nil, errIdempotencyInProgress
		}
		replay := *rec
		return &replay, nil
	}
	s.records[key] = &idempotencyRecord{hash: hash, expiresAt: now.Add(s.ttl)}
	return nil, nil
}

func (s *idempotencyStore) complete(key string, statusCode int, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	rec.completed = true
	rec.statusCode = statusCode
	rec.response = body
	rec.expiresAt = s.now().Add(s.ttl)
	return nil
}

// clear drops a reservation so the client may retry with the same key.
func (s *idempotencyStore) clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && !rec.completed {
		delete(s.records, key)
	}
}

func (s *idempotencyStore) evictExpired(now time.Time) {
	for key, rec := range s.records {
		if now.After(rec.expiresAt) {
			delete(s.records, key)
		}
	}
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite checks, replays or reserves the request's idempotency
// key. It returns the reserved key ("" when the request carries none) and
// whether the caller should proceed. When proceed is false a response has
// already been written.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, endpoint string, payload any) (string, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return "", true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Idempotency-Key is too long")
		return "", false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return "", false
	}

	scoped := endpoint + ":" + key
	rec, err := h.idempotency.begin(scoped, hash)
	switch {
	case err == nil && rec != nil:
		var replay any
		if len(rec.response) > 0 {
			if uErr := json.Unmarshal(rec.response, &replay); uErr != nil {
				h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", uErr)
				return "", false
			}
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, r, rec.statusCode, replay)
		return "", false
	case err == nil:
		return scoped, true
	case errors.Is(err, errIdempotencyPayloadMismatch), errors.Is(err, errIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return "", false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return "", false
	}
}

func (h *Handlers) completeIdempotentWrite(r *http.Request, key string, statusCode int, data any) {
	if key == "" {
		return
	}
	if err := h.idempotency.complete(key, statusCode, data); err != nil {
		h.logger.Error("failed to record idempotent response",
			"error", err,
			"request_id", RequestIDFromContext(r.Context()))
	}
}

func (h *Handlers) clearIdempotentWrite(key string) {
	if key != "" {
		h.idempotency.clear(key)
	}
}
