package phoneauth

import (
	"sync"
	"time"
)

// codeEntry is the server-side record of one dispatched code. Only the hash
// of the code is kept.
type codeEntry struct {
	phoneNumber string
	codeHash    string
	resendToken string
	expiresAt   time.Time
	attempts    int
}

// codeStore holds dispatched codes by verification id until they expire or
// are consumed.
type codeStore struct {
	mu      sync.Mutex
	byID    map[string]*codeEntry
	byToken map[string]string // resend token -> verification id
	nowF    func() time.Time
}

func newCodeStore() *codeStore {
	return &codeStore{
		byID:    make(map[string]*codeEntry),
		byToken: make(map[string]string),
		nowF:    func() time.Time { return time.Now().UTC() },
	}
}

// put stores a dispatched code, replacing any previous code for the same
// verification id (a resend).
func (s *codeStore) put(verificationID, phoneNumber, codeHash, resendToken string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[verificationID] = &codeEntry{
		phoneNumber: phoneNumber,
		codeHash:    codeHash,
		resendToken: resendToken,
		expiresAt:   expiresAt,
	}
	s.byToken[resendToken] = verificationID
}

// get returns the live entry for verificationID, or ok=false if missing or
// expired. Expired entries are removed.
func (s *codeStore) get(verificationID string) (*codeEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[verificationID]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.After(s.nowF()) {
		s.removeLocked(verificationID, e)
		return nil, false
	}
	return e, true
}

// byResendToken resolves a resend token to its verification id.
func (s *codeStore) byResendToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	return id, ok
}

// bumpAttempts increments the failed-check counter and returns the new count.
func (s *codeStore) bumpAttempts(verificationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[verificationID]
	if !ok {
		return 0
	}
	e.attempts++
	return e.attempts
}

// consume removes the entry after a successful check.
func (s *codeStore) consume(verificationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[verificationID]; ok {
		s.removeLocked(verificationID, e)
	}
}

func (s *codeStore) removeLocked(verificationID string, e *codeEntry) {
	delete(s.byID, verificationID)
	delete(s.byToken, e.resendToken)
}
