package session

import (
	"errors"
	"sync"
	"time"

	"github.com/vanadiel/loginserver/internal/mq"
)

// DataRequest is a one-shot signal from the view handler to the data
// handler for the same session.
type DataRequest int

const (
	DataIdle DataRequest = iota
	// The data handler should ask the client to send the session key.
	DataAskForKey
)

// ViewRequest is a one-shot signal from the data handler to the view
// handler for the same session.
type ViewRequest int

const (
	ViewIdle ViewRequest = iota
	// The character list is installed and the full list can be sent.
	ViewSendCharacterList
)

// ErrMailboxFull is returned when a fabric message arrives for a session
// whose previous message has not been consumed yet.
var ErrMailboxFull = errors.New("session: mq mailbox occupied")

// Session is the shared state of one player moving through the auth, data
// and view ports. All fields are guarded by the session mutex; the three
// port handlers and the fabric router touch it concurrently.
type Session struct {
	mu sync.Mutex

	accountID uint32
	ipAddr    uint32

	key          [24]byte
	keyInstalled bool

	expires        time.Time
	ignoreIPLookup bool

	characters  []mq.CharacterEntry
	charsLoaded bool

	expansions    uint32
	features      uint32
	privileges    uint32
	clientVersion string

	reqToData DataRequest
	reqToView ViewRequest

	dataDone bool
	viewDone bool

	mailbox      []byte
	mailboxWorld uint8
}

func New(accountID, ipAddr uint32, ttl time.Duration) *Session {
	return &Session{
		accountID: accountID,
		ipAddr:    ipAddr,
		expires:   time.Now().Add(ttl),
	}
}

func (s *Session) AccountID() uint32 {
	return s.accountID
}

func (s *Session) ClientIP() uint32 {
	return s.ipAddr
}

// Key returns the 24-byte session key material.
func (s *Session) Key() [24]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Session) KeyInstalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyInstalled
}

func (s *Session) SetKey(key [24]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.keyInstalled = true
}

func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.expires.After(now)
}

// ExtendTTL moves the expiry to now+ttl. Unless allowDecrease is set the
// expiry never moves backwards.
func (s *Session) ExtendTTL(ttl time.Duration, allowDecrease bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := time.Now().Add(ttl)
	if allowDecrease || exp.After(s.expires) {
		s.expires = exp
	}
}

// Expire force-expires the session so the next sweep removes it.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires = time.Time{}
}

func (s *Session) IgnoreIPLookup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ignoreIPLookup
}

func (s *Session) SetIgnoreIPLookup(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreIPLookup = v
}

func (s *Session) Bitmasks() (expansions, features, privileges uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expansions, s.features, s.privileges
}

func (s *Session) SetBitmasks(expansions, features, privileges uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expansions = expansions
	s.features = features
	s.privileges = privileges
}

func (s *Session) ClientVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientVersion
}

func (s *Session) SetClientVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientVersion = v
}

// SetCharacters installs the account's character list, in content-id
// order.
func (s *Session) SetCharacters(chars []mq.CharacterEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.characters = chars
	s.charsLoaded = true
}

// Characters returns a copy of the installed character list, or false
// when the list has not been loaded yet.
func (s *Session) Characters() ([]mq.CharacterEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.charsLoaded {
		return nil, false
	}
	return append([]mq.CharacterEntry(nil), s.characters...), true
}

// CharacterByContentID returns the slot entry for the content id.
func (s *Session) CharacterByContentID(contentID uint32) (mq.CharacterEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.characters {
		if s.characters[i].ContentID == contentID {
			return s.characters[i], true
		}
	}
	return mq.CharacterEntry{}, false
}

// UpsertCharacter stamps or replaces the slot entry keyed by content id.
// Used by the view handler to hold reservations and committed creates.
func (s *Session) UpsertCharacter(e mq.CharacterEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.characters {
		if s.characters[i].ContentID == e.ContentID {
			s.characters[i] = e
			return
		}
	}
	s.characters = append(s.characters, e)
}

// ClearCharacter zeroes the slot for the content id. The name becomes a
// single space so clients render the slot as vacant.
func (s *Session) ClearCharacter(contentID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.characters {
		if s.characters[i].ContentID == contentID {
			s.characters[i] = mq.CharacterEntry{ContentID: contentID, Name: " "}
			return
		}
	}
}

// SignalData posts a one-shot request for the data handler. A pending
// request is overwritten; the handlers poll faster than signals arrive.
func (s *Session) SignalData(r DataRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqToData = r
}

// SignalView posts a one-shot request for the view handler.
func (s *Session) SignalView(r ViewRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqToView = r
}

// TakeDataRequest consumes the pending data-handler request.
func (s *Session) TakeDataRequest() DataRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reqToData
	s.reqToData = DataIdle
	return r
}

// TakeViewRequest consumes the pending view-handler request.
func (s *Session) TakeViewRequest() ViewRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reqToView
	s.reqToView = ViewIdle
	return r
}

// SetDataFinished marks the data port done with this session. Once both
// ports are done the session force-expires.
func (s *Session) SetDataFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataDone = true
	if s.viewDone {
		s.expires = time.Time{}
	}
}

// SetViewFinished marks the view port done with this session.
func (s *Session) SetViewFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewDone = true
	if s.dataDone {
		s.expires = time.Time{}
	}
}

func (s *Session) DataFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataDone
}

func (s *Session) ViewFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewDone
}

// DeliverMQMessage places one fabric message in the session mailbox for
// the view handler. The mailbox holds a single message.
func (s *Session) DeliverMQMessage(body []byte, originWorld uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mailbox != nil {
		return ErrMailboxFull
	}
	s.mailbox = body
	s.mailboxWorld = originWorld
	return nil
}

// TakeMQMessage consumes the pending fabric message, if any.
func (s *Session) TakeMQMessage() (body []byte, originWorld uint8, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mailbox == nil {
		return nil, 0, false
	}
	body = s.mailbox
	originWorld = s.mailboxWorld
	s.mailbox = nil
	s.mailboxWorld = 0
	return body, originWorld, true
}
