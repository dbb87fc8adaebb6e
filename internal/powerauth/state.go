package powerauth

import "sync"

// State is the closed set of states a Session can occupy (spec §3.5).
type State int

const (
	StateInvalid State = iota
	StateEmpty
	StateActivation1
	StateActivation2
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateEmpty:
		return "Empty"
	case StateActivation1:
		return "Activation1"
	case StateActivation2:
		return "Activation2"
	case StateActivated:
		return "Activated"
	default:
		return "Unknown"
	}
}

// Session is the top-level orchestrator for the PowerAuth activation
// state machine (spec §1, §5). Every public method takes mu, a plain
// sync.Mutex that is not re-entrant: a public method must not call
// another public method of the same Session. Internal helpers that run
// while the lock is already held are unexported and take no lock of
// their own.
type Session struct {
	mu sync.Mutex

	setup *SessionSetup
	state State

	activation *activationData
	persistent *persistentData

	lastFingerprint string
	deviceID        string // cached device fingerprint, survives Reset(true)
}

// NewSession constructs a Session from its configuration. A setup that
// fails validation puts the Session into StateInvalid, a terminal state
// that cannot be left (spec §3.5).
func NewSession(setup *SessionSetup) (*Session, error) {
	s := &Session{setup: setup}
	if err := setup.Validate(); err != nil {
		s.state = StateInvalid
		return s, wrapErr(WrongParam, "invalid session setup", err)
	}
	s.state = StateEmpty
	return s, nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasValidActivation reports whether the session holds a persisted,
// validated activation.
func (s *Session) HasValidActivation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActivated && s.persistent != nil
}

// CanStartActivation reports whether StartActivation may be called.
func (s *Session) CanStartActivation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEmpty
}

// ActivationIdentifier returns the activation id of a completed
// activation, or "" if none exists.
func (s *Session) ActivationIdentifier() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistent == nil {
		return ""
	}
	return s.persistent.activationID
}

// ActivationFingerprint returns the fingerprint computed during
// ValidateActivationResponse, cached for the lifetime of the activation
// (spec §C, original_source getActivationFingerprint/getLastFingerprint).
func (s *Session) ActivationFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFingerprint
}

// Reset drops any in-flight ActivationData and persisted activation,
// returning the Session to StateEmpty (or StateInvalid if the setup was
// never valid). The last computed fingerprint is always cleared; when
// keepDeviceInfo is true, the stored device identifier survives the
// reset so it can be reused by a later activation attempt
// (original_source Session::resetSession).
func (s *Session) Reset(keepDeviceInfo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(keepDeviceInfo)
}

func (s *Session) resetLocked(keepDeviceInfo bool) {
	s.activation = nil
	s.persistent = nil
	s.lastFingerprint = ""
	if !keepDeviceInfo {
		s.deviceID = ""
	}
	if s.setup != nil {
		if err := s.setup.Validate(); err == nil {
			s.state = StateEmpty
			return
		}
	}
	s.state = StateInvalid
}

// SaveSessionState serializes the session's persistent activation data
// into the spec §6.1 envelope, for storage between requests
// (original_source Session::saveSessionState). A session with no
// completed activation serializes to the empty-record sentinel.
func (s *Session) SaveSessionState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return serializeSessionState(s.persistent)
}

// LoadSessionState restores persistent activation data into the
// session, moving it to StateActivated when the envelope carries an
// activation (original_source Session::loadSessionState). The session
// must be freshly constructed via NewSession; any in-flight
// ActivationData is discarded.
func (s *Session) LoadSessionState(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pd, err := deserializeSessionState(raw)
	if err != nil {
		return err
	}
	s.activation = nil
	s.persistent = pd
	if pd != nil {
		s.state = StateActivated
	} else if s.setup != nil {
		if verr := s.setup.Validate(); verr == nil {
			s.state = StateEmpty
		} else {
			s.state = StateInvalid
		}
	}
	return nil
}

// requireState fails with WrongState unless the session is currently in
// one of the given states. Caller must hold s.mu.
func (s *Session) requireState(allowed ...State) error {
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return wrongState("operation not valid in state " + s.state.String())
}
