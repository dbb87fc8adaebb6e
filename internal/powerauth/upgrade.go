package powerauth

// This file implements the V2->V3 protocol upgrade handshake dropped
// from the distilled spec but present in original_source
// (startProtocolUpgrade/applyProtocolUpgradeData/finishProtocolUpgrade):
// an activation created under the legacy 64-bit counter scheme can be
// migrated, in place, to the V3 hash-chain counter without
// re-activating.

// protocolVersion reports whether the persisted activation is still
// running the legacy (V2) 64-bit counter or has moved to the V3
// hash-chain counter.
func (pd *persistentData) protocolVersion() string {
	if pd.isV3 {
		return "3.1"
	}
	return "2.1"
}

const pendingUpgradeNone uint8 = 0
const pendingUpgradeToV3 uint8 = 3

// PendingProtocolUpgradeVersion reports the in-flight upgrade target, or
// "" if none is pending.
func (s *Session) PendingProtocolUpgradeVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistent == nil {
		return ""
	}
	if s.persistent.flags.pendingUpgradeVersion == pendingUpgradeToV3 {
		return "3.1"
	}
	return ""
}

// StartProtocolUpgrade marks a V2 activation as upgrading to V3. It is a
// no-op error on an activation that is already V3.
func (s *Session) StartProtocolUpgrade() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return err
	}
	if s.persistent.isV3 {
		return wrongState("session is already running protocol V3")
	}
	s.persistent.flags.pendingUpgradeVersion = pendingUpgradeToV3
	return nil
}

// ApplyProtocolUpgradeData commits the server-issued initial V3
// hash-chain counter (ctrData), switching the activation's counter
// representation. The signature-counter byte is deliberately marked
// unsynchronized afterward, mirroring the V3->V3.1 migration behavior:
// the new counter has not yet been confirmed by a round-trip signature.
func (s *Session) ApplyProtocolUpgradeData(ctrData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return err
	}
	pd := s.persistent
	if pd.isV3 {
		return wrongState("session is already running protocol V3")
	}
	if pd.flags.pendingUpgradeVersion != pendingUpgradeToV3 {
		return wrongState("upgrade to V3 was not started")
	}
	if len(ctrData) != 16 {
		return wrongParam("V3 upgrade counter data must be 16 bytes")
	}
	pd.signatureCounterData = ctrData
	pd.signatureCounter = 0
	pd.isV3 = true
	pd.flags.hasSignatureCounterByte = false
	return nil
}

// FinishProtocolUpgrade clears the pending-upgrade marker once the
// caller has confirmed (via a subsequent signed request) that the V3
// counter is live.
func (s *Session) FinishProtocolUpgrade() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState(StateActivated); err != nil {
		return err
	}
	pd := s.persistent
	if pd.flags.pendingUpgradeVersion != pendingUpgradeToV3 {
		return wrongState("no protocol upgrade is pending")
	}
	if !pd.isV3 {
		return wrongState("upgrade to V3 is not finished yet")
	}
	pd.flags.pendingUpgradeVersion = pendingUpgradeNone
	return nil
}
