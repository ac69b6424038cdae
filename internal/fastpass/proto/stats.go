package proto

// Stats mirrors the protocol-level counter vocabulary a Fastpass
// connection tracks. All fields are plain uint64s protected by
// Connection's own lock; read them via Connection.Stats(), never
// directly. The RxIncomplete* fields, RedundantReset,
// ResetLastRecentPayloadOld, ResetLastOldPayloadRecent and
// NoResetBecauseRecent are never incremented and stay zero.
type Stats struct {
	// Outgoing / ack path.
	CommittedPkts      uint64
	AckedPackets       uint64
	TimeoutPkts        uint64
	FallOffOutwnd      uint64
	ReprogrammedTimer  uint64
	TimeoutHandlerRuns uint64

	// Incoming path.
	RxPkts            uint64
	RxDupPkt          uint64
	RxTooShort        uint64
	RxUnknownPayload  uint64
	RxIncompleteReset uint64
	RxIncompleteAlloc uint64
	RxIncompleteAck   uint64
	RxIncompleteAREQ  uint64
	RxChecksumError   uint64
	SeqnoBeforeInwnd  uint64
	InwndJumped       uint64

	// Reset handshake.
	ResetPayloads                uint64
	ProtoResets                  uint64
	RedundantReset               uint64
	ResetBothRecentLastWins      uint64
	ResetBothRecentPayloadWins   uint64
	ResetLastRecentPayloadOld    uint64
	ResetLastOldPayloadRecent    uint64
	ResetBothOld                 uint64
	NoResetBecauseRecent         uint64
	ResetFromBadPkts             uint64
	ForcedReset                  uint64
	ConsecutiveBadPkts           uint64

	// Scheduler-facing allocation counters. These are never incremented
	// here and stay zero; the scheduler's own counts are in scheduler.Stats.
	AllocTooLate   uint64
	AllocPremature uint64
	UnwantedAlloc  uint64
}
