package kansoku

// Output is the part of the output driver stages write to. Keys must be
// declared with WithField or WithLateField.
type Output interface {
	// SetField sets a core field of frame n.
	SetField(n FrameNumber, key string, value any) error
	// SupplyField supplies a late field of frame n. It may be called from
	// any goroutine, before or after the frame finished analysis.
	SupplyField(n FrameNumber, key string, value any) error
	// FlagBasis requests that frame n be emitted as a full record.
	FlagBasis(n FrameNumber) error
}
