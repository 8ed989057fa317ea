package nvmespec

// Feature identifiers.
const (
	FeatureArbitration    = 0x01
	FeatureNumberOfQueues = 0x07
)

// NewSetNumberOfQueues requests sq and cq I/O queues (one based).
func NewSetNumberOfQueues(sq, cq uint16) Command {
	return Command{
		Opcode: AdminSetFeatures,
		CDW10:  FeatureNumberOfQueues,
		CDW11:  EncodeNumberOfQueues(sq, cq),
	}
}

// NewGetNumberOfQueues reads the current number of queues allocated.
func NewGetNumberOfQueues() Command {
	return Command{Opcode: AdminGetFeatures, CDW10: FeatureNumberOfQueues}
}

// EncodeNumberOfQueues packs one-based queue counts into the zero-based
// NSQR/NCQR dword used both in CDW11 and in completion DW0.
func EncodeNumberOfQueues(sq, cq uint16) uint32 {
	return uint32(cq-1)<<16 | uint32(sq-1)
}

// DecodeNumberOfQueues returns the one-based queue counts from dw.
func DecodeNumberOfQueues(dw uint32) (sq, cq uint16) {
	return uint16(dw) + 1, uint16(dw>>16) + 1
}
