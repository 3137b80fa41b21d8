package stream

import (
	"github.com/strand-protocol/strand/curvecp/pkg/clock"
	"github.com/strand-protocol/strand/curvecp/pkg/message"
)

// Block is a slice of the outbound byte stream that has been sent and not
// yet acknowledged.
type Block struct {
	StartByte        uint64
	TransmissionTime clock.Clock
	Transmissions    uint32
	// ID is the id of the last message that carried this block.
	ID          uint32
	Data        []byte
	StopSuccess bool
	StopFailure bool
}

// End returns the stream offset just past the block.
func (b *Block) End() uint64 { return b.StartByte + uint64(len(b.Data)) }

// AcknowledgedBy reports whether m acknowledges every byte of the block.
func (b *Block) AcknowledgedBy(m *message.Message) bool {
	return m.IsAcknowledged(b.StartByte, uint64(len(b.Data)))
}

func (b *Block) message(receivedBytes uint64) *message.Message {
	return &message.Message{
		ID:         b.ID,
		Range1Size: receivedBytes,
		Success:    b.StopSuccess,
		Failure:    b.StopFailure,
		Offset:     b.StartByte,
		Data:       b.Data,
	}
}
