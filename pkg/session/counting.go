package session

import (
	"context"

	"github.com/strand-protocol/strand/curvecp/pkg/observability"
	"github.com/strand-protocol/strand/curvecp/pkg/transport"
)

type countingTransport struct {
	transport.Transport
	metrics *observability.Metrics
}

// CountingTransport wraps t so that every packet it sends is counted in m.
// It returns t unchanged when m is nil.
func CountingTransport(t transport.Transport, m *observability.Metrics) transport.Transport {
	if m == nil {
		return t
	}
	return &countingTransport{Transport: t, metrics: m}
}

func (c *countingTransport) Send(ctx context.Context, packet []byte) error {
	if err := c.Transport.Send(ctx, packet); err != nil {
		return err
	}
	c.metrics.IncPacketSent()
	return nil
}
