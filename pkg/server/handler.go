// Package server accepts CurveCP connections on a UDP listener and hands
// each connected session to a Handler.
package server

import (
	"context"

	"github.com/strand-protocol/strand/curvecp/pkg/session"
)

// Handler serves one connected session. ctx is cancelled when the server
// stops. The server closes the session after ServeSession returns, once the
// peer has acknowledged the end of the server's data or the linger time has
// passed.
type Handler interface {
	ServeSession(ctx context.Context, s *session.Session)
}

// HandlerFunc is an adapter to allow use of ordinary functions as Handlers.
type HandlerFunc func(ctx context.Context, s *session.Session)

// ServeSession calls f(ctx, s).
func (f HandlerFunc) ServeSession(ctx context.Context, s *session.Session) {
	f(ctx, s)
}
