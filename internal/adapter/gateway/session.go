package gateway

import (
	"golang.org/x/time/rate"

	"lia-terminal/internal/domain"
	"lia-terminal/internal/usecase/surface"
)

// Session is the per-connection state handed to every RPC handler.
type Session struct {
	Client  *ClientInfo
	Surface *surface.Surface
	Legacy  *surface.Legacy

	execLimiter *rate.Limiter // nil = unlimited
}

// newSession binds a connection to base. A session-mode workdir is cloned so
// every connection moves through the filesystem independently; a process
// workdir is shared.
func newSession(client *ClientInfo, base *surface.Surface, execPerMinute, execBurst int) *Session {
	s := &Session{Client: client}
	if base != nil {
		if ds, ok := base.Workdir().(*surface.DirState); ok {
			base = base.WithWorkdir(ds.Clone())
		}
		s.Surface = base
		s.Legacy = surface.NewLegacy(base)
	}
	if execPerMinute > 0 {
		if execBurst <= 0 {
			execBurst = 1
		}
		s.execLimiter = rate.NewLimiter(rate.Limit(execPerMinute)/60.0, execBurst)
	}
	return s
}

// allowExec consumes one command token.
func (s *Session) allowExec(op string) error {
	if s.execLimiter != nil && !s.execLimiter.Allow() {
		return domain.NewDomainError(op, domain.ErrRateLimit, "command rate limit exceeded")
	}
	return nil
}
