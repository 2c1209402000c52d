package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/treeland-project/sessiond/internal/ipc"
	"github.com/treeland-project/sessiond/internal/logging"
	"github.com/treeland-project/sessiond/internal/metrics"
	"github.com/treeland-project/sessiond/internal/overlap"
	"github.com/treeland-project/sessiond/internal/switcher"
	"github.com/treeland-project/sessiond/internal/wlsocket"
)

// roleTypes lists the requests each role may send. ping and disconnect are
// open to everyone.
var roleTypes = map[string]map[string]bool{
	ipc.RoleLoginManager: {
		ipc.TypeSessionRegister:   true,
		ipc.TypeSessionUnregister: true,
		ipc.TypeSessionActivate:   true,
		ipc.TypeSessionList:       true,
	},
	ipc.RoleCLI: {
		ipc.TypeSessionActivate: true,
		ipc.TypeSessionList:     true,
	},
	ipc.RoleShell: {
		ipc.TypeClaimRefresh: true,
		ipc.TypeClaimDestroy: true,
		ipc.TypeSessionList:  true,
	},
	ipc.RoleCompositor: {
		ipc.TypeOutputUpdate:   true,
		ipc.TypeOutputRemove:   true,
		ipc.TypeSurfaceUpdate:  true,
		ipc.TypeSurfaceDestroy: true,
		ipc.TypeKeyEvent:       true,
		ipc.TypeSessionList:    true,
	},
	ipc.RoleInput: {
		ipc.TypeKeyEvent: true,
	},
}

func allowed(role, msgType string) bool {
	if msgType == ipc.TypePing {
		return true
	}
	return roleTypes[role][msgType]
}

type handlerFunc func(s *Server, p *Peer, env *ipc.Envelope) (string, any, error)

var handlers = map[string]handlerFunc{
	ipc.TypePing:              handlePing,
	ipc.TypeSessionRegister:   handleSessionRegister,
	ipc.TypeSessionUnregister: handleSessionUnregister,
	ipc.TypeSessionActivate:   handleSessionActivate,
	ipc.TypeSessionList:       handleSessionList,
	ipc.TypeOutputUpdate:      handleOutputUpdate,
	ipc.TypeOutputRemove:      handleOutputRemove,
	ipc.TypeClaimRefresh:      handleClaimRefresh,
	ipc.TypeClaimDestroy:      handleClaimDestroy,
	ipc.TypeSurfaceUpdate:     handleSurfaceUpdate,
	ipc.TypeSurfaceDestroy:    handleSurfaceDestroy,
	ipc.TypeKeyEvent:          handleKeyEvent,
}

// dispatch answers one request. Every request gets exactly one reply: the
// handler's typed result, an ack, or an error.
func (s *Server) dispatch(p *Peer, env *ipc.Envelope) {
	status := "ok"
	defer func() {
		metrics.ControlRequestsTotal.WithLabelValues(env.Type, status).Inc()
	}()

	h, ok := handlers[env.Type]
	if !ok || !allowed(p.Role, env.Type) {
		ipc.CloseFDs(env.FDs)
		status = "denied"
		log.Warn("request denied", "connId", p.ID, "role", p.Role, "type", env.Type)
		p.replyError(env.ID, fmt.Errorf("%w: %s may not send %s", ErrNotAllowed, p.Role, env.Type))
		return
	}
	if env.Type != ipc.TypeSessionRegister && len(env.FDs) > 0 {
		ipc.CloseFDs(env.FDs)
		status = "error"
		p.replyError(env.ID, ErrTooManyFDs)
		return
	}

	replyType, payload, err := h(s, p, env)
	if err != nil {
		status = "error"
		log.Debug("request failed", "connId", p.ID, "type", env.Type, logging.KeyError, err)
		p.replyError(env.ID, err)
		return
	}
	if replyType == "" {
		replyType = ipc.TypeAck
	}
	if err := p.reply(env.ID, replyType, payload); err != nil {
		log.Debug("reply failed", "connId", p.ID, "type", env.Type, logging.KeyError, err)
	}
}

func decode[T any](env *ipc.Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("control: decode %s: %w", env.Type, err)
	}
	return v, nil
}

func handlePing(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	return ipc.TypePong, nil, nil
}

func handleSessionRegister(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.SessionRegister](env)
	if err != nil {
		ipc.CloseFDs(env.FDs)
		return "", nil, err
	}
	if req.Username == "" {
		ipc.CloseFDs(env.FDs)
		return "", nil, fmt.Errorf("control: empty username")
	}

	var sock *wlsocket.Socket
	switch {
	case len(env.FDs) == 1:
		sock, err = wlsocket.FromFD(req.Username, req.SocketPath, env.FDs[0], s.handoff)
	case len(env.FDs) > 1:
		ipc.CloseFDs(env.FDs)
		return "", nil, ErrTooManyFDs
	case req.SocketPath != "":
		sock, err = wlsocket.Listen(req.Username, req.SocketPath, s.handoff)
	default:
		return "", nil, ErrMissingSocket
	}
	if err != nil {
		return "", nil, err
	}
	go sock.Serve()

	// The task may still run after runSync gives up. Whichever side gets
	// the lock first decides whether sock is registered or closed.
	var (
		mu         sync.Mutex
		abandoned  bool
		registered bool
		regErr     error
	)
	err = s.runSync(func() {
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			return
		}
		old, hadOld := s.coord.Registry().Session(req.Username)
		if regErr = s.coord.RegisterSession(req.Username, sock); regErr != nil {
			return
		}
		registered = true
		if hadOld {
			if oldSock, ok := old.Endpoint.(*wlsocket.Socket); ok && oldSock != sock {
				oldSock.Close()
			}
		}
	})
	if err == nil {
		err = regErr
	}
	if err != nil {
		mu.Lock()
		abandoned = true
		done := registered
		mu.Unlock()
		if done {
			return "", nil, nil
		}
		sock.Close()
		return "", nil, err
	}
	return "", nil, nil
}

func handleSessionUnregister(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.SessionRef](env)
	if err != nil {
		return "", nil, err
	}
	var opErr error
	if err := s.runSync(func() { opErr = s.coord.UnregisterSession(req.Username) }); err != nil {
		return "", nil, err
	}
	return "", nil, opErr
}

func handleSessionActivate(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.SessionRef](env)
	if err != nil {
		return "", nil, err
	}
	return "", nil, s.runSync(func() { s.coord.ActivateUser(req.Username) })
}

func handleSessionList(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	var res ipc.SessionListResult
	err := s.runSync(func() {
		res = s.SessionList()
	})
	return ipc.TypeSessionListResult, res, err
}

// SessionList snapshots the registry. Call it on the event loop.
func (s *Server) SessionList() ipc.SessionListResult {
	res := ipc.SessionListResult{Sessions: []ipc.SessionInfo{}}
	for _, us := range s.coord.Registry().Sessions() {
		info := ipc.SessionInfo{Username: us.Username, Enabled: us.Enabled}
		if sock, ok := us.Endpoint.(*wlsocket.Socket); ok {
			info.SocketPath = sock.Path()
		}
		res.Sessions = append(res.Sessions, info)
		if us.Enabled {
			res.ActiveUser = us.Username
			res.ActiveSocket = info.SocketPath
		}
	}
	return res
}

func handleOutputUpdate(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.OutputUpdate](env)
	if err != nil {
		return "", nil, err
	}
	var opErr error
	if err := s.runSync(func() { opErr = s.coord.UpdateOutput(req.OutputID, req.Width, req.Height) }); err != nil {
		return "", nil, err
	}
	return "", nil, opErr
}

func handleOutputRemove(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.OutputRef](env)
	if err != nil {
		return "", nil, err
	}
	var opErr error
	if err := s.runSync(func() { opErr = s.coord.RemoveOutput(req.OutputID) }); err != nil {
		return "", nil, err
	}
	return "", nil, opErr
}

func handleClaimRefresh(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.ClaimRefresh](env)
	if err != nil {
		return "", nil, err
	}
	id := overlap.ClaimID(req.ClaimID)
	owner := claimOwner{peer: p, claim: id}

	var opErr error
	err = s.runSync(func() {
		if c, ok := s.coord.Claims().Claim(id); ok && c.Owner != owner {
			opErr = ErrClaimOwned
			return
		}
		opErr = s.coord.RefreshClaim(id, owner, req.OutputID, overlap.Anchor(req.Anchor), overlap.Size{W: req.Width, H: req.Height})
		metrics.ClaimsCurrent.Set(float64(s.coord.Claims().Len()))
	})
	if err != nil {
		return "", nil, err
	}
	if errors.Is(opErr, overlap.ErrInvalidGeometry) {
		metrics.ClaimRejectionsTotal.Inc()
	}
	return "", nil, opErr
}

func handleClaimDestroy(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.ClaimRef](env)
	if err != nil {
		return "", nil, err
	}
	id := overlap.ClaimID(req.ClaimID)

	var opErr error
	err = s.runSync(func() {
		c, ok := s.coord.Claims().Claim(id)
		if !ok {
			opErr = overlap.ErrNotFound
			return
		}
		if c.Owner != (claimOwner{peer: p, claim: id}) {
			opErr = ErrClaimOwned
			return
		}
		opErr = s.coord.DestroyClaim(id)
		metrics.ClaimsCurrent.Set(float64(s.coord.Claims().Len()))
	})
	if err != nil {
		return "", nil, err
	}
	return "", nil, opErr
}

func handleSurfaceUpdate(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.SurfaceUpdate](env)
	if err != nil {
		return "", nil, err
	}
	geometry := overlap.Rect(req.X, req.Y, req.Width, req.Height)

	var opErr error
	err = s.runSync(func() {
		if _, ok := s.coord.Surface(req.SurfaceID); !ok {
			s.coord.MapSurface(req.SurfaceID, geometry, req.Monitored)
			return
		}
		opErr = s.coord.UpdateSurface(req.SurfaceID, geometry)
	})
	if err != nil {
		return "", nil, err
	}
	return "", nil, opErr
}

func handleSurfaceDestroy(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.SurfaceRef](env)
	if err != nil {
		return "", nil, err
	}
	var opErr error
	if err := s.runSync(func() { opErr = s.coord.DestroySurface(req.SurfaceID) }); err != nil {
		return "", nil, err
	}
	return "", nil, opErr
}

func handleKeyEvent(s *Server, p *Peer, env *ipc.Envelope) (string, any, error) {
	req, err := decode[ipc.KeyEvent](env)
	if err != nil {
		return "", nil, err
	}
	mods, err := switcher.ParseModifiers(req.Modifiers)
	if err != nil {
		return "", nil, err
	}
	ev := switcher.KeyEvent{Key: req.Key, Modifiers: mods, Pressed: req.Pressed}

	var consumed bool
	if err := s.runSync(func() { consumed = s.coord.HandleInput(ev) }); err != nil {
		return "", nil, err
	}

	disposition := "passed"
	if consumed {
		disposition = "consumed"
	}
	metrics.KeyEventsTotal.WithLabelValues(disposition).Inc()
	return ipc.TypeKeyEventResult, ipc.KeyEventResult{Consumed: consumed}, nil
}
