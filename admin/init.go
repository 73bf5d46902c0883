package admin

import (
	"context"
	"time"

	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// InitState is the client's explicit initialization state, replacing the
// coroutine-encoded state machine of the source admin implementation with a
// plain enum driven by command replies and retry timers.
type InitState int

const (
	InitStateSendingRequests InitState = iota
	InitStateAwaitingReplies
	InitStateNotifyingServices
	InitStateDone
	InitStateFailed
)

// LocalService is the caller-supplied hook notified once a remote service
// has been confirmed created (or the whole initialization aborted).
type LocalService interface {
	// OnRemoteReady is called once the peer has confirmed creation.
	OnRemoteReady(runtimeID uint32)
	// OnInitFailed is called if initialization aborts before this service's
	// create-request could be confirmed.
	OnInitFailed(err error)
}

// pendingCreate tracks one in-flight create-request through retries.
type pendingCreate struct {
	req     CreateServiceRequest
	local   LocalService
	retries int
	runtimeID uint32
	err     error
	done    bool
}

// RunInitialization drives the client's initialization state machine: send
// every create-request, wait for replies (retrying transient failures up to
// ServiceStatusRetryCount times), notify local services, and report the
// overall result. On any unrecoverable failure it sends stop-requests for
// whatever succeeded before returning the error.
func (s *Service) RunInitialization(ctx context.Context, requests []struct {
	Req   CreateServiceRequest
	Local LocalService
}) error {
	logger := s.logger.Fork("init")
	pending := make([]*pendingCreate, len(requests))
	for i, r := range requests {
		pending[i] = &pendingCreate{req: r.Req, local: r.Local}
	}

	state := InitStateSendingRequests
	for state != InitStateDone && state != InitStateFailed {
		switch state {
		case InitStateSendingRequests:
			for _, p := range pending {
				if !p.done {
					s.sendCreate(ctx, p, logger)
				}
			}
			state = InitStateAwaitingReplies
		case InitStateAwaitingReplies:
			allDone := true
			for _, p := range pending {
				if !p.done {
					allDone = false
				}
			}
			if allDone {
				if anyFailed(pending) {
					state = InitStateFailed
				} else {
					state = InitStateNotifyingServices
				}
				continue
			}
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return wireerr.Wrap(wireerr.OperationAborted, ctx.Err(), "initialization cancelled")
			}
		case InitStateNotifyingServices:
			for _, p := range pending {
				if p.local != nil {
					p.local.OnRemoteReady(p.runtimeID)
				}
			}
			state = InitStateDone
		}
	}

	if state == InitStateFailed {
		var firstErr error
		for _, p := range pending {
			if p.err != nil && firstErr == nil {
				firstErr = p.err
			}
			if p.done && p.err == nil {
				s.StopService(ctx, p.runtimeID)
			}
			if p.local != nil {
				p.local.OnInitFailed(p.err)
			}
		}
		return wireerr.Wrap(wireerr.AdminRemoteFailure, firstErr, "service initialization failed")
	}
	return nil
}

// sendCreate issues one create-request synchronously (relative to this
// caller), retrying transient failures inline up to ServiceStatusRetryCount
// times before giving up on that one service.
func (s *Service) sendCreate(ctx context.Context, p *pendingCreate, logger ssflog.Logger) {
	for p.retries <= ServiceStatusRetryCount {
		reply, err := s.CreateService(ctx, p.req)
		if err == nil {
			p.runtimeID = reply.RuntimeID
			p.done = true
			return
		}
		if wireerr.KindOf(err) == wireerr.OperationAborted {
			p.err = err
			p.done = true
			return
		}
		p.retries++
		logger.WLogf("create-service %d attempt %d failed: %v", p.req.ServiceID, p.retries, err)
	}
	p.err = wireerr.New(wireerr.AdminRemoteFailure, "exhausted retries creating service %d", p.req.ServiceID)
	p.done = true
}

func anyFailed(pending []*pendingCreate) bool {
	for _, p := range pending {
		if p.err != nil {
			return true
		}
	}
	return false
}
