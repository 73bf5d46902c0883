package services

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ssf-go/ssftun/admin"
	"github.com/ssf-go/ssftun/fiber"
	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// Instance is a running service instance tracked by its runtime id, so a
// later StopServiceRequest can tear it down.
type Instance interface {
	Stop() error
}

// Registry hosts the server side of the admin CreateServiceRequest /
// StopServiceRequest command pair: it is registered into an admin.Service
// via RegisterCommand and dispatches to service-kind constructors keyed by
// CreateServiceRequest.Kind, mirroring the design's process-wide command
// factory registered by numeric id, generalized here to string kinds
// because the supplemented CreateServiceRequest carries a kind name rather
// than a raw numeric command id.
type Registry struct {
	demux  *fiber.Demux
	logger ssflog.Logger

	instances map[uint32]Instance
}

// NewRegistry builds a Registry bound to demux, ready to be wired into an
// admin.Service via Install.
func NewRegistry(demux *fiber.Demux, logger ssflog.Logger) *Registry {
	return &Registry{demux: demux, logger: logger.Fork("services"), instances: map[uint32]Instance{}}
}

// Install registers this registry's factories for CmdCreateServiceRequest
// and CmdStopServiceRequest on svc.
func (r *Registry) Install(svc *admin.Service) {
	svc.RegisterCommand(admin.CmdCreateServiceRequest, r.handleCreate)
	svc.RegisterCommand(admin.CmdStopServiceRequest, r.handleStop)
}

func (r *Registry) handleCreate(ctx context.Context, cmd admin.Command) ([]byte, admin.Status) {
	var req admin.CreateServiceRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		r.logger.WLogf("malformed create-service request: %v", err)
		return nil, admin.StatusFailure
	}
	runtimeID := admin.NextServiceID()
	inst, err := r.instantiate(ctx, req, runtimeID)
	if err != nil {
		r.logger.WLogf("create-service %s failed: %v", req.Kind, err)
		return nil, admin.StatusFailure
	}
	r.instances[runtimeID] = inst
	reply, _ := json.Marshal(admin.ServiceStatusReply{RuntimeID: runtimeID})
	return reply, admin.StatusOK
}

func (r *Registry) handleStop(ctx context.Context, cmd admin.Command) ([]byte, admin.Status) {
	var req admin.StopServiceRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		return nil, admin.StatusFailure
	}
	inst, ok := r.instances[req.ServiceID]
	if !ok {
		return nil, admin.StatusFailure
	}
	delete(r.instances, req.ServiceID)
	if err := inst.Stop(); err != nil {
		r.logger.WLogf("stop-service %d: %v", req.ServiceID, err)
		return nil, admin.StatusFailure
	}
	return nil, admin.StatusOK
}

// instantiate constructs and starts the service instance for one
// CreateServiceRequest, dispatching on Kind and Reverse.
func (r *Registry) instantiate(ctx context.Context, req admin.CreateServiceRequest, runtimeID uint32) (Instance, error) {
	switch req.Kind {
	case KindSOCKS:
		port, err := portParam(req.Params)
		if err != nil {
			return nil, err
		}
		svc, err := NewSOCKSService(r.demux, port, r.logger)
		if err != nil {
			return nil, err
		}
		if err := svc.Start(ctx); err != nil {
			return nil, err
		}
		return svc, nil
	case KindPortForward:
		params, err := forwardParams(req.Params)
		if err != nil {
			return nil, err
		}
		if req.Reverse {
			svc := NewReverseAcceptor(r.demux, params, r.logger)
			if err := svc.StartReverse(ctx); err != nil {
				return nil, err
			}
			return svc, nil
		}
		svc := NewForwardListener(r.demux, params, r.logger)
		if err := svc.Start(ctx); err != nil {
			return nil, err
		}
		return svc, nil
	default:
		return nil, wireerr.New(wireerr.AdminUnknownCommand, "unknown service kind %q", req.Kind)
	}
}

func portParam(params map[string]string) (uint32, error) {
	raw, ok := params["fiber_port"]
	if !ok {
		return 0, wireerr.New(wireerr.InvalidArgument, "service params missing fiber_port")
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, wireerr.Wrap(wireerr.InvalidArgument, err, "invalid fiber_port %q", raw)
	}
	return uint32(n), nil
}

func forwardParams(params map[string]string) (KindPortForwardParams, error) {
	port, err := portParam(params)
	if err != nil {
		return KindPortForwardParams{}, err
	}
	addr, ok := params["local_tcp_addr"]
	if !ok {
		return KindPortForwardParams{}, wireerr.New(wireerr.InvalidArgument, "service params missing local_tcp_addr")
	}
	return KindPortForwardParams{FiberPort: port, LocalTCPAddr: addr}, nil
}
