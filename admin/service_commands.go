package admin

import (
	"context"
	"encoding/json"

	"github.com/ssf-go/ssftun/wireerr"
)

// CreateServiceRequest asks the peer to instantiate a service instance.
// Reverse is the supplemented feature (absent from the distilled command
// protocol, present in the source's channel descriptors): when true, the
// peer is asked to originate connections back toward the requester instead
// of hosting a listener locally, matching reverse port-forward semantics.
type CreateServiceRequest struct {
	ServiceID uint32          `json:"service_id"`
	Kind      string          `json:"kind"`
	Params    map[string]string `json:"params"`
	Reverse   bool            `json:"reverse"`
}

// StopServiceRequest asks the peer to tear down a previously created
// service instance by its runtime id.
type StopServiceRequest struct {
	ServiceID uint32 `json:"service_id"`
}

// ServiceStatusReply is the payload of a CreateServiceRequest/StopServiceRequest
// reply beyond the leading status byte handled by Service.Call.
type ServiceStatusReply struct {
	RuntimeID uint32 `json:"runtime_id"`
	Detail    string `json:"detail,omitempty"`
}

// CreateService sends a CreateServiceRequest and decodes the reply.
func (s *Service) CreateService(ctx context.Context, req CreateServiceRequest) (ServiceStatusReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return ServiceStatusReply{}, wireerr.Wrap(wireerr.InvalidArgument, err, "marshal create-service request")
	}
	body, err := s.Call(ctx, CmdCreateServiceRequest, payload)
	if err != nil {
		return ServiceStatusReply{}, err
	}
	var reply ServiceStatusReply
	if len(body) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			return ServiceStatusReply{}, wireerr.Wrap(wireerr.AdminRemoteFailure, err, "unmarshal create-service reply")
		}
	}
	return reply, nil
}

// StopService sends a StopServiceRequest for a previously created service.
func (s *Service) StopService(ctx context.Context, runtimeID uint32) error {
	payload, err := json.Marshal(StopServiceRequest{ServiceID: runtimeID})
	if err != nil {
		return wireerr.Wrap(wireerr.InvalidArgument, err, "marshal stop-service request")
	}
	_, err = s.Call(ctx, CmdStopServiceRequest, payload)
	return err
}

// serviceIDCounter allocates process-local runtime ids for locally created
// services, sequential and never reused within a process lifetime.
var serviceIDCounter uint32

// NextServiceID returns a fresh runtime id for a locally-hosted service.
func NextServiceID() uint32 {
	serviceIDCounter++
	return serviceIDCounter
}
