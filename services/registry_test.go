package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ssf-go/ssftun/admin"
)

func TestRegistryHandleCreateSOCKSAssignsRuntimeID(t *testing.T) {
	demux, _ := newDemuxPair(t)
	r := NewRegistry(demux, testLogger())

	body, _ := json.Marshal(admin.CreateServiceRequest{
		ServiceID: 1,
		Kind:      KindSOCKS,
		Params:    map[string]string{"fiber_port": "5000"},
	})
	reply, status := r.handleCreate(context.Background(), admin.Command{Payload: body})
	if status != admin.StatusOK {
		t.Fatalf("handleCreate status = %v, want StatusOK", status)
	}
	var out admin.ServiceStatusReply
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if out.RuntimeID == 0 {
		t.Fatalf("expected a nonzero runtime id")
	}
	if len(r.instances) != 1 {
		t.Fatalf("instances tracked = %d, want 1", len(r.instances))
	}
}

func TestRegistryHandleCreateUnknownKindFails(t *testing.T) {
	demux, _ := newDemuxPair(t)
	r := NewRegistry(demux, testLogger())

	body, _ := json.Marshal(admin.CreateServiceRequest{ServiceID: 1, Kind: "not-a-real-kind"})
	_, status := r.handleCreate(context.Background(), admin.Command{Payload: body})
	if status != admin.StatusFailure {
		t.Fatalf("handleCreate status = %v, want StatusFailure", status)
	}
}

func TestRegistryHandleCreateMissingFiberPortFails(t *testing.T) {
	demux, _ := newDemuxPair(t)
	r := NewRegistry(demux, testLogger())

	body, _ := json.Marshal(admin.CreateServiceRequest{ServiceID: 1, Kind: KindSOCKS})
	_, status := r.handleCreate(context.Background(), admin.Command{Payload: body})
	if status != admin.StatusFailure {
		t.Fatalf("handleCreate status = %v, want StatusFailure for a missing fiber_port param", status)
	}
}

func TestRegistryHandleStopTearsDownTrackedInstance(t *testing.T) {
	demux, _ := newDemuxPair(t)
	r := NewRegistry(demux, testLogger())

	createBody, _ := json.Marshal(admin.CreateServiceRequest{
		ServiceID: 1,
		Kind:      KindSOCKS,
		Params:    map[string]string{"fiber_port": "5001"},
	})
	reply, status := r.handleCreate(context.Background(), admin.Command{Payload: createBody})
	if status != admin.StatusOK {
		t.Fatalf("handleCreate status = %v, want StatusOK", status)
	}
	var created admin.ServiceStatusReply
	json.Unmarshal(reply, &created)

	stopBody, _ := json.Marshal(admin.StopServiceRequest{ServiceID: created.RuntimeID})
	_, status = r.handleStop(context.Background(), admin.Command{Payload: stopBody})
	if status != admin.StatusOK {
		t.Fatalf("handleStop status = %v, want StatusOK", status)
	}
	if len(r.instances) != 0 {
		t.Fatalf("instances tracked = %d, want 0 after stop", len(r.instances))
	}
}

func TestRegistryHandleStopUnknownServiceFails(t *testing.T) {
	demux, _ := newDemuxPair(t)
	r := NewRegistry(demux, testLogger())

	body, _ := json.Marshal(admin.StopServiceRequest{ServiceID: 999})
	_, status := r.handleStop(context.Background(), admin.Command{Payload: body})
	if status != admin.StatusFailure {
		t.Fatalf("handleStop status = %v, want StatusFailure for an unknown service id", status)
	}
}

func TestForwardParamsRequiresLocalTCPAddr(t *testing.T) {
	_, err := forwardParams(map[string]string{"fiber_port": "1"})
	if err == nil {
		t.Fatalf("expected error for missing local_tcp_addr")
	}
}

func TestForwardParamsSucceeds(t *testing.T) {
	params, err := forwardParams(map[string]string{"fiber_port": "7", "local_tcp_addr": "127.0.0.1:9000"})
	if err != nil {
		t.Fatalf("forwardParams: %v", err)
	}
	if params.FiberPort != 7 || params.LocalTCPAddr != "127.0.0.1:9000" {
		t.Fatalf("forwardParams = %+v, want {7 127.0.0.1:9000}", params)
	}
}
