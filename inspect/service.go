// Package inspect exposes a running VM's memory and thread pool over
// Connect RPC and records memory snapshots in SQLite.
package inspect

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ellie-lang/ellie/vm"
)

var log = commonlog.GetLogger("ellie.inspect")

var errStopped = errors.New("inspect: worker stopped")

// ServiceName is the fully qualified RPC service name.
const ServiceName = "ellie.inspect.v1.InspectionService"

// Procedure paths served by InspectService.
const (
	DumpStackProcedure   = "/" + ServiceName + "/DumpStack"
	DumpHeapProcedure    = "/" + ServiceName + "/DumpHeap"
	ListThreadsProcedure = "/" + ServiceName + "/ListThreads"
	RunMainProcedure     = "/" + ServiceName + "/RunMain"
	SnapshotProcedure    = "/" + ServiceName + "/Snapshot"
)

// InspectService implements the inspection RPCs. Responses are
// google.protobuf.Struct documents.
type InspectService struct {
	worker *Worker
	sink   *Sink
}

// NewInspectService creates an InspectService. sink may be nil, in which
// case Snapshot fails with CodeFailedPrecondition.
func NewInspectService(worker *Worker, sink *Sink) *InspectService {
	return &InspectService{worker: worker, sink: sink}
}

// DumpStack returns every occupied stack slot.
func (s *InspectService) DumpStack(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	return dumpResponse("slots", s.worker.VM().DumpStack())
}

// DumpHeap returns every heap cell, marking undecodable ones as corrupt.
func (s *InspectService) DumpHeap(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	return dumpResponse("cells", s.worker.VM().DumpHeap())
}

// ListThreads returns the threads waiting in the pool.
func (s *InspectService) ListThreads(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	threads := s.worker.VM().Threads()
	list := make([]any, len(threads))
	for i, t := range threads {
		list[i] = map[string]any{
			"id":        t.ID.String(),
			"state":     t.State.String(),
			"depth":     t.Depth,
			"pos":       t.Top.Pos,
			"base":      t.Top.Base,
			"stack_len": t.Top.StackLen,
			"hash":      t.Top.Hash,
		}
	}
	return structResponse(map[string]any{"threads": list})
}

// RunMain runs the program from position 0 on the worker goroutine and
// reports how the thread exited. The request may carry a numeric
// "stack_len" field.
func (s *InspectService) RunMain(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	stackLen := 0
	if f, ok := req.Msg.GetFields()["stack_len"]; ok {
		n := f.GetNumberValue()
		if n < 0 || n != float64(int(n)) {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("stack_len must be a non-negative integer, got %v", n))
		}
		stackLen = int(n)
	}

	result, err := s.worker.Do(func(v *vm.VM) any {
		exit, err := v.RunThread(v.NewMainThread(stackLen))
		if err != nil {
			return err
		}
		return exit
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if errVal, ok := result.(error); ok {
		if errors.Is(errVal, vm.ErrVMBusy) {
			return nil, connect.NewError(connect.CodeUnavailable, errVal)
		}
		return nil, connect.NewError(connect.CodeInternal, errVal)
	}
	return structResponse(exitFields(result.(vm.ThreadExit)))
}

// Snapshot writes the current stack and heap into the SQLite sink. The
// request may carry a "label" string.
func (s *InspectService) Snapshot(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	if s.sink == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no dump database configured"))
	}
	label := req.Msg.GetFields()["label"].GetStringValue()
	v := s.worker.VM()
	id, err := s.sink.Write(ctx, label, v.DumpStack(), v.DumpHeap())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return structResponse(map[string]any{"snapshot": id, "label": label})
}

func exitFields(exit vm.ThreadExit) map[string]any {
	regs := exit.Registers
	fields := map[string]any{
		"id":    exit.ID.String(),
		"state": exit.State.String(),
		"steps": exit.Steps,
		"registers": map[string]any{
			"a": regs.A.String(),
			"b": regs.B.String(),
			"c": regs.C.String(),
			"x": regs.X.String(),
			"y": regs.Y.String(),
		},
	}
	if exit.Panic != nil {
		fields["panic"] = map[string]any{
			"reason":  exit.Panic.Reason.String(),
			"message": exit.Panic.Message,
			"pos":     exit.Panic.Pos,
		}
	}
	return fields
}

func dumpResponse(key string, dumps []vm.SlotDump) (*connect.Response[structpb.Struct], error) {
	list := make([]any, len(dumps))
	for i, d := range dumps {
		list[i] = map[string]any{
			"address": d.Address,
			"type":    d.Type,
			"type_id": d.TypeID,
			"size":    d.Size,
			"value":   d.Value,
			"raw":     d.Raw,
			"corrupt": d.Corrupt,
		}
	}
	return structResponse(map[string]any{key: list})
}

func structResponse(fields map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		log.Errorf("encode response: %s", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}
