package connection

import (
	"context"

	"github.com/looplab/fsm"

	fsmutil "github.com/autopeer-io/tacs/internal/pkg/util/fsm"
)

const (
	// EventConnect starts connecting to a discovered vehicle.
	EventConnect = "connect"
	// EventEstablished completes the link once the characteristics are ready.
	EventEstablished = "established"
	// EventFail aborts a pending connect.
	EventFail = "fail"
	// EventLose reports a link dropped by the radio or the adapter.
	EventLose = "lose"
	// EventDisconnect tears the link down on request.
	EventDisconnect = "disconnect"
)

// newStateMachine builds the connection lifecycle. Every event carries the
// Action to publish as its first argument; enter publishes it.
func newStateMachine(enter func(ctx context.Context, phase Phase, action Action) error) *fsm.FSM {
	disconnected := string(PhaseDisconnected)
	connecting := string(PhaseConnecting)
	connected := string(PhaseConnected)

	events := fsm.Events{
		{Name: EventConnect, Src: []string{disconnected}, Dst: connecting},
		{Name: EventEstablished, Src: []string{connecting}, Dst: connected},
		{Name: EventFail, Src: []string{connecting}, Dst: disconnected},
		{Name: EventLose, Src: []string{connecting, connected}, Dst: disconnected},
		{Name: EventDisconnect, Src: []string{connecting, connected}, Dst: disconnected},
	}

	callbacks := fsm.Callbacks{
		"before_event": fsmutil.WrapEvent(func(_ context.Context, e *fsm.Event) error {
			if _, ok := fsmutil.Arg[Action](e, 0); !ok {
				return fsm.InternalError{}
			}
			return nil
		}),
		"enter_state": fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			action, _ := fsmutil.Arg[Action](e, 0)
			return enter(ctx, Phase(e.Dst), action)
		}),
	}

	return fsm.NewFSM(disconnected, events, callbacks)
}
