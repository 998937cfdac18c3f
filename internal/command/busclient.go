package command

import (
	"context"
	"encoding/json"
	"fmt"

	"merklekv/internal/bus"
)

// BusClient is the sending side of spec §4.6/§6's command layer: it
// publishes a Request on its client id's cmd topic and awaits the
// matching Response on its res topic, using a Correlator to complete
// the future (or replay from the idempotency cache on retry). This is
// the counterpart to a Node's handleCommand, which plays the responder
// role and never sends through a Correlator itself.
type BusClient struct {
	b          bus.Bus
	correlator *Correlator
	clientID   string
	cmdTopic   string
	resTopic   string
}

// NewBusClient wires a BusClient against an already-connected Bus. cmdTopic
// and resTopic follow spec §6's "{prefix}/{client_id}/cmd" and ".../res"
// convention; callers build them with their own prefix.
func NewBusClient(b bus.Bus, correlator *Correlator, clientID, cmdTopic, resTopic string) *BusClient {
	return &BusClient{b: b, correlator: correlator, clientID: clientID, cmdTopic: cmdTopic, resTopic: resTopic}
}

// Start subscribes to the client's response topic, feeding every message
// into the correlator. Must be called before the first Send.
func (bc *BusClient) Start(ctx context.Context) error {
	return bc.b.Subscribe(ctx, bc.resTopic, func(_ string, payload []byte) {
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return
		}
		bc.correlator.OnResponse(resp)
	})
}

// Send publishes req on the cmd topic and blocks for the matching
// response, per the Correlator's timeout/idempotency rules.
func (bc *BusClient) Send(ctx context.Context, req Request) (Response, error) {
	return bc.correlator.Send(ctx, req, func(ctx context.Context, req Request) error {
		encoded, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		return bc.b.Publish(ctx, bc.cmdTopic, encoded)
	})
}
