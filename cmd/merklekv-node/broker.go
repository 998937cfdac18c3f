package main

import "merklekv/internal/bus"

// demoBroker returns the process-wide in-memory broker every node
// launched from this binary shares, standing in for a real MQTT broker
// in local multi-node development (see DESIGN.md).
var sharedBroker = bus.NewBroker()

func demoBroker() *bus.Broker { return sharedBroker }
