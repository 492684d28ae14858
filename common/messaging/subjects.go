package messaging

// Subject names on the relay message bus.
// Follow the pattern: relay.{component}.{action}
const (
	// Gateway fan-out. Deliveries are addressed to the node holding the
	// connection; append .{nodeID} with NodeDeliverSubject.
	SubjectWSDeliver   = "relay.ws.deliver"
	SubjectWSBroadcast = "relay.ws.broadcast" // tenant-wide events, every node

	// Subscriber connect/disconnect transitions published by the gateway.
	SubjectSubscriberPresence = "relay.subscribers.presence"

	// Worker input and output.
	SubjectStepsRender  = "relay.steps.render"   // rendered + delivered by a worker
	SubjectStepsResults = "relay.steps.results"  // render outcome per step
	SubjectMessageState = "relay.messages.state" // read/seen/remove changes
)

// Queue group names for load-balanced consumers.
const (
	QueueRelayWorkers = "relay-workers"
)

// JetStream names used when durable step delivery is enabled.
const (
	StreamSteps      = "RELAY_STEPS"
	ConsumerRenderer = "relay-renderer"
)

// NodeDeliverSubject returns the delivery subject owned by one gateway node.
// Example: relay.ws.deliver.ws-7f3a
func NodeDeliverSubject(nodeID string) string {
	return SubjectWSDeliver + "." + nodeID
}
