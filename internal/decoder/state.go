package decoder

// State is the lifecycle state of a decoder session.
type State string

// Decoder states.
const (
	StateUninitialized State = "uninitialized" // Init not called
	StateInitialized   State = "initialized"   // device open, nothing allocated
	StateNegotiated    State = "negotiated"    // formats set, pools allocated
	StateStreaming     State = "streaming"     // loops running, buffers cycling
	StateFlushing      State = "flushing"      // queues being drained
	StateRenegotiating State = "renegotiating" // output buffers being rebuilt
	StateStopping      State = "stopping"      // loops shutting down
	StateStopped       State = "stopped"       // pools released, device open
	StateFailed        State = "failed"        // fatal error or device lost
	StateDestroyed     State = "destroyed"     // device closed
)
