package events

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeResolutionChanged
	TypeFrameDecoded
	TypeInputConsumed
	TypeDecodeError
	TypeEndOfStream
	TypeDeviceLost
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChangedEvent is published on every decoder lifecycle transition.
type StateChangedEvent struct {
	Session   string `json:"session" doc:"Decoder session identifier"`
	Device    string `json:"device" example:"/dev/video1" doc:"Decoder device path"`
	OldState  string `json:"old_state" example:"negotiated" doc:"Previous state"`
	NewState  string `json:"new_state" example:"streaming" doc:"Current state"`
	Error     string `json:"error,omitempty" doc:"Error that caused the transition"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StateChangedEvent.
func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// ResolutionChangedEvent is published after the output buffers were
// reallocated for a new stream geometry.
type ResolutionChangedEvent struct {
	Session     string `json:"session" doc:"Decoder session identifier"`
	Device      string `json:"device" example:"/dev/video1" doc:"Decoder device path"`
	Epoch       uint64 `json:"epoch" example:"2" doc:"Output buffer generation"`
	Width       uint32 `json:"width" example:"1920" doc:"Coded width"`
	Height      uint32 `json:"height" example:"1088" doc:"Coded height"`
	CropWidth   uint32 `json:"crop_width" example:"1920" doc:"Visible width"`
	CropHeight  uint32 `json:"crop_height" example:"1080" doc:"Visible height"`
	PixelFormat string `json:"pixel_format" example:"NV12" doc:"Decoded pixel format"`
	Buffers     int    `json:"buffers" example:"10" doc:"Number of output buffers"`
	Timestamp   string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ResolutionChangedEvent.
func (e ResolutionChangedEvent) Type() uint32 { return TypeResolutionChanged }

// FrameDecodedEvent is published for every frame handed to the consumer.
type FrameDecodedEvent struct {
	Session  string `json:"session" doc:"Decoder session identifier"`
	BufferID int    `json:"buffer_id" doc:"Output buffer identifier"`
	InputID  int64  `json:"input_id" doc:"Correlation id of the access unit"`
	Epoch    uint64 `json:"epoch" doc:"Output buffer generation"`
	Bytes    uint32 `json:"bytes" doc:"Payload size"`
}

// Type returns the event type identifier for FrameDecodedEvent.
func (e FrameDecodedEvent) Type() uint32 { return TypeFrameDecoded }

// InputConsumedEvent is published when the device returns an input buffer,
// or when a flush or input regrow dropped the access unit undecoded.
type InputConsumedEvent struct {
	Session string `json:"session" doc:"Decoder session identifier"`
	InputID int64  `json:"input_id" doc:"Correlation id of the access unit"`
	Dropped bool   `json:"dropped,omitempty" doc:"Removed from the queue without being decoded"`
}

// Type returns the event type identifier for InputConsumedEvent.
func (e InputConsumedEvent) Type() uint32 { return TypeInputConsumed }

// DecodeErrorEvent reports a codec error or skipped frame signalled by the device.
type DecodeErrorEvent struct {
	Session   string `json:"session" doc:"Decoder session identifier"`
	Device    string `json:"device" example:"/dev/video1" doc:"Decoder device path"`
	Kind      string `json:"kind" example:"codec_error" doc:"codec_error or skip"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DecodeErrorEvent.
func (e DecodeErrorEvent) Type() uint32 { return TypeDecodeError }

// EndOfStreamEvent is published when the device signals the last frame.
type EndOfStreamEvent struct {
	Session   string `json:"session" doc:"Decoder session identifier"`
	Device    string `json:"device" example:"/dev/video1" doc:"Decoder device path"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for EndOfStreamEvent.
func (e EndOfStreamEvent) Type() uint32 { return TypeEndOfStream }

// DeviceLostEvent is published when the decoder device disappears.
type DeviceLostEvent struct {
	Session   string `json:"session" doc:"Decoder session identifier"`
	Device    string `json:"device" example:"/dev/video1" doc:"Decoder device path"`
	Error     string `json:"error" doc:"Error reported by the device"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceLostEvent.
func (e DeviceLostEvent) Type() uint32 { return TypeDeviceLost }
