package models

import "time"

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2026-10-15 14:30" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"a1b2c3d4" doc:"Unique build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler used"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Decoder models
type FormatData struct {
	PixelFormat  string   `json:"pixel_format" example:"NV12" doc:"Pixel format fourcc"`
	Width        uint32   `json:"width" example:"1920" doc:"Width in pixels"`
	Height       uint32   `json:"height" example:"1088" doc:"Height in pixels"`
	PlaneSizes   []uint32 `json:"plane_sizes,omitempty" doc:"Byte size of each plane"`
	BytesPerLine []uint32 `json:"bytes_per_line,omitempty" doc:"Line pitch of each plane"`
}

type CropData struct {
	Left   int32  `json:"left" example:"0" doc:"Left offset"`
	Top    int32  `json:"top" example:"0" doc:"Top offset"`
	Width  uint32 `json:"width" example:"1920" doc:"Visible width"`
	Height uint32 `json:"height" example:"1080" doc:"Visible height"`
}

type PoolData struct {
	InputFree      int `json:"input_free" doc:"Input buffers owned by the client"`
	InputSubmitted int `json:"input_submitted" doc:"Input buffers queued to the device"`
	OutputFree     int `json:"output_free" doc:"Output buffers ready to be queued"`
	OutputQueued   int `json:"output_queued" doc:"Output buffers queued to the device"`
	OutputExported int `json:"output_exported" doc:"Decoded frames held by the consumer"`
	OutputRetired  int `json:"output_retired" doc:"Frames of older epochs still held by the consumer"`
}

type DecoderStatusData struct {
	Session        string     `json:"session" doc:"Decoder session identifier"`
	Device         string     `json:"device" example:"/dev/video1" doc:"Decoder device path"`
	State          string     `json:"state" example:"streaming" doc:"Lifecycle state"`
	QueueKind      string     `json:"queue_kind,omitempty" example:"multi-planar" doc:"Buffer API of the device"`
	Profile        string     `json:"profile,omitempty" example:"hantro" doc:"Vendor profile"`
	Epoch          uint64     `json:"epoch" example:"1" doc:"Output buffer generation"`
	InputFormat    FormatData `json:"input_format" doc:"Compressed input format"`
	InputCapacity  int        `json:"input_capacity" example:"4194304" doc:"Input buffer capacity in bytes"`
	OutputFormat   FormatData `json:"output_format" doc:"Decoded output format"`
	Crop           CropData   `json:"crop" doc:"Visible region of decoded frames"`
	Pools          PoolData   `json:"pools" doc:"Buffer pool occupancy"`
	Submitted      uint64     `json:"submitted" doc:"Access units queued to the device"`
	Decoded        uint64     `json:"decoded" doc:"Frames handed to the consumer"`
	Empty          uint64     `json:"empty" doc:"Output buffers returned without payload"`
	Renegotiations uint64     `json:"renegotiations" doc:"Output reallocations after source changes"`
	Error          string     `json:"error,omitempty" doc:"Cause of the failed state"`
}

type DecoderStatusResponse struct {
	Body DecoderStatusData
}

type DecoderActionResponse struct {
	Body struct {
		Message string `json:"message" example:"Decoder flushed" doc:"Operation result message"`
		State   string `json:"state" example:"streaming" doc:"Lifecycle state after the operation"`
	}
}

// Log models
type LogsRequest struct {
	Module string `query:"module" example:"decoder" doc:"Only entries of this module"`
	Limit  int    `query:"limit" minimum:"0" maximum:"1000" default:"100" doc:"Maximum number of entries, newest last"`
}

type LogEntryData struct {
	Time    time.Time         `json:"time" doc:"Record time"`
	Level   string            `json:"level" example:"info" doc:"Record level"`
	Module  string            `json:"module" example:"decoder" doc:"Logging module"`
	Message string            `json:"message" doc:"Log message"`
	Attrs   map[string]string `json:"attrs,omitempty" doc:"Record attributes"`
}

type LogsResponse struct {
	Body struct {
		Entries []LogEntryData `json:"entries" doc:"Retained log records"`
		Count   int            `json:"count" doc:"Number of entries"`
	}
}
