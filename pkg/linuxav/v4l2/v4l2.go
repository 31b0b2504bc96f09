//go:build linux

// Package v4l2 provides pure Go bindings to the Video4Linux2 (V4L2) API
// for driving stateful memory-to-memory decoders.
//
// This package does not use cgo, enabling simple cross-compilation for
// different Linux architectures (amd64, arm64, arm).
//
// # Device Discovery
//
// Use FindDecoders to locate nodes whose OUTPUT queue accepts a codec:
//
//	decoders, err := v4l2.FindDecoders(v4l2.DecoderFilter{Codec: v4l2.PixFmtH264})
//	for _, dev := range decoders {
//	    fmt.Printf("%s: %s\n", dev.DevicePath, dev.DeviceName)
//	}
//
// # Streaming
//
// An M2MDevice wraps one open node. The OUTPUT queue takes compressed
// bitstream in MMAP buffers and the CAPTURE queue returns decoded frames,
// usually into DMABUF buffers from an external allocator:
//
//	dev, _ := v4l2.OpenM2M("/dev/video0")
//	defer dev.Close()
//	dev.Subscribe(v4l2.EventSourceChange)
//	res, _ := dev.Poll(400 * time.Millisecond)
//	if res.Event {
//	    ev, _ := dev.DequeueEvent()
//	    // ev.Changes&v4l2.SrcChangeResolution != 0: renegotiate CAPTURE
//	}
//
// Poll also watches an eventfd so another goroutine can wake it with
// Interrupt during shutdown.
package v4l2
