//go:build linux

package v4l2

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"unsafe"
)

var sysfsRoot = "/sys/class/video4linux"

// FindDevices returns every V4L2 node on the system with its capabilities.
func FindDevices() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return []DeviceInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read video4linux directory: %w", err)
	}

	var devices []DeviceInfo

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "video") {
			continue
		}

		devicePath := "/dev/" + entry.Name()

		info, err := queryDevice(devicePath)
		if err != nil {
			slog.With("component", "linuxav").Debug("failed to query video device", "path", devicePath, "error", err)
			continue
		}
		devices = append(devices, info)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].DevicePath < devices[j].DevicePath })
	return devices, nil
}

// DecoderFilter narrows FindDecoders to matching nodes.
type DecoderFilter struct {
	// Codec is the compressed pixel format the OUTPUT queue must accept.
	// Zero accepts any compressed format.
	Codec uint32
	// CardNames restricts matches to these card names when non-empty.
	CardNames []string
}

// FindDecoders returns the M2M nodes that accept compressed input on their
// OUTPUT queue, in device path order.
func FindDecoders(filter DecoderFilter) ([]DeviceInfo, error) {
	devices, err := FindDevices()
	if err != nil {
		return nil, err
	}

	logger := slog.With("component", "linuxav")
	var decoders []DeviceInfo
	for _, dev := range devices {
		if !dev.IsM2M() {
			continue
		}
		if len(filter.CardNames) > 0 && !slices.Contains(filter.CardNames, dev.DeviceName) {
			logger.Debug("skipping decoder with unlisted card", "path", dev.DevicePath, "card", dev.DeviceName)
			continue
		}

		formats, err := DeviceFormats(dev.DevicePath, Output)
		if err != nil {
			logger.Debug("failed to enumerate output formats", "path", dev.DevicePath, "error", err)
			continue
		}
		if acceptsCompressed(formats, filter.Codec) {
			decoders = append(decoders, dev)
		}
	}
	return decoders, nil
}

func acceptsCompressed(formats []FormatInfo, codec uint32) bool {
	for _, f := range formats {
		if codec != 0 && f.PixelFormat == codec {
			return true
		}
		if codec == 0 && f.Compressed {
			return true
		}
	}
	return false
}

// DeviceFormats lists the formats of one queue of the node at path.
func DeviceFormats(path string, dir Direction) ([]FormatInfo, error) {
	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	defer close(fd)

	caps, err := queryCap(fd)
	if err != nil {
		return nil, err
	}
	info := DeviceInfo{Caps: effectiveCaps(caps)}
	return enumFormats(fd, bufType(dir, info.MultiPlanar()))
}

// DeviceFrameSizes lists the frame sizes the node at path accepts for a
// pixel format.
func DeviceFrameSizes(path string, pixelFormat uint32) ([]FrameSizeRange, error) {
	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	defer close(fd)
	return enumFrameSizes(fd, pixelFormat)
}

func queryDevice(path string) (DeviceInfo, error) {
	fd, err := open(path)
	if err != nil {
		return DeviceInfo{}, err
	}
	defer close(fd)

	caps, err := queryCap(fd)
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		DevicePath: path,
		DeviceName: cstr(caps.card[:]),
		Driver:     cstr(caps.driver[:]),
		BusInfo:    cstr(caps.busInfo[:]),
		Caps:       effectiveCaps(caps),
	}, nil
}

func queryCap(fd int) (*v4l2Capability, error) {
	caps := &v4l2Capability{}
	if err := ioctl(fd, vidiocQuerycap, unsafe.Pointer(caps)); err != nil {
		return nil, fmt.Errorf("VIDIOC_QUERYCAP: %w", err)
	}
	return caps, nil
}

func effectiveCaps(caps *v4l2Capability) uint32 {
	if caps.capabilities&CapDeviceCaps != 0 {
		return caps.deviceCaps
	}
	return caps.capabilities
}

// bufType returns the v4l2_buf_type of a queue.
func bufType(dir Direction, multiPlanar bool) uint32 {
	switch {
	case dir == Output && multiPlanar:
		return bufTypeVideoOutputMplane
	case dir == Output:
		return bufTypeVideoOutput
	case multiPlanar:
		return bufTypeVideoCaptureMplane
	default:
		return bufTypeVideoCapture
	}
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
