package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smazurov/m2mdec/internal/config"
	"github.com/smazurov/m2mdec/internal/logging"
	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

// ProbeFormat is one pixel format of a decoder queue.
type ProbeFormat struct {
	FourCC      string     `json:"fourcc"`
	Description string     `json:"description"`
	Compressed  bool       `json:"compressed"`
	Emulated    bool       `json:"emulated,omitempty"`
	FrameSizes  []SizeSpan `json:"frame_sizes,omitempty"`
}

// SizeSpan is an accepted frame size range. Discrete sizes have min == max.
type SizeSpan struct {
	MinWidth   uint32 `json:"min_width"`
	MinHeight  uint32 `json:"min_height"`
	MaxWidth   uint32 `json:"max_width"`
	MaxHeight  uint32 `json:"max_height"`
	StepWidth  uint32 `json:"step_width,omitempty"`
	StepHeight uint32 `json:"step_height,omitempty"`
}

func (s SizeSpan) String() string {
	if s.MinWidth == s.MaxWidth && s.MinHeight == s.MaxHeight {
		return fmt.Sprintf("%dx%d", s.MinWidth, s.MinHeight)
	}
	return fmt.Sprintf("%dx%d-%dx%d/%d,%d", s.MinWidth, s.MinHeight, s.MaxWidth, s.MaxHeight, s.StepWidth, s.StepHeight)
}

// ProbeResult describes one decoder node.
type ProbeResult struct {
	Device        string        `json:"device"`
	Card          string        `json:"card"`
	Driver        string        `json:"driver"`
	MultiPlanar   bool          `json:"multi_planar"`
	InputFormats  []ProbeFormat `json:"input_formats"`
	OutputFormats []ProbeFormat `json:"output_formats"`
}

// Probe lists the decoder nodes of the system that accept codec, or any
// compressed format when codec is empty.
func Probe(codec string, cards []string) ([]ProbeResult, error) {
	filter := v4l2.DecoderFilter{CardNames: cards}
	if codec != "" {
		pix, err := v4l2.CodecFormat(codec)
		if err != nil {
			return nil, err
		}
		filter.Codec = pix
	}

	found, err := v4l2.FindDecoders(filter)
	if err != nil {
		return nil, err
	}

	logger := logging.GetLogger("device")
	results := make([]ProbeResult, 0, len(found))
	for _, dev := range found {
		r := ProbeResult{
			Device:      dev.DevicePath,
			Card:        dev.DeviceName,
			Driver:      dev.Driver,
			MultiPlanar: dev.MultiPlanar(),
		}

		// Input of the decoder is the V4L2 OUTPUT queue.
		in, err := v4l2.DeviceFormats(dev.DevicePath, v4l2.Output)
		if err != nil {
			logger.Warn("Failed to list input formats", "device", dev.DevicePath, "error", err)
		}
		for _, f := range in {
			pf := probeFormat(f)
			sizes, err := v4l2.DeviceFrameSizes(dev.DevicePath, f.PixelFormat)
			if err != nil {
				logger.Debug("No frame sizes", "device", dev.DevicePath, "format", pf.FourCC, "error", err)
			}
			for _, s := range sizes {
				pf.FrameSizes = append(pf.FrameSizes, SizeSpan{
					MinWidth: s.Min.Width, MinHeight: s.Min.Height,
					MaxWidth: s.Max.Width, MaxHeight: s.Max.Height,
					StepWidth: s.StepWidth, StepHeight: s.StepHeight,
				})
			}
			r.InputFormats = append(r.InputFormats, pf)
		}

		out, err := v4l2.DeviceFormats(dev.DevicePath, v4l2.Capture)
		if err != nil {
			logger.Warn("Failed to list output formats", "device", dev.DevicePath, "error", err)
		}
		for _, f := range out {
			r.OutputFormats = append(r.OutputFormats, probeFormat(f))
		}

		results = append(results, r)
	}
	return results, nil
}

func probeFormat(f v4l2.FormatInfo) ProbeFormat {
	return ProbeFormat{
		FourCC:      v4l2.FormatFourCC(f.PixelFormat),
		Description: f.FormatName,
		Compressed:  f.Compressed,
		Emulated:    f.Emulated,
	}
}

// CreateProbeCmd creates the probe command.
func CreateProbeCmd() *cobra.Command {
	var (
		codec    string
		cards    string
		asJSON   bool
		confPath string
	)

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "List memory-to-memory decoders and their formats",
		Long: `Scan /sys/class/video4linux for memory-to-memory nodes that accept
compressed input and print their input formats with frame sizes and
their decoded output formats.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Initialize(config.LoadLoggingConfig(confPath))

			results, err := Probe(codec, config.SplitList(cards))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return printProbe(cmd.OutOrStdout(), results)
		},
	}

	probeCmd.Flags().StringVarP(&confPath, "config", "c", "", "Configuration file for logging settings")
	probeCmd.Flags().StringVar(&codec, "codec", "", "Only list decoders for this codec (h264, hevc, vp8, vp9, mjpeg)")
	probeCmd.Flags().StringVar(&cards, "cards", "", "Comma separated card names to accept")
	probeCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return probeCmd
}

func printProbe(w io.Writer, results []ProbeResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "no decoders found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range results {
		planes := "single-planar"
		if r.MultiPlanar {
			planes = "multi-planar"
		}
		fmt.Fprintf(tw, "%s\t%s (%s, %s)\n", r.Device, r.Card, r.Driver, planes)
		for _, f := range r.InputFormats {
			sizes := ""
			for i, s := range f.FrameSizes {
				if i > 0 {
					sizes += " "
				}
				sizes += s.String()
			}
			fmt.Fprintf(tw, "  in\t%s\t%s\t%s\n", f.FourCC, f.Description, sizes)
		}
		for _, f := range r.OutputFormats {
			fmt.Fprintf(tw, "  out\t%s\t%s\t\n", f.FourCC, f.Description)
		}
	}
	return tw.Flush()
}
