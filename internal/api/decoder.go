package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/m2mdec/internal/api/models"
	"github.com/smazurov/m2mdec/internal/decoder"
	"github.com/smazurov/m2mdec/pkg/linuxav/v4l2"
)

func (s *Server) registerDecoderRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-decoder",
		Method:      http.MethodGet,
		Path:        "/api/decoder",
		Summary:     "Decoder status",
		Description: "Lifecycle state, negotiated formats, buffer occupancy and counters of the decoder session",
		Tags:        []string{"decoder"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.DecoderStatusResponse, error) {
		return &models.DecoderStatusResponse{Body: statusToAPI(s.options.Decoder.Status())}, nil
	})

	s.registerDecoderAction("flush-decoder", "/api/decoder/flush", "Flush decoder",
		"Drop every queued buffer and resume with the same output buffers", "Decoder flushed", s.options.Decoder.Flush)
	s.registerDecoderAction("stop-decoder", "/api/decoder/stop", "Stop decoder",
		"Stop streaming and release both buffer pools, keeping the device open", "Decoder stopped", s.options.Decoder.Stop)
	s.registerDecoderAction("start-decoder", "/api/decoder/start", "Start decoder",
		"Negotiate formats and start streaming after a stop", "Decoder started", s.options.Decoder.Start)
}

func (s *Server) registerDecoderAction(id, path, summary, description, message string, action func() error) {
	huma.Register(s.api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
		Description: description,
		Tags:        []string{"decoder"},
		Security:    withAuth(),
		Errors:      []int{401, 409, 410, 503},
	}, func(_ context.Context, _ *struct{}) (*models.DecoderActionResponse, error) {
		if err := action(); err != nil {
			s.logger.Warn("Decoder operation failed", "operation", id, "error", err)
			return nil, decoderError(err)
		}
		resp := &models.DecoderActionResponse{}
		resp.Body.Message = message
		resp.Body.State = string(s.options.Decoder.Status().State)
		return resp, nil
	})
}

// decoderError maps decoder errors to HTTP status codes.
func decoderError(err error) error {
	switch {
	case errors.Is(err, decoder.ErrInvalidState):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, decoder.ErrClosed):
		return huma.NewError(http.StatusGone, err.Error())
	case errors.Is(err, decoder.ErrDeviceUnavailable), errors.Is(err, decoder.ErrFormatMismatch):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error500InternalServerError("decoder operation failed", err)
	}
}

func statusToAPI(st decoder.Status) models.DecoderStatusData {
	return models.DecoderStatusData{
		Session:       st.Session,
		Device:        st.Device,
		State:         string(st.State),
		QueueKind:     st.QueueKind,
		Profile:       st.Profile,
		Epoch:         st.Epoch,
		InputFormat:   formatToAPI(st.InputFormat),
		InputCapacity: st.InputCapacity,
		OutputFormat:  formatToAPI(st.OutputFormat),
		Crop: models.CropData{
			Left:   st.Crop.Left,
			Top:    st.Crop.Top,
			Width:  st.Crop.Width,
			Height: st.Crop.Height,
		},
		Pools: models.PoolData{
			InputFree:      st.Pools.InputFree,
			InputSubmitted: st.Pools.InputSubmitted,
			OutputFree:     st.Pools.OutputFree,
			OutputQueued:   st.Pools.OutputQueued,
			OutputExported: st.Pools.OutputExported,
			OutputRetired:  st.Pools.OutputRetired,
		},
		Submitted:      st.Submitted,
		Decoded:        st.Decoded,
		Empty:          st.Empty,
		Renegotiations: st.Renegotiations,
		Error:          st.Error,
	}
}

func formatToAPI(f decoder.Format) models.FormatData {
	out := models.FormatData{Width: f.Width, Height: f.Height}
	if f.PixelFormat != 0 {
		out.PixelFormat = v4l2.FormatFourCC(f.PixelFormat)
	}
	for _, p := range f.Planes {
		out.PlaneSizes = append(out.PlaneSizes, p.SizeImage)
		out.BytesPerLine = append(out.BytesPerLine, p.BytesPerLine)
	}
	return out
}
