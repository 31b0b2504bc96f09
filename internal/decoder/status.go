package decoder

import (
	"github.com/smazurov/m2mdec/internal/metrics"
)

// PoolCounts is the occupancy of both buffer pools.
type PoolCounts struct {
	InputFree      int `json:"input_free"`
	InputSubmitted int `json:"input_submitted"`
	OutputFree     int `json:"output_free"`
	OutputQueued   int `json:"output_queued"`
	OutputExported int `json:"output_exported"`
	OutputRetired  int `json:"output_retired"`
}

// Status is a snapshot of a decoder session.
type Status struct {
	Session        string     `json:"session"`
	Device         string     `json:"device"`
	State          State      `json:"state"`
	QueueKind      string     `json:"queue_kind"`
	Profile        string     `json:"profile"`
	Epoch          uint64     `json:"epoch"`
	InputFormat    Format     `json:"input_format"`
	InputCapacity  int        `json:"input_capacity"`
	OutputFormat   Format     `json:"output_format"`
	Crop           Rect       `json:"crop"`
	Pools          PoolCounts `json:"pools"`
	Submitted      uint64     `json:"submitted"`
	Decoded        uint64     `json:"decoded"`
	Empty          uint64     `json:"empty"`
	Renegotiations uint64     `json:"renegotiations"`
	Error          string     `json:"error,omitempty"`
}

// Status returns a snapshot of the session.
func (d *Decoder) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		Session:        d.session,
		Device:         d.path,
		State:          d.state,
		Profile:        d.profile.Name,
		Epoch:          d.output.epoch,
		InputFormat:    d.inFormat,
		InputCapacity:  d.input.capacity,
		OutputFormat:   d.output.format,
		Crop:           d.output.crop,
		Pools:          d.countsLocked(),
		Submitted:      d.submitted,
		Decoded:        d.decoded,
		Empty:          d.empty,
		Renegotiations: d.renegotiations,
	}
	if d.state != StateUninitialized && d.state != StateDestroyed {
		s.QueueKind = d.dev.QueueKind().String()
	}
	if d.err != nil {
		s.Error = d.err.Error()
	}
	return s
}

func (d *Decoder) countsLocked() PoolCounts {
	free, submitted := d.input.counts()
	out := d.output.counts()
	return PoolCounts{
		InputFree:      free,
		InputSubmitted: submitted,
		OutputFree:     out.free,
		OutputQueued:   out.queued,
		OutputExported: out.exported,
		OutputRetired:  out.retired,
	}
}

// PoolStats reports buffer occupancy for the metrics collector.
func (d *Decoder) PoolStats() metrics.PoolStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.countsLocked()
	return metrics.PoolStats{
		Device:         d.path,
		Epoch:          d.output.epoch,
		InputFree:      c.InputFree,
		InputSubmitted: c.InputSubmitted,
		OutputFree:     c.OutputFree,
		OutputQueued:   c.OutputQueued,
		OutputExported: c.OutputExported,
		OutputRetired:  c.OutputRetired,
	}
}
