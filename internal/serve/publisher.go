package serve

import (
	"encoding/json"

	"github.com/gftdcojp/wal-tiered-storage/internal/durability"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DurableEvent is published on {prefix}.durable.{namespace}.
type DurableEvent struct {
	Namespace string `json:"namespace"`
	FrameNo   uint64 `json:"frame_no"`
}

// EscalationEvent is published on {prefix}.escalation.{namespace}.
type EscalationEvent struct {
	Namespace    string `json:"namespace"`
	StartFrameNo uint64 `json:"start_frame_no"`
	EndFrameNo   uint64 `json:"end_frame_no"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error"`
}

// Publisher announces durability progress over NATS. A nil connection
// makes it a no-op.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: subjectPrefix(prefix), logger: logger.Named("publisher")}
}

func (p *Publisher) Durable(d durability.Durable) {
	p.publish(p.prefix+".durable."+d.Namespace, DurableEvent{Namespace: d.Namespace, FrameNo: d.FrameNo})
}

func (p *Publisher) Escalation(e durability.Escalation) {
	ev := EscalationEvent{
		Namespace:    e.Namespace,
		StartFrameNo: e.StartFrameNo,
		EndFrameNo:   e.EndFrameNo,
		Attempts:     e.Attempts,
	}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	p.publish(p.prefix+".escalation."+e.Namespace, ev)
}

func (p *Publisher) publish(subject string, v interface{}) {
	if p.nc == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
