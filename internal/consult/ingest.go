package consult

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/consult-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Subscriber is the slice of the bus client the ingestor needs.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Saver persists messages. *Store satisfies it.
type Saver interface {
	Save(ctx context.Context, msg Message) error
}

// Ingestor stores upstream messages published on the consult ingest subject.
// Requests that carry a reply subject are answered with a protocol.IngestAck.
type Ingestor struct {
	store Saver
	log   *slog.Logger
	clock func() time.Time
	sub   *nats.Subscription
}

func NewIngestor(store Saver, log *slog.Logger) *Ingestor {
	return &Ingestor{
		store: store,
		log:   log.With(slog.String("component", "consult-ingest")),
		clock: time.Now,
	}
}

// Start subscribes to protocol.SubjectConsultIngest.
func (i *Ingestor) Start(bus Subscriber) error {
	sub, err := bus.Subscribe(protocol.SubjectConsultIngest, i.handle)
	if err != nil {
		return fmt.Errorf("start consult ingest: %w", err)
	}
	i.sub = sub
	i.log.Info("consult ingest listening", slog.String("subject", protocol.SubjectConsultIngest))
	return nil
}

// Stop unsubscribes. Safe on a never-started ingestor.
func (i *Ingestor) Stop() {
	if i.sub == nil {
		return
	}
	if err := i.sub.Unsubscribe(); err != nil {
		i.log.Debug("unsubscribe consult ingest", slog.String("error", err.Error()))
	}
	i.sub = nil
}

func (i *Ingestor) handle(msg *nats.Msg) {
	key, err := i.Ingest(context.Background(), msg.Data)
	ack := protocol.IngestAck{Key: key}
	if err != nil {
		i.log.Warn("rejected consult message", slog.String("error", err.Error()))
		ack = protocol.IngestAck{Error: err.Error()}
	}
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(ack)
	if err := msg.Respond(data); err != nil {
		i.log.Debug("ingest ack not delivered", slog.String("error", err.Error()))
	}
}

// Ingest decodes one upstream payload and saves it, returning its consult id.
func (i *Ingestor) Ingest(ctx context.Context, data []byte) (string, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("decode consult payload: %w", err)
	}
	if payload.ConvID <= 0 || payload.MsgID <= 0 {
		return "", fmt.Errorf("consult payload needs positive convId and msgId")
	}
	msg := FromPayload(payload, i.clock())
	if err := i.store.Save(ctx, msg); err != nil {
		return "", err
	}
	i.log.Info("stored consult message", slog.String("consult_id", msg.ID))
	return msg.ID, nil
}
