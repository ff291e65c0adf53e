// internal/editor/fanout.go
package editor

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/softwarefaith/appflowy/pkg/revision"
)

const channelPrefix = "appflowy:revisions:"

// Fanout relays committed revisions between server instances sharing one
// revision log, over Redis pub/sub.
type Fanout struct {
	rdb      *redis.Client
	instance string
	logger   *zap.Logger
}

type envelope struct {
	Instance string            `json:"instance"`
	Revision revision.Revision `json:"revision"`
}

// NewFanout creates a fanout with a fresh instance id.
func NewFanout(rdb *redis.Client, logger *zap.Logger) *Fanout {
	return &Fanout{
		rdb:      rdb,
		instance: uuid.NewString(),
		logger:   logger.Named("fanout"),
	}
}

func channelOf(docID string) string { return channelPrefix + docID }

// Publish announces a revision this instance committed.
func (f *Fanout) Publish(ctx context.Context, rev revision.Revision) error {
	data, err := json.Marshal(envelope{Instance: f.instance, Revision: rev})
	if err != nil {
		return errors.Wrap(err, "encode revision")
	}
	return errors.Wrapf(f.rdb.Publish(ctx, channelOf(rev.DocumentID), data).Err(), "publish %s", rev)
}

// decode returns the revision of a message, and false for messages this
// instance published itself.
func (f *Fanout) decode(payload string) (revision.Revision, bool, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return revision.Revision{}, false, errors.Wrap(err, "decode envelope")
	}
	return env.Revision, env.Instance != f.instance, nil
}

// Run feeds revisions published by other instances to apply until ctx ends.
func (f *Fanout) Run(ctx context.Context, apply func(context.Context, revision.Revision)) error {
	pubsub := f.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe")
	}
	f.logger.Info("relaying revisions", zap.String("instance", f.instance))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rev, foreign, err := f.decode(msg.Payload)
			if err != nil {
				f.logger.Warn("dropping message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if foreign {
				apply(ctx, rev)
			}
		}
	}
}
