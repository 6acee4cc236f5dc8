package redis

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const changeChannelPrefix = "session_changes:"

// ChangeFeed is the push channel behind the store's live snapshots.
// Every committed write publishes the owner id; watchers on any process
// (this one included — self-writes are echoed like everyone else's)
// get poked and re-read the owner's session list.
type ChangeFeed struct {
	client RedisClient
	log    *zerolog.Logger
}

func NewChangeFeed(client RedisClient, logger *zerolog.Logger) *ChangeFeed {
	return &ChangeFeed{client: client, log: logger}
}

// Notify signals that some session of ownerID changed.
func (f *ChangeFeed) Notify(ctx context.Context, ownerID string) {
	if err := f.client.Publish(ctx, changeChannelPrefix+ownerID, ownerID); err != nil {
		f.log.Warn().Err(err).Str("owner_id", ownerID).Msg("change publish failed")
	}
}

// Watch invokes onChange for every change signal for ownerID until the
// returned cancel runs or ctx ends. onError receives subscription
// failures; the watch goroutine exits after reporting one.
func (f *ChangeFeed) Watch(ctx context.Context, ownerID string, onChange func(), onError func(error)) func() {
	sub := f.client.Subscribe(ctx, changeChannelPrefix+ownerID)
	done := make(chan struct{})

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					// closed by Close(); the go-redis PubSub reconnects
					// on transient failures by itself
					return
				}
				_ = msg
				onChange()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
}
