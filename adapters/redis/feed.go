package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flashbots/nft-match-broadcaster/broadcaster"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrUnknownMessageType = errors.New("unknown order match message type")
	ErrMissingItem        = errors.New("order match update without item")
)

type MessageType string

const (
	MessageTypeUpdate MessageType = "update"
	MessageTypeRemove MessageType = "remove"
)

// OrderMatchMessage is a change of the order-match datastore
type OrderMatchMessage struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id"`
	Item json.RawMessage `json:"item,omitempty"`
}

// OrderMatchFeed delivers the order matches published on a redis channel to a handler
type OrderMatchFeed struct {
	log     *zap.Logger
	client  *redis.Client
	channel string
	handler broadcaster.OrderMatchHandler
}

func NewOrderMatchFeed(log *zap.Logger, client *redis.Client, channel string, handler broadcaster.OrderMatchHandler) *OrderMatchFeed {
	return &OrderMatchFeed{
		log:     log.Named("feed"),
		client:  client,
		channel: channel,
		handler: handler,
	}
}

// Run consumes the channel until ctx is done
func (f *OrderMatchFeed) Run(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	f.log.Info("Subscribed to order matches", zap.String("channel", f.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := f.HandleMessage([]byte(msg.Payload)); err != nil {
				f.log.Warn("Failed to handle order match message", zap.Error(err))
			}
		}
	}
}

func (f *OrderMatchFeed) HandleMessage(payload []byte) error {
	var msg OrderMatchMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	switch msg.Type {
	case MessageTypeUpdate:
		if len(msg.Item) == 0 {
			return fmt.Errorf("%w: %s", ErrMissingItem, msg.ID)
		}
		item, err := broadcaster.UnmarshalBundleItem(msg.Item)
		if err != nil {
			return err
		}
		if msg.ID != "" {
			item.Base().ID = msg.ID
		}
		return f.handler.HandleUpdate(item)
	case MessageTypeRemove:
		f.handler.HandleRemove(msg.ID)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
}

// PublishUpdate publishes an order match update on the channel
func PublishUpdate(ctx context.Context, client *redis.Client, channel string, item broadcaster.BundleItem) error {
	data, err := broadcaster.MarshalBundleItem(item)
	if err != nil {
		return err
	}
	return publish(ctx, client, channel, OrderMatchMessage{Type: MessageTypeUpdate, ID: item.Base().ID, Item: data})
}

// PublishRemove publishes an order match removal on the channel
func PublishRemove(ctx context.Context, client *redis.Client, channel, id string) error {
	return publish(ctx, client, channel, OrderMatchMessage{Type: MessageTypeRemove, ID: id})
}

func publish(ctx context.Context, client *redis.Client, channel string, msg OrderMatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, data).Err()
}
