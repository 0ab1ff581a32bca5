// Package gateway defines the chat platform seam used by the relay.
package gateway

import "context"

// Event is one inbound chat message.
type Event struct {
	UpdateID          int64
	MessageID         int64
	ChannelID         int64
	AuthorID          int64
	AuthorUsername    string
	AuthorDisplayName string
	Content           string
	IsBot             bool
}

// Source delivers inbound events by long polling. Events with UpdateID below
// offset have already been acknowledged.
type Source interface {
	Updates(ctx context.Context, offset int64, timeoutSec int) ([]Event, error)
}

// Sender delivers replies to a channel.
type Sender interface {
	SendText(ctx context.Context, channelID int64, text string) error
	SendImage(ctx context.Context, channelID int64, url string) error
	SendTyping(ctx context.Context, channelID int64) error
	React(ctx context.Context, channelID, messageID int64, emoji string) error
}

// Gateway is a full chat platform adapter.
type Gateway interface {
	Source
	Sender
}
