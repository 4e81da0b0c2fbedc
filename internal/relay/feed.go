package relay

import (
	"log/slog"

	"github.com/dgnsrekt/tabmux/internal/cdpsession"
	"github.com/go-json-experiment/json"
)

const (
	FeedConsole = "console"
	FeedNetwork = "network"
)

// Feed publishes the session's console and network entries to a Broker. It
// satisfies cdpsession.Observer and is called on the session's reader, so it
// only encodes and hands off.
type Feed struct {
	broker *Broker
}

func NewFeed(broker *Broker) *Feed {
	return &Feed{broker: broker}
}

func (f *Feed) ObserveConsole(e cdpsession.ConsoleEntry) {
	f.publish(FeedConsole, e)
}

func (f *Feed) ObserveNetwork(e cdpsession.NetworkEntry) {
	f.publish(FeedNetwork, e)
}

func (f *Feed) publish(feed string, v any) {
	if f.broker.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Debug("relay feed encode failed", "feed", feed, "error", err)
		return
	}
	f.broker.Publish(Event{Feed: feed, Payload: string(data)})
}
