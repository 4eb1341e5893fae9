// Package parser decodes the exchange's JSON envelopes into normalized
// messages. Parsers are pure: a bad frame produces a local parse error and
// never terminates the pipeline.
package parser

import (
	"encoding/json"
	"strings"

	"github.com/edwardtay/kraken-ws-sdk/models"
	"github.com/edwardtay/kraken-ws-sdk/sdkerr"
)

// MessageKind tags the decoded envelope.
type MessageKind string

const (
	MsgSystemStatus       MessageKind = "system_status"
	MsgHeartbeat          MessageKind = "heartbeat"
	MsgPong               MessageKind = "pong"
	MsgSubscriptionStatus MessageKind = "subscription_status"
	MsgTicker             MessageKind = "ticker"
	MsgTrade              MessageKind = "trade"
	MsgBookSnapshot       MessageKind = "book_snapshot"
	MsgBookDelta          MessageKind = "book_delta"
	MsgOhlc               MessageKind = "ohlc"
	MsgSpread             MessageKind = "spread"
)

// SubscriptionStatus mirrors the subscriptionStatus envelope.
type SubscriptionStatus struct {
	ChannelName  string
	Pair         string
	Status       string
	ReqID        int64
	ErrorMessage string
	Name         string
	Depth        int
	Interval     int
}

// Message is one decoded inbound frame.
type Message struct {
	Kind        MessageKind
	ChannelName string
	Pair        string
	System      *models.SystemStatus
	SubStatus   *SubscriptionStatus
	Ticker      *models.TickerSample
	Trades      []models.TradeSample
	Book        *models.BookUpdate
	Ohlc        *models.OhlcBar
	ReqID       int64
}

// systemEnvelope covers every object-shaped frame.
type systemEnvelope struct {
	Event        string          `json:"event"`
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	ConnectionID uint64          `json:"connectionID"`
	ChannelName  string          `json:"channelName"`
	Pair         string          `json:"pair"`
	ReqID        int64           `json:"reqid"`
	ErrorMessage string          `json:"errorMessage"`
	Subscription json.RawMessage `json:"subscription"`
}

type subscriptionDetail struct {
	Name     string `json:"name"`
	Depth    int    `json:"depth"`
	Interval int    `json:"interval"`
}

// Parse routes a raw frame by its envelope shape: objects carry an "event"
// name, data frames are arrays tagged with the channel name.
func Parse(raw json.RawMessage) (*Message, *sdkerr.Error) {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if trimmed == "" {
		return nil, sdkerr.Parse("", "", nil)
	}

	switch trimmed[0] {
	case '{':
		return parseObject(raw)
	case '[':
		return parseArray(raw)
	default:
		return nil, sdkerr.Parse("envelope", sdkerr.TruncateRaw(trimmed), nil)
	}
}

func parseObject(raw json.RawMessage) (*Message, *sdkerr.Error) {
	var env systemEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, sdkerr.Parse("event", sdkerr.TruncateRaw(string(raw)), err)
	}

	switch env.Event {
	case "systemStatus":
		return &Message{
			Kind: MsgSystemStatus,
			System: &models.SystemStatus{
				Status:       env.Status,
				Version:      env.Version,
				ConnectionID: env.ConnectionID,
			},
		}, nil
	case "heartbeat":
		return &Message{Kind: MsgHeartbeat}, nil
	case "pong":
		return &Message{Kind: MsgPong, ReqID: env.ReqID}, nil
	case "subscriptionStatus":
		status := &SubscriptionStatus{
			ChannelName:  env.ChannelName,
			Pair:         env.Pair,
			Status:       env.Status,
			ReqID:        env.ReqID,
			ErrorMessage: env.ErrorMessage,
		}
		if len(env.Subscription) > 0 {
			var detail subscriptionDetail
			if err := json.Unmarshal(env.Subscription, &detail); err == nil {
				status.Name = detail.Name
				status.Depth = detail.Depth
				status.Interval = detail.Interval
			}
		}
		return &Message{Kind: MsgSubscriptionStatus, SubStatus: status, Pair: env.Pair, ChannelName: env.ChannelName}, nil
	default:
		return nil, sdkerr.Parse("event", sdkerr.TruncateRaw(string(raw)), nil).
			With("event", env.Event)
	}
}

// parseArray handles data frames: [channelID, payload..., channelName, pair].
// Book frames may split bid and ask payloads into two objects.
func parseArray(raw json.RawMessage) (*Message, *sdkerr.Error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, sdkerr.Parse("envelope", sdkerr.TruncateRaw(string(raw)), err)
	}
	if len(parts) < 4 {
		return nil, sdkerr.Parse("envelope", sdkerr.TruncateRaw(string(raw)), nil).
			With("reason", "data frame has fewer than 4 elements")
	}

	var channelName, pair string
	if err := json.Unmarshal(parts[len(parts)-2], &channelName); err != nil {
		return nil, sdkerr.Parse("channel_name", sdkerr.TruncateRaw(string(raw)), err)
	}
	if err := json.Unmarshal(parts[len(parts)-1], &pair); err != nil {
		return nil, sdkerr.Parse("pair", sdkerr.TruncateRaw(string(raw)), err)
	}

	payloads := parts[1 : len(parts)-2]

	switch {
	case channelName == "ticker":
		return parseTicker(payloads, pair)
	case channelName == "trade":
		return parseTrades(payloads, pair)
	case strings.HasPrefix(channelName, "book"):
		return parseBook(payloads, channelName, pair)
	case strings.HasPrefix(channelName, "ohlc"):
		return parseOhlc(payloads, channelName, pair)
	case channelName == "spread":
		return parseSpread(payloads, pair)
	default:
		return nil, sdkerr.Parse("channel_name", sdkerr.TruncateRaw(string(raw)), nil).
			With("channel", channelName)
	}
}
