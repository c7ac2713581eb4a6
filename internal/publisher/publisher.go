// Package publisher pushes balance, order and trade events to Redis.
//
// Listeners enqueue without blocking; one worker goroutine drains the queue.
// When the queue is full the event is dropped and counted.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/model"
	"github.com/exchange/bridge/pkg/logger"
)

const (
	privateUserEventChannelTemplate = "private:user:{userId}:events"
	marketTradeChannelTemplate      = "market:{pair}:trades"
	defaultTradeStream              = "exchange:trades"
	defaultQueueSize                = 4096
	sendTimeout                     = 2 * time.Second
	maxAttempts                     = 3

	sinkName = "redis"
)

type Options struct {
	UserChannel  string
	TradeChannel string
	// TradeStream is the stream every trade is appended to for durable
	// consumers. Empty disables the stream.
	TradeStream string
	QueueSize   int
}

func DefaultOptions() Options {
	return Options{
		UserChannel:  privateUserEventChannelTemplate,
		TradeChannel: marketTradeChannelTemplate,
		TradeStream:  defaultTradeStream,
		QueueSize:    defaultQueueSize,
	}
}

type message struct {
	target  string
	stream  bool
	payload []byte
}

// Publisher publishes events.
type Publisher struct {
	client        redis.Cmdable
	userFormat    string
	hasUserID     bool
	tradeTemplate string
	tradeStream   string
	log           *logger.Logger
	metrics       *metrics.Metrics

	queue chan message
	wg    sync.WaitGroup
	once  sync.Once
	stop  chan struct{}
}

// New creates a publisher. Call Start before events are produced.
func New(client redis.Cmdable, opts Options, log *logger.Logger, m *metrics.Metrics) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	if opts.UserChannel == "" {
		opts.UserChannel = privateUserEventChannelTemplate
	}
	if opts.TradeChannel == "" {
		opts.TradeChannel = marketTradeChannelTemplate
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	format, hasUserID := normalizeUserChannelFormat(opts.UserChannel)
	return &Publisher{
		client:        client,
		userFormat:    format,
		hasUserID:     hasUserID,
		tradeTemplate: opts.TradeChannel,
		tradeStream:   opts.TradeStream,
		log:           log,
		metrics:       m,
		queue:         make(chan message, opts.QueueSize),
		stop:          make(chan struct{}),
	}
}

// Start 启动发送协程
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// Close stops accepting events and waits until queued ones are sent.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.send(msg)
		case <-p.stop:
			for {
				select {
				case msg := <-p.queue:
					p.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(msg message) {
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if msg.stream {
			err = p.client.XAdd(ctx, &redis.XAddArgs{
				Stream: msg.target,
				Values: map[string]interface{}{"data": string(msg.payload)},
			}).Err()
		} else {
			err = p.client.Publish(ctx, msg.target, msg.payload).Err()
		}
		cancel()
		if err == nil {
			return
		}
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	p.metrics.IncEventsDropped(sinkName)
	p.log.WithError(err).Warnf("publish event failed", map[string]interface{}{"target": msg.target})
}

func (p *Publisher) enqueue(target string, stream bool, channel, event string, data interface{}) {
	payload := map[string]interface{}{
		"channel": channel,
		"data":    data,
	}
	if event != "" {
		payload["event"] = event
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.WithError(err).Warn("marshal event error")
		return
	}

	select {
	case <-p.stop:
		p.metrics.IncEventsDropped(sinkName)
		return
	default:
	}
	select {
	case p.queue <- message{target: target, stream: stream, payload: raw}:
	default:
		p.metrics.IncEventsDropped(sinkName)
		p.log.Debugf("event queue full", map[string]interface{}{"target": target})
	}
}

func (p *Publisher) userChannel(userID int64) string {
	if p.hasUserID {
		return fmt.Sprintf(p.userFormat, userID)
	}
	return p.userFormat
}

// TradeChannel 成交行情频道
func (p *Publisher) TradeChannel(pair string) string {
	return strings.ReplaceAll(p.tradeTemplate, "{pair}", pair)
}

// BalanceChange is the payload of a balance event.
type BalanceChange struct {
	Asset         string `json:"asset"`
	AmountDelta   string `json:"amountDelta"`
	ReservedDelta string `json:"reservedDelta"`
	Amount        string `json:"amount"`
	Reserved      string `json:"reserved"`
	Available     string `json:"available"`
	Reason        string `json:"reason"`
	RefType       string `json:"refType,omitempty"`
	RefID         string `json:"refId,omitempty"`
}

// OnCommit publishes one balance event per journal entry.
func (p *Publisher) OnCommit(_ context.Context, entries []ledger.Entry) {
	for _, e := range entries {
		p.enqueue(p.userChannel(e.UserID), false, "balance", strings.ToLower(e.Reason.String()), BalanceChange{
			Asset:         e.Asset,
			AmountDelta:   e.AmountDelta.String(),
			ReservedDelta: e.ReservedDelta.String(),
			Amount:        e.AmountAfter.String(),
			Reserved:      e.ReservedAfter.String(),
			Available:     e.AmountAfter.Sub(e.ReservedAfter).String(),
			Reason:        e.Reason.String(),
			RefType:       e.RefType,
			RefID:         e.RefID,
		})
	}
}

// OrderUpdated publishes the order to its owner; the event is the status.
func (p *Publisher) OrderUpdated(_ context.Context, order *model.Order) {
	p.enqueue(p.userChannel(order.UserID), false, "order", strings.ToLower(string(order.Status)), order)
}

// TradeExecuted publishes the trade to the pair's public channel, to the
// trade stream and to each participating user.
func (p *Publisher) TradeExecuted(_ context.Context, trade *model.Trade) {
	pair := trade.Pair.String()
	public := map[string]interface{}{
		"id":        trade.ID,
		"pair":      pair,
		"price":     trade.Price.String(),
		"amount":    trade.Amount.String(),
		"takerSide": trade.TakerSide,
		"ts":        trade.CreatedAt.UnixMilli(),
	}
	p.enqueue(p.TradeChannel(pair), false, "trade", "", public)
	if p.tradeStream != "" {
		p.enqueue(p.tradeStream, true, "trade", "", trade)
	}
	if trade.BuyerID != 0 {
		p.enqueue(p.userChannel(trade.BuyerID), false, "trade", "", trade)
	}
	if trade.SellerID != 0 && trade.SellerID != trade.BuyerID {
		p.enqueue(p.userChannel(trade.SellerID), false, "trade", "", trade)
	}
}

func normalizeUserChannelFormat(template string) (string, bool) {
	if strings.Contains(template, "{userId}") {
		return strings.ReplaceAll(template, "{userId}", "%d"), true
	}
	return template, false
}
