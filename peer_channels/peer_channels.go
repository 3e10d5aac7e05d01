// Package peer_channels adapts a peer channels account into the engine's transport. Inbound
// messages arrive on the account's channels, each channel bound to the counterparty that writes
// to it. Outbound messages are posted to the recipient's channel with its write token.
package peer_channels

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tokenized/remittance"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tokenized/logger"
	"github.com/tokenized/pkg/peer_channels"
	"github.com/tokenized/threads"
)

var (
	ErrUnknownRecipient = errors.New("Unknown Recipient")
	ErrUnboundChannel   = errors.New("Unbound Channel")
	ErrInvalidMessageID = errors.New("Invalid Message ID")
)

// Recipient is where to post messages for one counterparty.
type Recipient struct {
	BaseURL    string
	ChannelID  string
	WriteToken string
}

// Client implements the engine transport over a peer channels account. Run must be running for
// ListMessages to see new messages. ListenForLiveMessages is an alternative to Run that pushes
// messages to a handler instead of buffering them.
type Client struct {
	factory      *peer_channels.Factory
	baseURL      string
	accountID    string
	accountToken string

	lock       sync.Mutex
	client     peer_channels.Client
	recipients map[string]Recipient // identity key -> where to post
	senders    map[string]string    // inbound channel id -> identity key
	pending    []*remittance.PeerMessage
	pendingIDs map[string]bool
}

func NewClient(factory *peer_channels.Factory, baseURL, accountID,
	accountToken string) (*Client, error) {

	client, err := factory.NewClient(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "peer client")
	}

	return &Client{
		factory:      factory,
		baseURL:      baseURL,
		accountID:    accountID,
		accountToken: accountToken,
		client:       client,
		recipients:   make(map[string]Recipient),
		senders:      make(map[string]string),
		pendingIDs:   make(map[string]bool),
	}, nil
}

// AddRecipient registers the channel to post to for a counterparty identity key.
func (c *Client) AddRecipient(identityKey string, recipient Recipient) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.recipients[identityKey] = recipient
}

// BindChannel registers which counterparty writes to one of our account's channels. Messages
// from unbound channels are dropped.
func (c *Client) BindChannel(channelID, identityKey string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.senders[channelID] = identityKey
}

func (c *Client) SendMessage(ctx context.Context, msg remittance.SendMessage,
	hostOverride string) (string, error) {

	c.lock.Lock()
	recipient, exists := c.recipients[msg.Recipient]
	c.lock.Unlock()
	if !exists {
		return "", errors.Wrap(ErrUnknownRecipient, msg.Recipient)
	}

	baseURL := recipient.BaseURL
	if len(hostOverride) > 0 {
		baseURL = hostOverride
	}

	client, err := c.factory.NewClient(baseURL)
	if err != nil {
		return "", errors.Wrap(err, "peer client")
	}

	if err := client.WriteMessage(ctx, recipient.ChannelID, recipient.WriteToken,
		peer_channels.ContentTypeBinary, bytes.NewReader(msg.Body)); err != nil {
		return "", errors.Wrap(transportError(baseURL, err), "post message")
	}

	// Delivery ids matter on the receive side. For sends a local id is enough.
	return uuid.New().String(), nil
}

func (c *Client) ListMessages(ctx context.Context,
	list remittance.ListMessages) ([]*remittance.PeerMessage, error) {

	c.lock.Lock()
	defer c.lock.Unlock()

	result := make([]*remittance.PeerMessage, len(c.pending))
	copy(result, c.pending)
	return result, nil
}

func (c *Client) AcknowledgeMessages(ctx context.Context,
	ack remittance.AcknowledgeMessages) error {

	client := c.client
	endpoint := c.baseURL
	if len(ack.Host) > 0 {
		hostClient, err := c.factory.NewClient(ack.Host)
		if err != nil {
			return errors.Wrap(err, "peer client")
		}
		client = hostClient
		endpoint = ack.Host
	}

	for _, id := range ack.MessageIDs {
		channelID, sequence, err := parseMessageID(id)
		if err != nil {
			return err
		}

		if err := client.MarkMessages(ctx, channelID, c.accountToken, sequence, true,
			false); err != nil {
			return errors.Wrapf(transportError(endpoint, err), "mark %s", id)
		}

		c.lock.Lock()
		for i, msg := range c.pending {
			if msg.MessageID == id {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				break
			}
		}
		delete(c.pendingIDs, id)
		c.lock.Unlock()
	}

	return nil
}

// Run listens to the account and buffers inbound messages for ListMessages. It reconnects on
// failure and blocks until the interrupt channel is closed.
func (c *Client) Run(ctx context.Context, interrupt <-chan interface{}) error {
	for {
		logger.Info(ctx, "Connecting to peer channel account")

		if err := c.listen(ctx, c.buffer, interrupt); err != nil {
			if errors.Cause(err) == threads.Interrupted {
				return nil
			}

			logger.Warn(ctx, "Peer channel listening returned with error : %s", err)
		} else {
			logger.Warn(ctx, "Peer channel listening returned")
		}

		select {
		case <-time.After(5 * time.Second):
		case <-interrupt:
			return nil
		}
	}
}

// ListenForLiveMessages pushes inbound messages straight to the handler.
func (c *Client) ListenForLiveMessages(ctx context.Context, listen remittance.Listen,
	interrupt <-chan interface{}) error {

	return c.listen(ctx, func(ctx context.Context, msg *remittance.PeerMessage) {
		listen.OnMessage(ctx, msg)
	}, interrupt)
}

func (c *Client) listen(ctx context.Context,
	handle func(ctx context.Context, msg *remittance.PeerMessage),
	interrupt <-chan interface{}) error {

	accountClient, err := c.factory.NewAccountClient(peer_channels.Account{
		BaseURL:   c.baseURL,
		AccountID: c.accountID,
		Token:     c.accountToken,
	})
	if err != nil {
		return errors.Wrap(err, "account client")
	}

	incoming := make(chan peer_channels.Message, 100)
	listenComplete := make(chan interface{})

	var listenErr error
	go func() {
		listenErr = accountClient.Listen(ctx, true, incoming, interrupt)
		close(incoming)
		close(listenComplete)
	}()

	for msg := range incoming {
		converted, err := c.convert(msg)
		if err != nil {
			logger.WarnWithFields(ctx, []logger.Field{
				logger.String("channel", msg.ChannelID),
				logger.Uint64("sequence", msg.Sequence),
			}, "Dropping peer channel message : %s", err)
			continue
		}

		handle(ctx, converted)
	}

	<-listenComplete
	return listenErr
}

func (c *Client) buffer(ctx context.Context, msg *remittance.PeerMessage) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.pendingIDs[msg.MessageID] {
		return
	}

	c.pendingIDs[msg.MessageID] = true
	c.pending = append(c.pending, msg)
}

func (c *Client) convert(msg peer_channels.Message) (*remittance.PeerMessage, error) {
	c.lock.Lock()
	sender, exists := c.senders[msg.ChannelID]
	c.lock.Unlock()
	if !exists {
		return nil, errors.Wrap(ErrUnboundChannel, msg.ChannelID)
	}

	return &remittance.PeerMessage{
		MessageID:  messageID(msg.ChannelID, msg.Sequence),
		Sender:     sender,
		Recipient:  c.accountID,
		MessageBox: msg.ChannelID,
		Body:       msg.Payload,
	}, nil
}

// transportError keeps the endpoint and failure detail with the error so callers see where the
// transport call failed, not just that it did.
func transportError(endpoint string, err error) *remittance.TransportError {
	return remittance.NewTransportError(endpoint, 0, err.Error())
}

func messageID(channelID string, sequence uint64) string {
	return channelID + ":" + strconv.FormatUint(sequence, 10)
}

func parseMessageID(id string) (string, uint64, error) {
	index := strings.LastIndex(id, ":")
	if index < 1 || index == len(id)-1 {
		return "", 0, errors.Wrap(ErrInvalidMessageID, id)
	}

	sequence, err := strconv.ParseUint(id[index+1:], 10, 64)
	if err != nil {
		return "", 0, errors.Wrap(ErrInvalidMessageID, id)
	}

	return id[:index], sequence, nil
}
