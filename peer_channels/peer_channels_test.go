package peer_channels

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/tokenized/remittance"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"
	"github.com/tokenized/pkg/peer_channels"
)

type mockParty struct {
	key    string
	client *Client
}

func getWriteToken(c *peer_channels.FullChannel) string {
	return c.WriteToken
}

// setupParties creates two accounts on the mock service, one channel each, and cross-wires the
// adapters so each party can post to the other.
func setupParties(t *testing.T, ctx context.Context,
	factory *peer_channels.Factory) (*mockParty, *mockParty) {

	build := func(key string) (*Client, *peer_channels.FullChannel) {
		account, err := factory.MockClient().CreateAccount(ctx)
		if err != nil {
			t.Fatalf("Failed to create account : %s", err)
		}

		accountClient, err := factory.NewAccountClient(*account)
		if err != nil {
			t.Fatalf("Failed to create account client : %s", err)
		}

		channel, err := accountClient.CreateChannel(ctx)
		if err != nil {
			t.Fatalf("Failed to create channel : %s", err)
		}

		client, err := NewClient(factory, peer_channels.MockClientURL, account.AccountID,
			account.Token)
		if err != nil {
			t.Fatalf("Failed to create client : %s", err)
		}

		return client, channel
	}

	clientA, channelA := build("k_a")
	clientB, channelB := build("k_b")

	clientA.BindChannel(channelA.ID, "k_b")
	clientA.AddRecipient("k_b", Recipient{
		BaseURL:    peer_channels.MockClientURL,
		ChannelID:  channelB.ID,
		WriteToken: getWriteToken(channelB),
	})

	clientB.BindChannel(channelB.ID, "k_a")
	clientB.AddRecipient("k_a", Recipient{
		BaseURL:    peer_channels.MockClientURL,
		ChannelID:  channelA.ID,
		WriteToken: getWriteToken(channelA),
	})

	return &mockParty{key: "k_a", client: clientA}, &mockParty{key: "k_b", client: clientB}
}

func waitForMessages(t *testing.T, ctx context.Context, client *Client,
	count int) []*remittance.PeerMessage {

	deadline := time.Now().Add(2 * time.Second)
	for {
		messages, err := client.ListMessages(ctx, remittance.ListMessages{})
		if err != nil {
			t.Fatalf("Failed to list messages : %s", err)
		}
		if len(messages) >= count {
			return messages
		}

		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for messages : got %d, want %d", len(messages),
				count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func Test_SendAndReceive(t *testing.T) {
	ctx := logger.ContextWithLogger(context.Background(), true, true, "")
	factory := peer_channels.NewFactory()

	partyA, partyB := setupParties(t, ctx, factory)

	interrupt := make(chan interface{})
	runComplete := make(chan interface{})
	go func() {
		partyA.client.Run(ctx, interrupt)
		close(runComplete)
	}()
	time.Sleep(50 * time.Millisecond)

	body := []byte(`{"v":1,"kind":"invoice"}`)
	if _, err := partyB.client.SendMessage(ctx, remittance.SendMessage{
		Recipient: "k_a",
		Body:      body,
	}, ""); err != nil {
		t.Fatalf("Failed to send message : %s", err)
	}

	messages := waitForMessages(t, ctx, partyA.client, 1)
	if messages[0].Sender != "k_b" {
		t.Errorf("Wrong sender : got %s, want k_b", messages[0].Sender)
	}
	if !bytes.Equal(messages[0].Body, body) {
		t.Errorf("Wrong body : got %s, want %s", messages[0].Body, body)
	}

	// Unacknowledged messages stay pending.
	again, err := partyA.client.ListMessages(ctx, remittance.ListMessages{})
	if err != nil {
		t.Fatalf("Failed to list messages : %s", err)
	}
	if len(again) != 1 {
		t.Fatalf("Wrong pending count : got %d, want 1", len(again))
	}

	if err := partyA.client.AcknowledgeMessages(ctx, remittance.AcknowledgeMessages{
		MessageIDs: []string{messages[0].MessageID},
	}); err != nil {
		t.Fatalf("Failed to acknowledge : %s", err)
	}

	cleared, err := partyA.client.ListMessages(ctx, remittance.ListMessages{})
	if err != nil {
		t.Fatalf("Failed to list messages : %s", err)
	}
	if len(cleared) != 0 {
		t.Fatalf("Wrong pending count after acknowledge : got %d, want 0", len(cleared))
	}

	close(interrupt)
	select {
	case <-runComplete:
	case <-time.After(time.Second):
		t.Fatalf("Run shutdown timed out")
	}
}

func Test_UnboundChannelDropped(t *testing.T) {
	ctx := logger.ContextWithLogger(context.Background(), true, true, "")
	factory := peer_channels.NewFactory()

	peerClient, err := factory.NewClient(peer_channels.MockClientURL)
	if err != nil {
		t.Fatalf("Failed to create peer client : %s", err)
	}

	account, err := factory.MockClient().CreateAccount(ctx)
	if err != nil {
		t.Fatalf("Failed to create account : %s", err)
	}
	accountClient, err := factory.NewAccountClient(*account)
	if err != nil {
		t.Fatalf("Failed to create account client : %s", err)
	}
	channel, err := accountClient.CreateChannel(ctx)
	if err != nil {
		t.Fatalf("Failed to create channel : %s", err)
	}

	client, err := NewClient(factory, peer_channels.MockClientURL, account.AccountID,
		account.Token)
	if err != nil {
		t.Fatalf("Failed to create client : %s", err)
	}

	// No BindChannel call, so messages on this channel have no known sender.
	interrupt := make(chan interface{})
	runComplete := make(chan interface{})
	go func() {
		client.Run(ctx, interrupt)
		close(runComplete)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := peerClient.WriteMessage(ctx, channel.ID, getWriteToken(channel),
		peer_channels.ContentTypeBinary, bytes.NewReader([]byte("orphan"))); err != nil {
		t.Fatalf("Failed to post message : %s", err)
	}

	time.Sleep(100 * time.Millisecond)

	messages, err := client.ListMessages(ctx, remittance.ListMessages{})
	if err != nil {
		t.Fatalf("Failed to list messages : %s", err)
	}
	if len(messages) != 0 {
		t.Fatalf("Unbound channel messages should be dropped : got %d", len(messages))
	}

	close(interrupt)
	select {
	case <-runComplete:
	case <-time.After(time.Second):
		t.Fatalf("Run shutdown timed out")
	}
}

func Test_LiveListen(t *testing.T) {
	ctx := logger.ContextWithLogger(context.Background(), true, true, "")
	factory := peer_channels.NewFactory()

	partyA, partyB := setupParties(t, ctx, factory)

	received := make(chan *remittance.PeerMessage, 1)
	interrupt := make(chan interface{})
	listenComplete := make(chan interface{})
	go func() {
		partyA.client.ListenForLiveMessages(ctx, remittance.Listen{
			OnMessage: func(ctx context.Context, msg *remittance.PeerMessage) {
				received <- msg
			},
		}, interrupt)
		close(listenComplete)
	}()
	time.Sleep(50 * time.Millisecond)

	body := []byte("live message")
	if _, err := partyB.client.SendMessage(ctx, remittance.SendMessage{
		Recipient: "k_a",
		Body:      body,
	}, ""); err != nil {
		t.Fatalf("Failed to send message : %s", err)
	}

	select {
	case msg := <-received:
		if !bytes.Equal(msg.Body, body) {
			t.Errorf("Wrong body : got %s, want %s", msg.Body, body)
		}
		if msg.Sender != "k_b" {
			t.Errorf("Wrong sender : got %s, want k_b", msg.Sender)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for live message")
	}

	close(interrupt)
	select {
	case <-listenComplete:
	case <-time.After(time.Second):
		t.Fatalf("Listen shutdown timed out")
	}
}

func Test_TransportErrorContext(t *testing.T) {
	wrapped := errors.Wrap(transportError("https://peers.test", errors.New("status 401")),
		"post message")

	cause, ok := errors.Cause(wrapped).(*remittance.TransportError)
	if !ok {
		t.Fatalf("Cause should be a transport error : %v", wrapped)
	}
	if cause.Endpoint != "https://peers.test" {
		t.Errorf("Wrong endpoint : got %s, want https://peers.test", cause.Endpoint)
	}
	if cause.Body != "status 401" {
		t.Errorf("Wrong body : got %s, want status 401", cause.Body)
	}
}

func Test_Acknowledge_HostOverride(t *testing.T) {
	ctx := logger.ContextWithLogger(context.Background(), true, true, "")
	factory := peer_channels.NewFactory()

	partyA, partyB := setupParties(t, ctx, factory)

	interrupt := make(chan interface{})
	runComplete := make(chan interface{})
	go func() {
		partyA.client.Run(ctx, interrupt)
		close(runComplete)
	}()
	time.Sleep(50 * time.Millisecond)

	if _, err := partyB.client.SendMessage(ctx, remittance.SendMessage{
		Recipient: "k_a",
		Body:      []byte("override me"),
	}, ""); err != nil {
		t.Fatalf("Failed to send message : %s", err)
	}

	messages := waitForMessages(t, ctx, partyA.client, 1)

	if err := partyA.client.AcknowledgeMessages(ctx, remittance.AcknowledgeMessages{
		MessageIDs: []string{messages[0].MessageID},
		Host:       peer_channels.MockClientURL,
	}); err != nil {
		t.Fatalf("Failed to acknowledge with host override : %s", err)
	}

	cleared, err := partyA.client.ListMessages(ctx, remittance.ListMessages{})
	if err != nil {
		t.Fatalf("Failed to list messages : %s", err)
	}
	if len(cleared) != 0 {
		t.Fatalf("Wrong pending count after acknowledge : got %d, want 0", len(cleared))
	}

	close(interrupt)
	select {
	case <-runComplete:
	case <-time.After(time.Second):
		t.Fatalf("Run shutdown timed out")
	}
}
