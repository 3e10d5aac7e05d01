package main

import (
	"context"
	"encoding/json"
	"io"

	remittancePeerChannels "github.com/tokenized/remittance/peer_channels"

	"github.com/pkg/errors"
	"github.com/tokenized/pkg/storage"
)

const peersPath = "remittance/peers"

// peerRegistry persists the mapping between counterparty identity keys and their peer channels,
// and between our inbound channels and the counterparties that write to them.
type peerRegistry struct {
	store storage.StreamReadWriter

	Recipients map[string]remittancePeerChannels.Recipient `json:"recipients"`
	Senders    map[string]string                           `json:"senders"`
}

func newPeerRegistry(store storage.StreamReadWriter) *peerRegistry {
	return &peerRegistry{
		store:      store,
		Recipients: make(map[string]remittancePeerChannels.Recipient),
		Senders:    make(map[string]string),
	}
}

func (p *peerRegistry) Serialize(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(p); err != nil {
		return errors.Wrap(err, "encode")
	}

	return nil
}

func (p *peerRegistry) Deserialize(r io.Reader) error {
	if err := json.NewDecoder(r).Decode(p); err != nil {
		return errors.Wrap(err, "decode")
	}

	return nil
}

func (p *peerRegistry) load(ctx context.Context) error {
	if err := storage.StreamRead(ctx, p.store, peersPath, p); err != nil {
		if errors.Cause(err) == storage.ErrNotFound {
			return nil
		}
		return errors.Wrap(err, "read peers")
	}

	return nil
}

func (p *peerRegistry) save(ctx context.Context) error {
	if err := storage.StreamWrite(ctx, p.store, peersPath, p); err != nil {
		return errors.Wrap(err, "write peers")
	}

	return nil
}

func (p *peerRegistry) addRecipient(identityKey string,
	recipient remittancePeerChannels.Recipient) {

	p.Recipients[identityKey] = recipient
}

func (p *peerRegistry) bindChannel(channelID, identityKey string) {
	p.Senders[channelID] = identityKey
}

func (p *peerRegistry) apply(client *remittancePeerChannels.Client) {
	for key, recipient := range p.Recipients {
		client.AddRecipient(key, recipient)
	}
	for channelID, key := range p.Senders {
		client.BindChannel(channelID, key)
	}
}
