// Package ious implements a remittance module that settles invoices with signed IOU notes. The
// payer signs a note promising the invoiced amount with a key derived for the thread, and the
// payee verifies the signature against the payer's identity key before accepting.
package ious

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tokenized/remittance"
	"github.com/tokenized/remittance/wallet"

	"github.com/pkg/errors"
	"github.com/tokenized/pkg/bitcoin"
)

const (
	ModuleID = "iou"
)

var (
	ErrWrongPayee  = errors.New("Wrong Payee")
	ErrWrongAmount = errors.New("Wrong Amount")
	ErrWrongThread = errors.New("Wrong Thread")
)

// Option is the payment term this module places on invoices. PayTo is the identity key the note
// must be made out to.
type Option struct {
	PayTo string `json:"pay_to"`
}

// Note is the promise the payer signs. It is serialized once and the exact bytes are what the
// signature covers.
type Note struct {
	ThreadID string                `json:"thread_id"`
	PayTo    string                `json:"pay_to"`
	Amount   *remittance.Amount    `json:"amount,omitempty"`
	Memo     *string               `json:"memo,omitempty"`
	IssuedAt remittance.UnixMillis `json:"issued_at"`
}

// Artifact is the settlement payload. The note bytes are kept raw so verification covers the
// bytes that were actually signed.
type Artifact struct {
	Note      json.RawMessage   `json:"note"`
	Signature bitcoin.Signature `json:"signature"`
}

// ReceiptData is what the payee returns after accepting a note.
type ReceiptData struct {
	NoteAccepted bool                  `json:"note_accepted"`
	AcceptedAt   remittance.UnixMillis `json:"accepted_at"`
}

// Module issues and accepts signed IOU notes.
type Module struct {
	wallet *wallet.KeyWallet

	lock        sync.Mutex
	identityKey string
	accepted    []*Note
	receipted   []string
	terminated  []string
}

func NewModule(w *wallet.KeyWallet) *Module {
	return &Module{
		wallet: w,
	}
}

func (m *Module) ID() string   { return ModuleID }
func (m *Module) Name() string { return "Signed IOU" }

func (m *Module) AllowUnsolicitedSettlements() bool { return true }

func (m *Module) ownIdentityKey(ctx context.Context) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if len(m.identityKey) > 0 {
		return m.identityKey, nil
	}

	key, err := m.wallet.IdentityPublicKey(ctx)
	if err != nil {
		return "", errors.Wrap(err, "identity key")
	}

	m.identityKey = key
	return key, nil
}

// CreateOption puts this module's payment term on an outgoing invoice.
func (m *Module) CreateOption(ctx context.Context,
	request *remittance.CreateOptionRequest) (json.RawMessage, error) {

	key, err := m.ownIdentityKey(ctx)
	if err != nil {
		return nil, err
	}

	option, err := json.Marshal(Option{PayTo: key})
	if err != nil {
		return nil, errors.Wrap(err, "marshal option")
	}

	return option, nil
}

// BuildSettlement signs a note for the invoiced amount with the thread key.
func (m *Module) BuildSettlement(ctx context.Context,
	request *remittance.BuildSettlementRequest) (*remittance.BuildSettlementResult, error) {

	var option Option
	if len(request.Option) > 0 {
		if err := json.Unmarshal(request.Option, &option); err != nil {
			return nil, errors.Wrap(err, "unmarshal option")
		}
	}

	note := Note{
		ThreadID: request.ThreadID,
		PayTo:    option.PayTo,
		Memo:     request.Note,
		IssuedAt: remittance.Now(),
	}
	if request.Invoice != nil {
		total := request.Invoice.Total
		note.Amount = &total
	}

	noteBytes, err := json.Marshal(note)
	if err != nil {
		return nil, errors.Wrap(err, "marshal note")
	}

	signature, err := m.wallet.SignDigest(request.ThreadID, noteBytes)
	if err != nil {
		return nil, errors.Wrap(err, "sign note")
	}

	artifact, err := json.Marshal(Artifact{
		Note:      noteBytes,
		Signature: signature,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal artifact")
	}

	return &remittance.BuildSettlementResult{
		Artifact: artifact,
	}, nil
}

// AcceptSettlement verifies the note signature and the note terms. Bad notes are rejected with a
// termination rather than an error because the sender can do nothing to make us accept them.
func (m *Module) AcceptSettlement(ctx context.Context,
	request *remittance.AcceptSettlementRequest) (*remittance.AcceptSettlementResult, error) {

	note, err := m.verifyArtifact(ctx, request)
	if err != nil {
		return &remittance.AcceptSettlementResult{
			Terminate: remittance.NewTermination("iou_rejected", err.Error()),
		}, nil
	}

	m.lock.Lock()
	m.accepted = append(m.accepted, note)
	m.lock.Unlock()

	receiptData, err := json.Marshal(ReceiptData{
		NoteAccepted: true,
		AcceptedAt:   remittance.Now(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal receipt data")
	}

	return &remittance.AcceptSettlementResult{
		ReceiptData: receiptData,
	}, nil
}

func (m *Module) verifyArtifact(ctx context.Context,
	request *remittance.AcceptSettlementRequest) (*Note, error) {

	var artifact Artifact
	if err := json.Unmarshal(request.Settlement.Artifact, &artifact); err != nil {
		return nil, errors.Wrap(err, "unmarshal artifact")
	}

	if err := wallet.VerifyDigest(request.Sender, request.ThreadID, artifact.Note,
		artifact.Signature); err != nil {
		return nil, errors.Wrap(err, "verify note")
	}

	var note Note
	if err := json.Unmarshal(artifact.Note, &note); err != nil {
		return nil, errors.Wrap(err, "unmarshal note")
	}

	if note.ThreadID != request.ThreadID {
		return nil, errors.Wrap(ErrWrongThread, note.ThreadID)
	}

	key, err := m.ownIdentityKey(ctx)
	if err != nil {
		return nil, err
	}
	if note.PayTo != "" && note.PayTo != key {
		return nil, errors.Wrap(ErrWrongPayee, note.PayTo)
	}

	if request.Invoice != nil {
		if note.Amount == nil || !note.Amount.Equal(request.Invoice.Total) {
			return nil, ErrWrongAmount
		}
	}

	return &note, nil
}

func (m *Module) ProcessReceipt(ctx context.Context,
	request *remittance.ProcessReceiptRequest) error {

	m.lock.Lock()
	defer m.lock.Unlock()

	m.receipted = append(m.receipted, request.ThreadID)
	return nil
}

func (m *Module) ProcessTermination(ctx context.Context,
	request *remittance.ProcessTerminationRequest) error {

	m.lock.Lock()
	defer m.lock.Unlock()

	m.terminated = append(m.terminated, request.ThreadID)
	return nil
}

// AcceptedNotes returns the notes accepted so far.
func (m *Module) AcceptedNotes() []*Note {
	m.lock.Lock()
	defer m.lock.Unlock()

	result := make([]*Note, len(m.accepted))
	copy(result, m.accepted)
	return result
}
