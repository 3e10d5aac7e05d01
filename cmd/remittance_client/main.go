package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tokenized/remittance"
	"github.com/tokenized/remittance/manager"
	"github.com/tokenized/remittance/modules/ious"
	remittancePeerChannels "github.com/tokenized/remittance/peer_channels"
	"github.com/tokenized/remittance/statestore"
	"github.com/tokenized/remittance/wallet"

	"github.com/tokenized/config"
	"github.com/tokenized/pkg/bitcoin"
	"github.com/tokenized/logger"
	"github.com/tokenized/pkg/peer_channels"
	"github.com/tokenized/pkg/storage"
)

type Config struct {
	BaseKey bitcoin.Key `envconfig:"BASE_KEY" json:"base_key" masked:"true"`

	PeerChannelURL string `envconfig:"PEER_CHANNEL_URL" json:"peer_channel_url"`
	AccountID      string `envconfig:"ACCOUNT_ID" json:"account_id"`
	AccountToken   string `envconfig:"ACCOUNT_TOKEN" json:"account_token" masked:"true"`

	StorageBucket     string `envconfig:"STORAGE_BUCKET" json:"STORAGE_BUCKET"`
	StorageRoot       string `envconfig:"STORAGE_ROOT" json:"STORAGE_ROOT"`
	StorageMaxRetries int    `default:"10" envconfig:"STORAGE_MAX_RETRIES" json:"STORAGE_MAX_RETRIES"`
	StorageRetryDelay int    `default:"2000" envconfig:"STORAGE_RETRY_DELAY" json:"STORAGE_RETRY_DELAY"`

	Logger logger.SetupConfig
}

func main() {
	args := os.Args
	if len(args) < 2 {
		fmt.Printf("Command required: remittance_client <listen, sync, threads, invoice, pay, send, add_peer, bind_channel>\n")
		os.Exit(1)
	}

	ctx := context.Background()

	cfg := Config{}
	if err := config.LoadConfig(ctx, &cfg); err != nil {
		logger.Fatal(ctx, "LoadConfig : %s", err)
	}

	ctx = logger.ContextWithLogSetup(ctx, cfg.Logger)

	logger.Info(ctx, "Starting")
	defer logger.Info(ctx, "Completed")

	maskedConfig, err := config.MarshalJSONMaskedRaw(cfg)
	if err != nil {
		logger.Fatal(ctx, "Failed to marshal config : %s", err)
	}

	logger.InfoWithFields(ctx, []logger.Field{
		logger.JSON("config", maskedConfig),
	}, "Config")

	store, err := storage.CreateStreamStorage(cfg.StorageBucket, cfg.StorageRoot,
		cfg.StorageMaxRetries, cfg.StorageRetryDelay)
	if err != nil {
		logger.Fatal(ctx, "Failed to create storage : %s", err)
	}

	keyWallet := wallet.NewKeyWallet(cfg.BaseKey)

	peerChannelsFactory := peer_channels.NewFactory()
	comms, err := remittancePeerChannels.NewClient(peerChannelsFactory, cfg.PeerChannelURL,
		cfg.AccountID, cfg.AccountToken)
	if err != nil {
		logger.Fatal(ctx, "Failed to create peer channels client : %s", err)
	}

	peers := newPeerRegistry(store)
	if err := peers.load(ctx); err != nil {
		logger.Fatal(ctx, "Failed to load peers : %s", err)
	}
	peers.apply(comms)

	switch args[1] {
	case "add_peer":
		addPeer(ctx, peers, args[2:]...)
		return
	case "bind_channel":
		bindChannel(ctx, peers, args[2:]...)
		return
	}

	// Every command except listen polls the transport, which only sees messages while Run is
	// collecting them.
	var stopTransport func()
	if args[1] != "listen" {
		interrupt := make(chan interface{})
		runComplete := make(chan interface{})
		go func() {
			if err := comms.Run(ctx, interrupt); err != nil {
				logger.Error(ctx, "Transport failed : %s", err)
			}
			close(runComplete)
		}()
		stopTransport = func() {
			close(interrupt)
			<-runComplete
		}
	}

	states := statestore.NewStore(store, "remittance/state")

	m, err := manager.NewRemittanceManager(ctx, manager.Config{
		Comms:     comms,
		Wallet:    keyWallet,
		Modules:   []remittance.Module{ious.NewModule(keyWallet)},
		LoadState: states.Loader(),
		SaveState: states.Saver(),
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to create remittance manager : %s", err)
	}

	switch args[1] {
	case "listen":
		listen(ctx, m, comms)
	case "sync":
		sync(ctx, m)
	case "threads":
		listThreads(ctx, m)
	case "invoice":
		invoice(ctx, m, args[2:]...)
	case "pay":
		pay(ctx, m, args[2:]...)
	case "send":
		send(ctx, m, args[2:]...)
	default:
		fmt.Printf("Unknown command : %s\n", args[1])
	}

	if stopTransport != nil {
		stopTransport()
	}
}

func listen(ctx context.Context, m *manager.RemittanceManager,
	comms *remittancePeerChannels.Client) {

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)

	interrupt := make(chan interface{})
	go func() {
		<-osSignals
		close(interrupt)
	}()

	if err := m.StartListening(ctx, "", interrupt); err != nil {
		fmt.Printf("Listening failed : %s\n", err)
	}
}

// sync collects waiting messages for a few seconds and runs them through the engine.
func sync(ctx context.Context, m *manager.RemittanceManager) {
	time.Sleep(3 * time.Second)

	if err := m.SyncThreads(ctx, ""); err != nil {
		fmt.Printf("Failed to sync threads : %s\n", err)
	}

	listThreads(ctx, m)
}

func listThreads(ctx context.Context, m *manager.RemittanceManager) {
	threads, err := m.Threads()
	if err != nil {
		fmt.Printf("Failed to list threads : %s\n", err)
		return
	}

	for _, t := range threads {
		js, _ := json.MarshalIndent(t, "", "  ")
		fmt.Printf("%s\n", js)
	}
}

func invoice(ctx context.Context, m *manager.RemittanceManager, args ...string) {
	if len(args) < 2 {
		fmt.Printf("Missing arguments : remittance_client invoice <counterparty_key> <amount> [invoice_number]\n")
		return
	}

	total, err := remittance.ParseAmount(args[1])
	if err != nil {
		fmt.Printf("Invalid amount : %s\n", err)
		return
	}

	input := manager.InvoiceInput{Total: total}
	if len(args) > 2 {
		input.InvoiceNumber = args[2]
	}

	handle, err := m.SendInvoice(ctx, args[0], input)
	if err != nil {
		fmt.Printf("Failed to send invoice : %s\n", err)
		return
	}

	fmt.Printf("Invoice sent on thread %s\n", handle.ThreadID())
}

func pay(ctx context.Context, m *manager.RemittanceManager, args ...string) {
	if len(args) < 1 {
		fmt.Printf("Missing arguments : remittance_client pay <thread_id> [option_id]\n")
		return
	}

	optionID := ""
	if len(args) > 1 {
		optionID = args[1]
	}

	outcome, err := m.Pay(ctx, args[0], optionID)
	if err != nil {
		fmt.Printf("Failed to pay : %s\n", err)
		return
	}

	if outcome == nil {
		fmt.Printf("Settlement sent (no receipt expected)\n")
		return
	}

	if outcome.Termination != nil {
		fmt.Printf("Payment terminated : %s\n", outcome.Termination)
		return
	}

	js, _ := json.MarshalIndent(outcome.Receipt, "", "  ")
	fmt.Printf("Receipt received :\n%s\n", js)
}

func send(ctx context.Context, m *manager.RemittanceManager, args ...string) {
	if len(args) < 1 {
		fmt.Printf("Missing arguments : remittance_client send <counterparty_key> [note]\n")
		return
	}

	input := manager.UnsolicitedSettlementInput{ModuleID: ious.ModuleID}
	if len(args) > 1 {
		note := args[1]
		input.Note = &note
	}

	handle, err := m.SendUnsolicitedSettlement(ctx, args[0], input)
	if err != nil {
		fmt.Printf("Failed to send settlement : %s\n", err)
		return
	}

	fmt.Printf("Settlement sent on thread %s\n", handle.ThreadID())
}

func addPeer(ctx context.Context, peers *peerRegistry, args ...string) {
	if len(args) != 4 {
		fmt.Printf("Missing arguments : remittance_client add_peer <identity_key> <base_url> <channel_id> <write_token>\n")
		return
	}

	peers.addRecipient(args[0], remittancePeerChannels.Recipient{
		BaseURL:    args[1],
		ChannelID:  args[2],
		WriteToken: args[3],
	})

	if err := peers.save(ctx); err != nil {
		fmt.Printf("Failed to save peers : %s\n", err)
		return
	}

	fmt.Printf("Peer added : %s\n", args[0])
}

func bindChannel(ctx context.Context, peers *peerRegistry, args ...string) {
	if len(args) != 2 {
		fmt.Printf("Missing arguments : remittance_client bind_channel <channel_id> <identity_key>\n")
		return
	}

	peers.bindChannel(args[0], args[1])

	if err := peers.save(ctx); err != nil {
		fmt.Printf("Failed to save peers : %s\n", err)
		return
	}

	fmt.Printf("Channel bound : %s -> %s\n", args[0], args[1])
}
