package manager

import (
	"context"
	"sync"
	"time"

	"github.com/tokenized/remittance"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"
	"github.com/tokenized/threads"
)

// StartListening subscribes to the transport's live message stream and runs each pushed message
// through the dispatcher. It blocks until the interrupt channel is closed or the listen thread
// completes.
func (m *RemittanceManager) StartListening(ctx context.Context, hostOverride string,
	interrupt <-chan interface{}) error {

	if _, err := m.cachedIdentityKey(ctx); err != nil {
		return err
	}

	live, ok := m.config.Comms.(remittance.LiveListener)
	if !ok {
		return ErrLiveNotSupported
	}

	var wait sync.WaitGroup
	listenThread, listenComplete := threads.NewInterruptableThreadComplete("Remittance Listen",
		func(ctx context.Context, interrupt <-chan interface{}) error {
			return live.ListenForLiveMessages(ctx, remittance.Listen{
				MessageBox:   m.options.MessageBox,
				OverrideHost: hostOverride,
				OnMessage: func(ctx context.Context, msg *remittance.PeerMessage) {
					m.handleMessage(ctx, msg)
					m.flushEvents(ctx)
				},
			}, interrupt)
		}, &wait)

	listenThread.Start(ctx)

	select {
	case <-interrupt:
	case <-listenComplete:
		logger.Warn(ctx, "Listen thread stopped : %s", listenThread.Error())
	}

	listenThread.Stop(ctx)
	waitWarning := logger.NewWaitingWarning(ctx, time.Second*3, "Listen thread")
	wait.Wait()
	waitWarning.Cancel()

	if err := listenThread.Error(); err != nil && errors.Cause(err) != threads.Interrupted {
		return err
	}

	return nil
}
