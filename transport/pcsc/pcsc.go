// Package pcsc implements the transport.Transceiver interface over a PC/SC-
// managed CCID reader, applet-agnostic, with scard.Card.Transmit doing the
// framing PC/SC itself already handles.
package pcsc

import (
	"context"
	"fmt"
	"sync"

	"github.com/ebfe/scard"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
	"github.com/hwsecurity-go/hwsecurity/transport"
)

// Transceiver is a card reached through the platform's PC/SC service.
type Transceiver struct {
	transport.Released

	mu   sync.Mutex
	ctx  *scard.Context
	card *scard.Card
	name string
	atr  []byte
}

// ListReaders enumerates PC/SC reader names known to the resource manager.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish pc/sc context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list pc/sc readers: %w", err)
	}
	return readers, nil
}

// Connect opens a shared-mode connection to the card in the named reader.
func Connect(readerName string) (*Transceiver, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish pc/sc context: %w", err)
	}

	card, err := ctx.Connect(readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("connect to card in %q: %w", readerName, err)
	}

	status, err := card.Status()
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		ctx.Release()
		return nil, fmt.Errorf("card status: %w", err)
	}

	return &Transceiver{ctx: ctx, card: card, name: readerName, atr: status.Atr}, nil
}

// Name returns the PC/SC reader name this transceiver is bound to.
func (t *Transceiver) Name() string { return t.name }

// ATR returns the card's answer-to-reset as captured at connect time.
func (t *Transceiver) ATR() []byte { return t.atr }

// Transceive sends one APDU and returns the card's raw reply. PC/SC
// performs any T=0/T=1 and CCID-level framing itself; ctx is honored on a
// best-effort basis since scard.Card.Transmit has no native cancellation.
func (t *Transceiver) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrTransportTimeout, Cause: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	resp, err := t.card.Transmit(cmd)
	if err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrTransportIO, Cause: fmt.Errorf("pc/sc transmit: %w", err)}
	}
	return resp, nil
}

func (t *Transceiver) SupportsExtendedLength() bool { return true }

func (t *Transceiver) Kind() transport.Kind { return transport.KindPCSC }

// Ping re-reads card status, the cheapest PC/SC round trip that confirms
// the card is still present and powered.
func (t *Transceiver) Ping(ctx context.Context) error {
	if err := t.Check(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.card.Status()
	if err != nil {
		return &taxonomy.Error{Kind: taxonomy.ErrTransportIO, Cause: fmt.Errorf("pc/sc status: %w", err)}
	}
	return nil
}

// Reconnect performs a warm or cold reset, refreshing the cached ATR.
func (t *Transceiver) Reconnect(cold bool) error {
	if err := t.Check(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	disposition := scard.ResetCard
	if cold {
		disposition = scard.UnpowerCard
	}
	if err := t.card.Reconnect(scard.ShareShared, scard.ProtocolAny, disposition); err != nil {
		return fmt.Errorf("pc/sc reconnect: %w", err)
	}
	if status, err := t.card.Status(); err == nil {
		t.atr = status.Atr
	}
	return nil
}

func (t *Transceiver) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Check() != nil {
		return nil
	}
	t.MarkReleased()
	if t.card != nil {
		t.card.Disconnect(scard.LeaveCard)
	}
	if t.ctx != nil {
		t.ctx.Release()
	}
	return nil
}
