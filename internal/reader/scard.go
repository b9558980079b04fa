package reader

import (
	"github.com/ebfe/scard"
)

// PCSCFactory is the production ContextFactory backed by the platform's
// PC/SC daemon.
type PCSCFactory struct{}

func (PCSCFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &pcscContext{ctx: ctx}, nil
}

type pcscContext struct {
	ctx *scard.Context
}

func (c *pcscContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *pcscContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &pcscCard{card: card}, nil
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *pcscCard) Status() (SmartCardStatus, error) {
	status, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{
		Reader:         status.Reader,
		State:          uint32(status.State),
		ActiveProtocol: uint32(status.ActiveProtocol),
		Atr:            status.Atr,
	}, nil
}

func (c *pcscCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}

// Share and disposition values passed through the interfaces. Mirrors
// the scard constants so mocks need no scard import.
const (
	ShareShared = uint32(scard.ShareShared)
	ProtocolAny = uint32(scard.ProtocolAny)
	LeaveCard   = uint32(scard.LeaveCard)
)
