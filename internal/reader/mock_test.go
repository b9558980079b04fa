package reader

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/useid/eid-agent/internal/eid"
)

// MockContext implements SmartCardContext for testing
type MockContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockCard
	shouldError bool
	errorMsg    string
}

// MockFactory hands out a shared MockContext
type MockFactory struct {
	ctx *MockContext
	err error
}

func NewMockFactory(ctx *MockContext) *MockFactory {
	return &MockFactory{ctx: ctx}
}

func (f *MockFactory) WithError(msg string) *MockFactory {
	f.err = errors.New(msg)
	return f
}

func (f *MockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// NewMockContext creates a mock context with a single typical reader
func NewMockContext() *MockContext {
	return &MockContext{
		readers: []string{"REINER SCT cyberJack RFID basis"},
		cards:   make(map[string]*MockCard),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockContext) WithReaders(readers ...string) *MockContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readers = readers
	return m
}

// WithError makes the context return errors
func (m *MockContext) WithError(msg string) *MockContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldError = true
	m.errorMsg = msg
	return m
}

// PlaceCard puts a card on a reader
func (m *MockContext) PlaceCard(reader string, card *MockCard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[reader] = card
}

// RemoveCard takes the card off a reader
func (m *MockContext) RemoveCard(reader string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cards, reader)
}

func (m *MockContext) ListReaders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	return append([]string(nil), m.readers...), nil
}

func (m *MockContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	return card, nil
}

func (m *MockContext) Release() error {
	return nil
}

// MockCard implements SmartCard with a fixed UID
type MockCard struct {
	uid         []byte
	uidStatus   []byte
	shouldError bool
}

// NewMockCard creates a card answering the UID command with uid
func NewMockCard(uidHex string) *MockCard {
	uid, _ := hex.DecodeString(uidHex)
	return &MockCard{uid: uid, uidStatus: []byte{0x90, 0x00}}
}

// WithTransmitError makes Transmit fail
func (c *MockCard) WithTransmitError() *MockCard {
	c.shouldError = true
	return c
}

// WithStatusWords overrides the UID response status words
func (c *MockCard) WithStatusWords(sw1, sw2 byte) *MockCard {
	c.uidStatus = []byte{sw1, sw2}
	return c
}

func (c *MockCard) Transmit(cmd []byte) ([]byte, error) {
	if c.shouldError {
		return nil, errors.New("transmit failed")
	}
	rsp := append([]byte(nil), c.uid...)
	return append(rsp, c.uidStatus...), nil
}

func (c *MockCard) Status() (SmartCardStatus, error) {
	return SmartCardStatus{Reader: "mock"}, nil
}

func (c *MockCard) Disconnect(disposition uint32) error {
	return nil
}

// recordingSink collects forwarded taps
type recordingSink struct {
	mu   sync.Mutex
	tags []eid.Tag
}

func (s *recordingSink) HandleCardTag(tag eid.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append(s.tags, tag)
}

func (s *recordingSink) seen() []eid.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eid.Tag(nil), s.tags...)
}
