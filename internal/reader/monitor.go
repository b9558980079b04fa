// Package reader watches PC/SC readers for eID card taps and forwards
// them to the session orchestrator. The desktop has no foreground
// dispatch like a phone, so presence is detected by polling.
package reader

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/useid/eid-agent/internal/eid"
	"github.com/useid/eid-agent/internal/logging"
)

// getUIDCmd asks a PC/SC reader for the tag UID.
var getUIDCmd = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

// TagSink consumes detected card taps. Satisfied by eid.Manager.
type TagSink interface {
	HandleCardTag(tag eid.Tag)
}

// Info describes one attached reader for the status API.
type Info struct {
	Name        string `json:"name"`
	CardPresent bool   `json:"cardPresent"`
}

// Monitor polls PC/SC readers and reports each newly presented card
// exactly once until it is removed.
type Monitor struct {
	factory  ContextFactory
	sink     TagSink
	interval time.Duration

	mu       sync.Mutex
	lastUIDs map[string]string
	infos    []Info
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a monitor polling at interval.
func NewMonitor(factory ContextFactory, sink TagSink, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Monitor{
		factory:  factory,
		sink:     sink,
		interval: interval,
		lastUIDs: make(map[string]string),
	}
}

// Start begins polling in the background.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	logging.Info(logging.CatReader, "Reader monitor started", map[string]any{
		"intervalMs": m.interval.Milliseconds(),
	})
	go m.loop(stop, done)
}

// Stop ends polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop = nil
	m.done = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Readers returns the latest reader snapshot.
func (m *Monitor) Readers() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Info(nil), m.infos...)
}

func (m *Monitor) loop(stop, done chan struct{}) {
	defer logging.RecoverAndLog("reader monitor", false)
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	ctx, err := m.factory.EstablishContext()
	if err != nil {
		logging.Debug(logging.CatReader, "PC/SC context unavailable", map[string]any{
			"error": err.Error(),
		})
		m.setInfos(nil)
		return
	}
	defer ctx.Release()

	names, err := ctx.ListReaders()
	if err != nil {
		// No readers attached is the common cause
		m.setInfos(nil)
		return
	}

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		uid, err := readUID(ctx, name)
		if err != nil {
			infos = append(infos, Info{Name: name})
			m.cardGone(name)
			continue
		}
		infos = append(infos, Info{Name: name, CardPresent: true})
		m.cardSeen(name, uid)
	}
	m.setInfos(infos)
}

// cardSeen forwards the tap once per presentation.
func (m *Monitor) cardSeen(reader, uid string) {
	m.mu.Lock()
	last := m.lastUIDs[reader]
	m.lastUIDs[reader] = uid
	m.mu.Unlock()
	if uid == last {
		return
	}

	logging.Info(logging.CatReader, "Card detected", map[string]any{
		"reader": reader,
		"uid":    uid,
	})
	m.sink.HandleCardTag(eid.Tag{UID: uid})
}

func (m *Monitor) cardGone(reader string) {
	m.mu.Lock()
	last := m.lastUIDs[reader]
	delete(m.lastUIDs, reader)
	m.mu.Unlock()
	if last != "" {
		logging.Info(logging.CatReader, "Card removed", map[string]any{
			"reader": reader,
		})
	}
}

func (m *Monitor) setInfos(infos []Info) {
	m.mu.Lock()
	m.infos = infos
	m.mu.Unlock()
}

// readUID connects to the reader and asks for the present card's UID.
func readUID(ctx SmartCardContext, reader string) (string, error) {
	card, err := ctx.Connect(reader, ShareShared, ProtocolAny)
	if err != nil {
		return "", fmt.Errorf("connecting to reader: %w", err)
	}
	defer card.Disconnect(LeaveCard)

	rsp, err := card.Transmit(getUIDCmd)
	if err != nil {
		return "", fmt.Errorf("transmitting get UID: %w", err)
	}
	if len(rsp) < 2 {
		return "", fmt.Errorf("short response: %d bytes", len(rsp))
	}
	sw1, sw2 := rsp[len(rsp)-2], rsp[len(rsp)-1]
	if sw1 != 0x90 || sw2 != 0x00 {
		return "", fmt.Errorf("get UID failed with status %02X %02X", sw1, sw2)
	}
	return hex.EncodeToString(rsp[:len(rsp)-2]), nil
}
