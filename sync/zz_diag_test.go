// Temporary build-validation diagnostic. Not part of the module.
package sync

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/loom/document"
	"github.com/bureau-foundation/loom/lib/codec"
	"github.com/bureau-foundation/loom/lib/ident"
	"github.com/bureau-foundation/loom/oplog"
	"github.com/bureau-foundation/loom/transport"
	"github.com/bureau-foundation/loom/wire"
)

var zzStart = time.Now()

type zzEvent struct {
	at   time.Duration
	side string
	conn int64
	dir  string
	desc string
}

type zzLog struct {
	mu     sync.Mutex
	events []zzEvent
}

func (l *zzLog) add(side string, conn int64, dir, desc string) {
	l.mu.Lock()
	l.events = append(l.events, zzEvent{time.Since(zzStart), side, conn, dir, desc})
	l.mu.Unlock()
}

func zzDescribe(frameType byte, payload []byte) string {
	body, err := wire.DecodePayload(payload)
	if err != nil {
		return fmt.Sprintf("%s <decode err: %v>", wire.FrameTypeName(frameType), err)
	}
	switch frameType {
	case wire.FrameHello:
		var m wire.Hello
		if codec.Unmarshal(body, &m) == nil {
			return fmt.Sprintf("hello room=%q client=%d", m.Room, m.Client)
		}
	case wire.FrameSyncStep1:
		var m wire.SyncStep1
		if codec.Unmarshal(body, &m) == nil {
			return fmt.Sprintf("step1 room=%q sv=%v", m.Room, m.StateVector)
		}
	case wire.FrameSyncStep2:
		var m wire.SyncStep2
		if codec.Unmarshal(body, &m) == nil {
			return fmt.Sprintf("step2 room=%q ops=%d snap=%v", m.Room, len(m.Ops), m.Snapshot != nil)
		}
	case wire.FrameUpdate:
		var m wire.Update
		if codec.Unmarshal(body, &m) == nil {
			return fmt.Sprintf("update room=%q ops=%d", m.Room, len(m.Ops))
		}
	case wire.FrameAck:
		var m wire.Ack
		if codec.Unmarshal(body, &m) == nil {
			return fmt.Sprintf("ack room=%q sv=%v", m.Room, m.StateVector)
		}
	case wire.FrameAwareness:
		var m wire.AwarenessBatch
		if codec.Unmarshal(body, &m) == nil {
			return fmt.Sprintf("awareness room=%q states=%d", m.Room, len(m.States))
		}
	}
	return fmt.Sprintf("%s <unmarshal failed>", wire.FrameTypeName(frameType))
}

// zzFrameTap reassembles frames from a byte stream and logs them.
type zzFrameTap struct {
	log  *zzLog
	side string
	conn int64
	dir  string
	buf  []byte
}

func (p *zzFrameTap) feed(data []byte) {
	p.buf = append(p.buf, data...)
	for {
		if len(p.buf) < 5 {
			return
		}
		length := int(uint32(p.buf[1])<<24 | uint32(p.buf[2])<<16 | uint32(p.buf[3])<<8 | uint32(p.buf[4]))
		total := 5 + length
		if len(p.buf) < total {
			return
		}
		payload := append([]byte(nil), p.buf[5:total]...)
		p.log.add(p.side, p.conn, p.dir, zzDescribe(p.buf[0], payload))
		p.buf = p.buf[total:]
	}
}

var zzConnSeq atomic.Int64

type zzSpyConn struct {
	net.Conn
	read  *zzFrameTap
	wrote *zzFrameTap
	log   *zzLog
	side  string
	id    int64
	once  sync.Once
}

func (c *zzSpyConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.read.feed(p[:n])
	}
	if err != nil {
		c.once.Do(func() { c.log.add(c.side, c.id, "read-err", err.Error()) })
	}
	return n, err
}

func (c *zzSpyConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.wrote.feed(p[:n])
	}
	return n, err
}

func zzSpy(conn net.Conn, log *zzLog, side string) net.Conn {
	id := zzConnSeq.Add(1)
	return &zzSpyConn{
		Conn:  conn,
		log:   log,
		side:  side,
		id:    id,
		read:  &zzFrameTap{log: log, side: side, conn: id, dir: "recv"},
		wrote: &zzFrameTap{log: log, side: side, conn: id, dir: "sent"},
	}
}

type zzSpyDialer struct {
	inner transport.Dialer
	log   *zzLog
}

func (d *zzSpyDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	conn, err := d.inner.DialContext(ctx, address)
	if err != nil {
		return nil, err
	}
	return zzSpy(conn, d.log, "client"), nil
}

func TestZZDiagOfflineResync(t *testing.T) {
	network := transport.NewMemoryNetwork()
	log := &zzLog{}

	store := oplog.NewMemory()
	hub, err := NewHub(HubConfig{Store: store, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	listener, err := network.Listen("relay")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	hctx, hcancel := context.WithCancel(context.Background())
	inner := hub.Handler()
	go listener.Serve(hctx, func(conn net.Conn) { inner(zzSpy(conn, log, "hub")) })
	go hub.Run(hctx)
	t.Cleanup(func() {
		hcancel()
		listener.Close()
		hub.Close()
	})
	address := listener.Address()

	recorder := &Recorder{}
	client := newTestClient(t, 7, &RecordingDialer{Dialer: &zzSpyDialer{inner: network, log: log}, Recorder: recorder}, address, nil)
	doc := newTestDoc(t, 7)

	var offline []ident.OpID
	collecting := false
	doc.SetCommitHook(func(commit document.Commit) {
		if commit.Source != document.SourceLocal {
			return
		}
		if collecting {
			for _, op := range commit.Ops {
				offline = append(offline, op.ID)
			}
		}
		client.Push("notes", commit.Ops)
	})
	appendText(t, doc, "body", "base")
	if err := client.Attach("notes", doc, nil); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	states := client.States()

	ctx1, cancel1 := context.WithCancel(context.Background())
	if err := client.Connect(ctx1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, states, StateSynced)
	log.add("test", 0, "mark", "first session synced; cancelling")
	cancel1()
	awaitState(t, states, StateDisconnected)
	log.add("test", 0, "mark", "disconnected observed")

	collecting = true
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		appendText(t, doc, "body", s)
	}
	log.add("test", 0, "mark", fmt.Sprintf("offline edits done (%d ops); resetting recorder", len(offline)))
	recorder.Reset()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	awaitState(t, states, StateSynced)
	log.add("test", 0, "mark", "second session synced")

	time.Sleep(50 * time.Millisecond)

	log.mu.Lock()
	for _, e := range log.events {
		fmt.Printf("%8.3fms %-6s conn=%d %-8s %s\n",
			float64(e.at.Microseconds())/1000, e.side, e.conn, e.dir, e.desc)
	}
	log.mu.Unlock()
	fmt.Printf("recorder: steps=%d updates=%d frames=%d\n",
		len(recorder.SentSteps("notes")), len(recorder.SentUpdates("notes")), len(recorder.Frames()))

	snap, tail, err := store.Load(context.Background(), "notes")
	fmt.Printf("store: snap=%v tailOps=%d err=%v\n", snap != nil, len(tail), err)
}
