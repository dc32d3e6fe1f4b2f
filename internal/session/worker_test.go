package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/REONTeam/mobilerelay/internal/identity"
	"github.com/REONTeam/mobilerelay/internal/peer"
	"github.com/REONTeam/mobilerelay/internal/protocol"
)

func testTimeouts() Timeouts {
	return Timeouts{
		CallTimeout:      500 * time.Millisecond,
		CallPoll:         5 * time.Millisecond,
		WaitPoll:         5 * time.Millisecond,
		AcceptTimeout:    500 * time.Millisecond,
		HandshakeTimeout: time.Second,
	}
}

// testClient drives one side of a net.Pipe the way a real mobilerelay client
// would, using the same wire helpers the server uses to read/write frames.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTestClient(conn net.Conn) *testClient {
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) handshake(token *[16]byte) (protocol.Handshake, bool, [16]byte, error) {
	req := []byte{protocol.Version, 'M', 'O', 'B', 'I', 'L', 'E'}
	if token != nil {
		req = append(req, 1)
		req = append(req, token[:]...)
	} else {
		req = append(req, 0)
	}
	if _, err := c.conn.Write(req); err != nil {
		return protocol.Handshake{}, false, [16]byte{}, err
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(c.reader, reply); err != nil {
		return protocol.Handshake{}, false, [16]byte{}, err
	}
	isNew := reply[7] == 1
	var newToken [16]byte
	if isNew {
		if _, err := io.ReadFull(c.reader, newToken[:]); err != nil {
			return protocol.Handshake{}, false, [16]byte{}, err
		}
	}
	return protocol.Handshake{}, isNew, newToken, nil
}

func (c *testClient) getNumber() (string, error) {
	if _, err := c.conn.Write([]byte{protocol.Version, byte(protocol.CmdGetNumber)}); err != nil {
		return "", err
	}
	header := make([]byte, 3)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return "", err
	}
	buf := make([]byte, header[2])
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (c *testClient) sendWait() error {
	_, err := c.conn.Write([]byte{protocol.Version, byte(protocol.CmdWait)})
	return err
}

func (c *testClient) readWaitReply() (protocol.WaitResult, string, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return 0, "", err
	}
	result := protocol.WaitResult(header[2])
	n := header[3]
	if n == 0 {
		return result, "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return 0, "", err
	}
	return result, string(buf), nil
}

func (c *testClient) sendCall(number string) error {
	req := append([]byte{protocol.Version, byte(protocol.CmdCall), byte(len(number))}, number...)
	_, err := c.conn.Write(req)
	return err
}

func (c *testClient) readCallReply() (protocol.CallResult, error) {
	buf := make([]byte, 3)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return 0, err
	}
	return protocol.CallResult(buf[2]), nil
}

func runWorker(t *testing.T, ctx context.Context, conn net.Conn, registry *peer.Registry, done chan<- error) {
	t.Helper()
	w := New(conn, registry, NewTimeoutsSource(testTimeouts()), nil)
	go func() { done <- w.Run(ctx) }()
}

func TestWorkerSuccessfulCallAndRelay(t *testing.T) {
	store := identity.NewMemoryStore()
	registry := peer.NewRegistry(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calleeClientConn, calleeServerConn := net.Pipe()
	callerClientConn, callerServerConn := net.Pipe()

	calleeDone := make(chan error, 1)
	callerDone := make(chan error, 1)
	runWorker(t, ctx, calleeServerConn, registry, calleeDone)
	runWorker(t, ctx, callerServerConn, registry, callerDone)

	callee := newTestClient(calleeClientConn)
	if _, _, _, err := callee.handshake(nil); err != nil {
		t.Fatalf("callee handshake: %v", err)
	}
	number, err := callee.getNumber()
	if err != nil {
		t.Fatalf("callee getNumber: %v", err)
	}
	if err := callee.sendWait(); err != nil {
		t.Fatalf("callee sendWait: %v", err)
	}

	caller := newTestClient(callerClientConn)
	if _, _, _, err := caller.handshake(nil); err != nil {
		t.Fatalf("caller handshake: %v", err)
	}

	// Give the callee's WAIT loop a moment to land in the WAITING state
	// before the caller dials, mirroring a real client's own network delay.
	time.Sleep(20 * time.Millisecond)

	if err := caller.sendCall(number); err != nil {
		t.Fatalf("caller sendCall: %v", err)
	}

	callResult, err := caller.readCallReply()
	if err != nil {
		t.Fatalf("caller readCallReply: %v", err)
	}
	if callResult != protocol.CallAccepted {
		t.Fatalf("call result = %v, want CallAccepted", callResult)
	}

	waitResult, partner, err := callee.readWaitReply()
	if err != nil {
		t.Fatalf("callee readWaitReply: %v", err)
	}
	if waitResult != protocol.WaitAccepted {
		t.Fatalf("wait result = %v, want WaitAccepted", waitResult)
	}
	if partner == "" {
		t.Fatalf("wait reply did not carry caller's number")
	}

	payload := []byte("hello from caller")
	writeErr := make(chan error, 1)
	go func() {
		_, err := callerClientConn.Write(payload)
		writeErr <- err
	}()

	readBuf := make([]byte, len(payload))
	calleeClientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(calleeClientConn, readBuf); err != nil {
		t.Fatalf("relay read at callee: %v", err)
	}
	if string(readBuf) != string(payload) {
		t.Fatalf("relayed payload = %q, want %q", readBuf, payload)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("relay write at caller: %v", err)
	}

	calleeClientConn.Close()
	callerClientConn.Close()
	<-calleeDone
	<-callerDone
}

// TestWorkerRelayClosePropagatesEOFToOtherSide drives the asymmetric-close
// scenario: once two peers are linked and relaying, one side closing must
// surface as an EOF on the other side's read, without that other side ever
// closing its own conn. A relay that only copies its own inbound direction
// and never signals the partner would leave the surviving side blocked
// forever on its own still-open socket.
func TestWorkerRelayClosePropagatesEOFToOtherSide(t *testing.T) {
	store := identity.NewMemoryStore()
	registry := peer.NewRegistry(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calleeClientConn, calleeServerConn := net.Pipe()
	callerClientConn, callerServerConn := net.Pipe()

	calleeDone := make(chan error, 1)
	callerDone := make(chan error, 1)
	runWorker(t, ctx, calleeServerConn, registry, calleeDone)
	runWorker(t, ctx, callerServerConn, registry, callerDone)

	callee := newTestClient(calleeClientConn)
	if _, _, _, err := callee.handshake(nil); err != nil {
		t.Fatalf("callee handshake: %v", err)
	}
	number, err := callee.getNumber()
	if err != nil {
		t.Fatalf("callee getNumber: %v", err)
	}
	if err := callee.sendWait(); err != nil {
		t.Fatalf("callee sendWait: %v", err)
	}

	caller := newTestClient(callerClientConn)
	if _, _, _, err := caller.handshake(nil); err != nil {
		t.Fatalf("caller handshake: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := caller.sendCall(number); err != nil {
		t.Fatalf("caller sendCall: %v", err)
	}
	if result, err := caller.readCallReply(); err != nil || result != protocol.CallAccepted {
		t.Fatalf("caller readCallReply: result=%v err=%v", result, err)
	}
	if result, _, err := callee.readWaitReply(); err != nil || result != protocol.WaitAccepted {
		t.Fatalf("callee readWaitReply: result=%v err=%v", result, err)
	}

	// Only the caller's client closes. The callee's client never closes its
	// own conn; it must still observe EOF once the close propagates through
	// the worker relay on the other side.
	callerClientConn.Close()

	calleeClientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = calleeClientConn.Read(make([]byte, 1))
	if err != io.EOF {
		t.Fatalf("callee side read = %v, want io.EOF (close did not propagate)", err)
	}

	calleeClientConn.Close()
	<-calleeDone
	<-callerDone
}

func TestWorkerCallToUnknownNumberTimesOutUnavailable(t *testing.T) {
	store := identity.NewMemoryStore()
	registry := peer.NewRegistry(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)

	timeouts := testTimeouts()
	timeouts.CallTimeout = 30 * time.Millisecond
	w := New(serverConn, registry, NewTimeoutsSource(timeouts), nil)
	go func() { done <- w.Run(ctx) }()

	c := newTestClient(clientConn)
	if _, _, _, err := c.handshake(nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := c.sendCall("0000000000"); err != nil {
		t.Fatalf("sendCall: %v", err)
	}
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	result, err := c.readCallReply()
	if err != nil {
		t.Fatalf("readCallReply: %v", err)
	}
	if result != protocol.CallUnavailable {
		t.Fatalf("result = %v, want CallUnavailable", result)
	}

	clientConn.Close()
	<-done
}

func TestWorkerGetNumberIsStableAcrossCalls(t *testing.T) {
	store := identity.NewMemoryStore()
	registry := peer.NewRegistry(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	w := New(serverConn, registry, NewTimeoutsSource(testTimeouts()), nil)
	go func() { done <- w.Run(ctx) }()

	c := newTestClient(clientConn)
	if _, _, _, err := c.handshake(nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	n1, err := c.getNumber()
	if err != nil {
		t.Fatalf("getNumber #1: %v", err)
	}
	n2, err := c.getNumber()
	if err != nil {
		t.Fatalf("getNumber #2: %v", err)
	}
	if n1 != n2 {
		t.Fatalf("getNumber not stable: %q != %q", n1, n2)
	}

	clientConn.Close()
	<-done
}

func TestTimeoutsSourceStoreAndLoad(t *testing.T) {
	src := NewTimeoutsSource(testTimeouts())
	if got := src.Load().CallPoll; got != testTimeouts().CallPoll {
		t.Fatalf("initial CallPoll = %v, want %v", got, testTimeouts().CallPoll)
	}

	updated := testTimeouts()
	updated.CallPoll = 50 * time.Millisecond
	updated.CallTimeout = time.Second
	src.Store(updated)

	got := src.Load()
	if got.CallPoll != 50*time.Millisecond {
		t.Fatalf("CallPoll after Store = %v, want 50ms", got.CallPoll)
	}
	if got.CallTimeout != time.Second {
		t.Fatalf("CallTimeout after Store = %v, want 1s", got.CallTimeout)
	}
}

// TestWorkerCallTimeoutReflectsLiveReload confirms a Worker's negotiation
// loop reads the shared TimeoutsSource on each iteration rather than a
// snapshot captured once at connection start. An in-flight poll sleep can't
// be interrupted mid-wait, but the very next loop iteration after it wakes
// must see a reload that happened during that wait — here, a CallTimeout
// shrunk from 500ms to 1ms fires on the next check instead of waiting out
// the original deadline.
func TestWorkerCallTimeoutReflectsLiveReload(t *testing.T) {
	store := identity.NewMemoryStore()
	registry := peer.NewRegistry(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initial := testTimeouts()
	initial.CallPoll = 80 * time.Millisecond
	src := NewTimeoutsSource(initial)

	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	w := New(serverConn, registry, src, nil)
	go func() { done <- w.Run(ctx) }()

	c := newTestClient(clientConn)
	if _, _, _, err := c.handshake(nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := c.sendCall("0000000000"); err != nil {
		t.Fatalf("sendCall: %v", err)
	}

	// Give the CALL loop time to enter its first 80ms poll sleep, then
	// shrink CallTimeout far below the 500ms default. If the worker had
	// captured timeouts once at call start, it would still take ~500ms to
	// reply; reading live, it must reply shortly after the poll sleep it
	// was already in completes.
	time.Sleep(20 * time.Millisecond)
	reloaded := testTimeouts()
	reloaded.CallPoll = 2 * time.Millisecond
	reloaded.CallTimeout = time.Millisecond
	src.Store(reloaded)

	start := time.Now()
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	result, err := c.readCallReply()
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("readCallReply: %v", err)
	}
	if result != protocol.CallUnavailable {
		t.Fatalf("result = %v, want CallUnavailable", result)
	}
	if elapsed > 300*time.Millisecond {
		t.Fatalf("reply took %v, want well under the original 500ms CallTimeout (live reload did not take effect)", elapsed)
	}

	clientConn.Close()
	<-done
}
