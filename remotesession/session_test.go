package remotesession

import (
	"bytes"
	"net"
	"testing"

	"openenterprise/wifimgr/remotecrypto"
)

func pipePair(t *testing.T) (Conn, Conn) {
	t.Helper()
	a, b := net.Pipe()
	return NewNetConn(a), NewNetConn(b)
}

func testGreeting() Greeting {
	return Greeting{BoardID: [8]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}, Version: "wifimgr-test"}
}

func TestHandshakeAndEncryptedExchange(t *testing.T) {
	serverConn, clientConn := pipePair(t)
	stretched := remotecrypto.Stretch([]byte("shared-secret"))

	type result struct {
		sess *Session
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		s, err := Accept(serverConn, stretched, true, testGreeting(), CryptoRandSource{})
		serverCh <- result{s, err}
	}()

	client, greeting, err := Dial(clientConn, stretched, CryptoRandSource{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if greeting.Version != "wifimgr-test" {
		t.Fatalf("greeting version = %q, want %q", greeting.Version, "wifimgr-test")
	}
	if greeting.BoardID != testGreeting().BoardID {
		t.Fatalf("greeting board id = %x, want %x", greeting.BoardID, testGreeting().BoardID)
	}
	sr := <-serverCh
	if sr.err != nil {
		t.Fatalf("Accept: %v", sr.err)
	}
	server := sr.sess

	req := Frame{
		Header:  remotecrypto.Header{MsgType: 1, ParameterOrResult: 0},
		Payload: []byte("hello device"),
	}
	done := make(chan error, 1)
	go func() { done <- client.SendFrame(req) }()

	got, err := server.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if !bytes.Equal(got.Payload, req.Payload) {
		t.Fatalf("payload = %q, want %q", got.Payload, req.Payload)
	}
	if got.Header.MsgType != 1 {
		t.Fatalf("msg type = %d, want 1", got.Header.MsgType)
	}

	resp := Frame{
		Header:  remotecrypto.Header{MsgType: 1, ParameterOrResult: 0},
		Payload: []byte("ack"),
	}
	done2 := make(chan error, 1)
	go func() { done2 <- server.SendFrame(resp) }()
	gotResp, err := client.RecvFrame()
	if err != nil {
		t.Fatalf("client RecvFrame: %v", err)
	}
	if err := <-done2; err != nil {
		t.Fatalf("server SendFrame: %v", err)
	}
	if !bytes.Equal(gotResp.Payload, resp.Payload) {
		t.Fatalf("resp payload = %q, want %q", gotResp.Payload, resp.Payload)
	}
}

func TestHandshakeWrongSecretFails(t *testing.T) {
	serverConn, clientConn := pipePair(t)
	serverSecret := remotecrypto.Stretch([]byte("real-secret"))
	clientSecret := remotecrypto.Stretch([]byte("wrong-secret"))

	errCh := make(chan error, 1)
	go func() {
		_, err := Accept(serverConn, serverSecret, true, testGreeting(), CryptoRandSource{})
		errCh <- err
	}()

	_, _, clientErr := Dial(clientConn, clientSecret, CryptoRandSource{})
	serverErr := <-errCh

	if clientErr == nil && serverErr == nil {
		t.Fatalf("expected at least one side to reject a mismatched secret")
	}
}

func TestHandshakeNoSecretConfigured(t *testing.T) {
	serverConn, clientConn := pipePair(t)
	stretched := remotecrypto.Stretch([]byte("irrelevant"))

	errCh := make(chan error, 1)
	go func() {
		_, err := Accept(serverConn, stretched, false, testGreeting(), CryptoRandSource{})
		errCh <- err
	}()

	_, _, clientErr := Dial(clientConn, stretched, CryptoRandSource{})
	if clientErr == nil {
		t.Fatalf("expected client to observe NO_SECRET_ERROR")
	}
	we, ok := clientErr.(WireError)
	if !ok || we.Code != ErrNoSecret {
		t.Fatalf("client err = %v, want WireError{Code: ErrNoSecret}", clientErr)
	}
	if serverErr := <-errCh; serverErr != ErrNoSecretConfig {
		t.Fatalf("server err = %v, want ErrNoSecretConfig", serverErr)
	}
}

func TestRecvFrameRejectsOversizedDataSize(t *testing.T) {
	serverConn, clientConn := pipePair(t)
	stretched := remotecrypto.Stretch([]byte("secret"))

	serverCh := make(chan *Session, 1)
	go func() {
		s, err := Accept(serverConn, stretched, true, testGreeting(), CryptoRandSource{})
		if err != nil {
			serverCh <- nil
			return
		}
		serverCh <- s
	}()
	client, _, err := Dial(clientConn, stretched, CryptoRandSource{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-serverCh
	if server == nil {
		t.Fatalf("server handshake failed")
	}

	// Forge a header claiming an oversized payload and send it directly,
	// bypassing SendFrame's own size check, to exercise RecvFrame's guard.
	badHeader := remotecrypto.Header{DataSize: MaxDataSize + 1}
	block := badHeader.Marshal()
	buf := block[:]
	if err := client.cipher.EncryptBlocks(buf); err != nil {
		t.Fatalf("EncryptBlocks: %v", err)
	}
	go writeFull(clientConn, buf)
	// RecvFrame answers with an encrypted error frame before failing; drain
	// it so that write does not block on the unbuffered pipe.
	go func() {
		var b [16]byte
		for {
			if _, err := clientConn.Read(b[:]); err != nil {
				return
			}
		}
	}()

	_, err = server.RecvFrame()
	if err != ErrPayloadTooLarge {
		t.Fatalf("RecvFrame error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestRecvFrameRejectsTamperedHash(t *testing.T) {
	serverConn, clientConn := pipePair(t)
	stretched := remotecrypto.Stretch([]byte("secret"))

	serverCh := make(chan *Session, 1)
	go func() {
		s, _ := Accept(serverConn, stretched, true, testGreeting(), CryptoRandSource{})
		serverCh <- s
	}()
	client, _, err := Dial(clientConn, stretched, CryptoRandSource{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-serverCh
	if server == nil {
		t.Fatalf("server handshake failed")
	}

	payload := padToBlock([]byte("tampered"))
	header := remotecrypto.Header{DataSize: uint32(len("tampered"))}
	header.DataHash = header.ComputeHash([]byte("tampered"))
	header.DataHash[0] ^= 0xFF // flip one byte of the hash
	block := header.Marshal()
	out := append(append([]byte{}, block[:]...), payload...)
	if err := client.cipher.EncryptBlocks(out); err != nil {
		t.Fatalf("EncryptBlocks: %v", err)
	}
	go writeFull(clientConn, out)
	// RecvFrame answers with an encrypted error frame before failing; drain
	// it so that write does not block on the unbuffered pipe.
	go func() {
		var b [16]byte
		for {
			if _, err := clientConn.Read(b[:]); err != nil {
				return
			}
		}
	}()

	_, err = server.RecvFrame()
	if err != ErrHashMismatch {
		t.Fatalf("RecvFrame error = %v, want ErrHashMismatch", err)
	}
}

// nonBlockingConn makes a blocking net.Pipe end behave like lneto's
// non-blocking tcp.Conn: every third Read reports (0, nil) before any
// bytes are delivered and data arrives at most five bytes per call, and
// every fourth Write reports (0, nil) as if the tx buffer were
// momentarily full. A session must treat both as "no progress yet, retry"
// rather than as errors.
type nonBlockingConn struct {
	inner      Conn
	readCalls  int
	writeCalls int
}

func (c *nonBlockingConn) Read(buf []byte) (int, error) {
	c.readCalls++
	if c.readCalls%3 == 1 {
		return 0, nil
	}
	if len(buf) > 5 {
		buf = buf[:5]
	}
	return c.inner.Read(buf)
}

func (c *nonBlockingConn) Write(buf []byte) (int, error) {
	c.writeCalls++
	if c.writeCalls%4 == 0 {
		return 0, nil
	}
	return c.inner.Write(buf)
}

func (c *nonBlockingConn) Flush() error { return c.inner.Flush() }
func (c *nonBlockingConn) Close() error { return c.inner.Close() }
func (c *nonBlockingConn) Abort()       { c.inner.Abort() }

func TestHandshakeAndExchangeOverNonBlockingTransport(t *testing.T) {
	serverConn, clientConn := pipePair(t)
	stretched := remotecrypto.Stretch([]byte("shared-secret"))

	type result struct {
		sess *Session
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		s, err := Accept(&nonBlockingConn{inner: serverConn}, stretched, true, testGreeting(), CryptoRandSource{})
		serverCh <- result{s, err}
	}()

	client, _, err := Dial(clientConn, stretched, CryptoRandSource{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sr := <-serverCh
	if sr.err != nil {
		t.Fatalf("Accept over non-blocking transport: %v", sr.err)
	}
	server := sr.sess

	req := Frame{
		Header:  remotecrypto.Header{MsgType: 130},
		Payload: []byte("payload that spans multiple partial reads"),
	}
	done := make(chan error, 1)
	go func() { done <- client.SendFrame(req) }()

	got, err := server.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame over non-blocking transport: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if !bytes.Equal(got.Payload, req.Payload) {
		t.Fatalf("payload = %q, want %q", got.Payload, req.Payload)
	}

	resp := Frame{
		Header:  remotecrypto.Header{MsgType: ErrOK},
		Payload: []byte("reply over stuttering writes"),
	}
	done2 := make(chan error, 1)
	go func() { done2 <- server.SendFrame(resp) }()
	gotResp, err := client.RecvFrame()
	if err != nil {
		t.Fatalf("client RecvFrame: %v", err)
	}
	if err := <-done2; err != nil {
		t.Fatalf("server SendFrame over non-blocking transport: %v", err)
	}
	if !bytes.Equal(gotResp.Payload, resp.Payload) {
		t.Fatalf("resp payload = %q, want %q", gotResp.Payload, resp.Payload)
	}
}

func TestBlockAlign(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 16, 15: 16, 16: 16, 17: 32}
	for in, want := range cases {
		if got := blockAlign(in); got != want {
			t.Fatalf("blockAlign(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestGreetingRoundTrip(t *testing.T) {
	g := testGreeting()
	block := buildGreetingBlock(g)
	if len(block)%16 != 0 {
		t.Fatalf("greeting block length %d not block-aligned", len(block))
	}
	if block[0] != IDGreeting {
		t.Fatalf("greeting id = %d, want %d", block[0], IDGreeting)
	}
	got, err := decodeGreeting(block)
	if err != nil {
		t.Fatalf("decodeGreeting: %v", err)
	}
	if got != g {
		t.Fatalf("decodeGreeting = %+v, want %+v", got, g)
	}
}
