//go:build tinygo

package mqttstatus

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	dialTimeout = 10 * time.Second
	dialRetries = 3
	tcpBufSize  = 1024
	mqttBufSize = 256
)

// LnetoPublisher publishes over MQTT with a short-lived connection per
// tick: dial with retries, connect, publish, disconnect.
type LnetoPublisher struct {
	stack      *xnet.StackAsync
	brokerAddr netip.AddrPort
	clientID   []byte
	logger     *slog.Logger

	rxBuf   [tcpBufSize]byte
	txBuf   [tcpBufSize]byte
	userBuf [mqttBufSize]byte
}

// NewLnetoPublisher builds a Publisher bound to one broker address.
func NewLnetoPublisher(stack *xnet.StackAsync, brokerAddr netip.AddrPort, clientID string, logger *slog.Logger) *LnetoPublisher {
	return &LnetoPublisher{stack: stack, brokerAddr: brokerAddr, clientID: []byte(clientID), logger: logger}
}

func (p *LnetoPublisher) Publish(topic string, payload []byte) error {
	rstack := p.stack.StackRetrying(5 * time.Millisecond)

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{RxBuf: p.rxBuf[:], TxBuf: p.txBuf[:], TxPacketQueueSize: 3}); err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{Decoder: mqtt.DecoderNoAlloc{UserBuffer: p.userBuf[:]}}
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT(p.clientID)
	client := mqtt.NewClient(cfg)

	lport := uint16(p.stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, p.brokerAddr, dialTimeout, dialRetries); err != nil {
		p.closeConn(&conn)
		return err
	}

	conn.SetDeadline(time.Now().Add(dialTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		p.closeConn(&conn)
		return err
	}
	for retries := 30; retries > 0 && !client.IsConnected(); retries-- {
		time.Sleep(100 * time.Millisecond)
		client.HandleNext()
	}
	if !client.IsConnected() {
		p.closeConn(&conn)
		return errPublishTimeout
	}

	pubFlags, _ := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	pubVar := mqtt.VariablesPublish{
		TopicName:        []byte(topic),
		PacketIdentifier: uint16(p.stack.Prand32()),
	}
	conn.SetDeadline(time.Now().Add(dialTimeout))
	err := client.PublishPayload(pubFlags, pubVar, payload)
	client.Disconnect(errSessionComplete)
	p.closeConn(&conn)
	return err
}

func (p *LnetoPublisher) closeConn(conn *tcp.Conn) {
	conn.Close()
	for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	p.stack.DiscardResolveHardwareAddress6(p.brokerAddr.Addr())
}

var errPublishTimeout = mqttStatusErr("mqttstatus: connect timeout")
var errSessionComplete = mqttStatusErr("mqttstatus: session complete")

type mqttStatusErr string

func (e mqttStatusErr) Error() string { return string(e) }
