package tele

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/carlink-io/carlink/log2"
)

type Transporter interface {
	Init(log *log2.Log, c Config, willPayload []byte) error
	SendStatus(payload []byte) bool
	SendSensor(payload []byte) bool
	Close()
}

const defaultNetworkTimeout = 30 * time.Second

type transportMqtt struct {
	log         *log2.Log
	m           mqtt.Client
	timeout     time.Duration
	topicStatus string
	topicSensor string
}

func (t *transportMqtt) Init(log *log2.Log, c Config, willPayload []byte) error {
	t.log = log
	mqttLog := log.Clone(log2.LDebug)
	if c.MqttLogDebug {
		mqtt.CRITICAL = mqttLog
		mqtt.ERROR = mqttLog
		mqtt.WARN = mqttLog
		mqtt.DEBUG = mqttLog
	}

	t.timeout = defaultNetworkTimeout
	if c.NetworkTimeoutSec > 0 {
		t.timeout = time.Duration(c.NetworkTimeoutSec) * time.Second
	}
	keepAlive := t.timeout
	if c.KeepaliveSec > 0 {
		keepAlive = time.Duration(c.KeepaliveSec) * time.Second
	}
	if c.MqttBroker == "" {
		return errors.NotValidf("tele config mqtt_broker empty")
	}

	t.topicStatus = fmt.Sprintf("carlink/%s/status", c.CarID)
	t.topicSensor = fmt.Sprintf("carlink/%s/sensor", c.CarID)

	opts := mqtt.NewClientOptions().
		AddBroker(c.MqttBroker).
		SetClientID(c.CarID).
		SetUsername(c.CarID).
		SetPassword(c.MqttPassword).
		SetAutoReconnect(true).
		SetBinaryWill(t.topicStatus, willPayload, 1, true).
		SetCleanSession(false).
		SetConnectTimeout(t.timeout).
		SetKeepAlive(keepAlive).
		SetPingTimeout(t.timeout).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.log.Errorf("tele mqtt disconnected err=%v", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			t.log.Debugf("tele mqtt connected")
		})
	t.m = mqtt.NewClient(opts)
	if !t.tokenWait(t.m.Connect(), "connect") {
		// AutoReconnect keeps trying; a cold broker is not an Init error.
		t.log.Errorf("tele mqtt first connect failed, will retry in background")
	}
	return nil
}

func (t *transportMqtt) SendStatus(payload []byte) bool {
	return t.tokenWait(t.m.Publish(t.topicStatus, 1, true, payload), "publish status")
}

func (t *transportMqtt) SendSensor(payload []byte) bool {
	return t.tokenWait(t.m.Publish(t.topicSensor, 0, false, payload), "publish sensor")
}

func (t *transportMqtt) Close() {
	if t.m != nil {
		t.m.Disconnect(uint(t.timeout / time.Millisecond))
	}
}

func (t *transportMqtt) tokenWait(token mqtt.Token, tag string) bool {
	if !token.WaitTimeout(t.timeout) {
		t.log.Errorf("tele mqtt %s timeout", tag)
		return false
	}
	if err := token.Error(); err != nil {
		t.log.Errorf("tele mqtt %s err=%v", tag, err)
		return false
	}
	return true
}
