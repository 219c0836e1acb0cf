package ws

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

type recordingClient struct {
	payloads chan []byte
	failSend bool
	closed   bool
}

func newRecordingClient() *recordingClient {
	return &recordingClient{payloads: make(chan []byte, 16)}
}

func (c *recordingClient) Send(payload []byte) error {
	if c.failSend {
		return errors.New("send failed")
	}
	c.payloads <- payload
	return nil
}

func (c *recordingClient) Close() { c.closed = true }

func (c *recordingClient) receive(t *testing.T) domain.MonitoringAlert {
	t.Helper()
	select {
	case payload := <-c.payloads:
		var alert domain.MonitoringAlert
		if err := json.Unmarshal(payload, &alert); err != nil {
			t.Fatalf("unmarshal alert: %v", err)
		}
		return alert
	case <-time.After(time.Second):
		t.Fatalf("no payload delivered")
		return domain.MonitoringAlert{}
	}
}

func TestBroadcastReachesSessionAndFirehose(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	session := newRecordingClient()
	all := newRecordingClient()
	other := newRecordingClient()
	hub.Register("s1", session)
	hub.Register("*", all)
	hub.Register("s2", other)

	hub.Broadcast(domain.MonitoringAlert{ID: "a1", SessionID: "s1", Rule: "test"})

	if got := session.receive(t); got.ID != "a1" {
		t.Fatalf("session subscriber got %+v", got)
	}
	if got := all.receive(t); got.ID != "a1" {
		t.Fatalf("firehose subscriber got %+v", got)
	}
	select {
	case <-other.payloads:
		t.Fatalf("unrelated session must not receive the alert")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSystemAlertGoesToFirehoseOnly(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	all := newRecordingClient()
	hub.Register("*", all)
	hub.Broadcast(domain.MonitoringAlert{ID: "sys", Rule: "emergency_disable"})

	if got := all.receive(t); got.ID != "sys" {
		t.Fatalf("firehose subscriber got %+v", got)
	}
}

func TestFailingSubscriberIsDropped(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := newRecordingClient()
	broken.failSend = true
	healthy := newRecordingClient()
	hub.Register("s1", broken)
	hub.Register("s1", healthy)

	hub.Broadcast(domain.MonitoringAlert{ID: "a1", SessionID: "s1"})
	healthy.receive(t)

	hub.Broadcast(domain.MonitoringAlert{ID: "a2", SessionID: "s1"})
	if got := healthy.receive(t); got.ID != "a2" {
		t.Fatalf("healthy subscriber got %+v", got)
	}
	if !broken.closed {
		t.Fatalf("failing subscriber must be closed")
	}
}

func TestRegisterAndUnregisterReturnAfterClose(t *testing.T) {
	hub := NewHub()
	hub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		client := newRecordingClient()
		hub.Register("s1", client)
		hub.Unregister("s1", client)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("register/unregister blocked on closed hub")
	}
}
