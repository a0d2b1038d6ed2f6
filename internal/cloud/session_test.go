package cloud

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lox-agent/internal/awsproto"
	"lox-agent/internal/settings"
)

type publication struct {
	topic   string
	payload []byte
}

// fakeConn records publishes in order and routes injected messages through
// the registered subscription handlers, honoring the + wildcard.
type fakeConn struct {
	mu        sync.Mutex
	pubs      []publication
	handlers  map[string]MessageHandler
	connected bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]MessageHandler), connected: true}
}

func (f *fakeConn) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, publication{topic, append([]byte(nil), payload...)})
	return nil
}

func (f *fakeConn) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeConn) deliver(t *testing.T, topic string, payload string) {
	t.Helper()
	f.mu.Lock()
	var handler MessageHandler
	for pattern, h := range f.handlers {
		if topicMatches(pattern, topic) {
			handler = h
			break
		}
	}
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription matching %s", topic)
	}
	handler(topic, []byte(payload))
}

func (f *fakeConn) published() []publication {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publication(nil), f.pubs...)
}

func (f *fakeConn) find(topic string) ([]byte, bool) {
	for _, p := range f.published() {
		if p.topic == topic {
			return p.payload, true
		}
	}
	return nil, false
}

func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "+" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}

type hookCalls struct {
	mu     sync.Mutex
	otaURL string
	resets int
}

func newTestSession(t *testing.T, conn *fakeConn) (*Session, *settings.Store, *hookCalls) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	calls := &hookCalls{}
	hooks := Hooks{
		StartOTA: func(url string) error {
			calls.mu.Lock()
			calls.otaURL = url
			calls.mu.Unlock()
			return nil
		},
		FactoryReset: func() error {
			calls.mu.Lock()
			calls.resets++
			calls.mu.Unlock()
			return nil
		},
	}
	cfg := Config{
		Broker:    "ssl://test:8883",
		Env:       "dev",
		HWVersion: "rev2",
		FWVersion: "1.4.0",
	}
	s := NewSession(cfg, store, hooks, logger)
	s.dial = func(ConnConfig) (Conn, error) { return conn, nil }
	return s, store, calls
}

func startSession(t *testing.T, s *Session, store *settings.Store) {
	t.Helper()
	store.Update(func(d *settings.Data) {
		d.ProvisionStatus = settings.ProvisionDone
		d.ThingName = "lox-thing-1"
	})
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(s.Stop)
}

func TestInitProvisionsPendingIdentity(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	cfg := Config{
		Broker:    "ssl://test:8883",
		Env:       "dev",
		Template:  "lox-fleet",
		CertFile:  filepath.Join(dir, "device.crt"),
		KeyFile:   filepath.Join(dir, "device.key"),
		FWVersion: "1.4.0",
	}
	s := NewSession(cfg, store, Hooks{}, logger)

	// First dial is the claim connection, second the device connection.
	claim := newFakeConn()
	device := newFakeConn()
	var dialMu sync.Mutex
	dials := 0
	s.dial = func(ConnConfig) (Conn, error) {
		dialMu.Lock()
		defer dialMu.Unlock()
		dials++
		if dials == 1 {
			return claim, nil
		}
		return device, nil
	}

	store.Update(func(d *settings.Data) {
		d.Dev.QRCode = "QR-0042"
		d.Dev.Flag = settings.QRCodeSet
	})

	initDone := make(chan error, 1)
	go func() { initDone <- s.Init(context.Background()) }()

	waitFor(t, func() bool {
		_, ok := claim.find("$aws/certificates/create/json")
		return ok
	}, "certificate request")
	claim.deliver(t, "$aws/certificates/create/json/accepted",
		`{"certificateId":"abc123","certificatePem":"CERT\\nPEM","privateKey":"KEY\\nPEM","certificateOwnershipToken":"tok-1"}`)

	waitFor(t, func() bool {
		_, ok := claim.find("$aws/provisioning-templates/lox-fleet/provision/json")
		return ok
	}, "register request")
	reg, _ := claim.find("$aws/provisioning-templates/lox-fleet/provision/json")
	var regReq struct {
		Parameters map[string]string `json:"parameters"`
	}
	if err := json.Unmarshal(reg, &regReq); err != nil {
		t.Fatalf("decode register request: %v", err)
	}
	if regReq.Parameters["SerialNumber"] != "QR-0042" {
		t.Fatalf("register parameters = %v", regReq.Parameters)
	}
	claim.deliver(t, "$aws/provisioning-templates/lox-fleet/provision/json/accepted",
		`{"thingName":"lox-thing-0042"}`)

	if err := <-initDone; err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(s.Stop)

	d := store.Snapshot()
	if d.ThingName != "lox-thing-0042" {
		t.Fatalf("thing name = %q", d.ThingName)
	}
	if d.ProvisionStatus != settings.ProvisionDone {
		t.Fatalf("provision status = %#x, want done", d.ProvisionStatus)
	}
	if d.Dev.Flag != settings.QRCodeConfirmed {
		t.Fatalf("identity flag = %#x, want confirmed", d.Dev.Flag)
	}
	if claim.IsConnected() {
		t.Fatal("claim connection left open")
	}
	if !s.Connected() {
		t.Fatal("session not connected after provisioning")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	s, store, _ := newTestSession(t, conn)
	startSession(t, s, store)

	s.Stop()
	s.Stop()
	if s.Connected() {
		t.Fatal("still connected after Stop")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartupReadsTareBeforeReporting(t *testing.T) {
	conn := newFakeConn()
	s, store, _ := newTestSession(t, conn)
	startSession(t, s, store)

	getTopic := "$aws/things/lox-thing-1/shadow/name/scale_tare/get"
	updTare := "$aws/things/lox-thing-1/shadow/name/scale_tare/update"
	updFW := "$aws/things/lox-thing-1/shadow/name/firmware_id/update"

	waitFor(t, func() bool {
		_, ok := conn.find(updTare)
		return ok
	}, "startup shadow reports")

	var getIdx, setIdx = -1, -1
	for i, p := range conn.published() {
		switch p.topic {
		case getTopic:
			getIdx = i
		case updTare, updFW:
			if setIdx == -1 {
				setIdx = i
			}
		}
	}
	if getIdx == -1 {
		t.Fatal("no shadow get published")
	}
	if setIdx != -1 && setIdx < getIdx {
		t.Fatalf("shadow update at %d precedes get at %d", setIdx, getIdx)
	}

	buf, _ := conn.find(updFW)
	var doc struct {
		State struct {
			Reported map[string]any `json:"reported"`
		} `json:"state"`
	}
	if err := json.Unmarshal(buf, &doc); err != nil {
		t.Fatalf("decode firmware report: %v", err)
	}
	if doc.State.Reported["firmware_id"] != "1.4.0" {
		t.Fatalf("firmware report = %v", doc.State.Reported)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	s, store, _ := newTestSession(t, conn)
	startSession(t, s, store)

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if !s.Connected() {
		t.Fatal("Connected = false after Init")
	}
}

func TestInitWithoutIdentityFails(t *testing.T) {
	conn := newFakeConn()
	s, _, _ := newTestSession(t, conn)
	if err := s.Init(context.Background()); err != ErrNoIdentity {
		t.Fatalf("Init err = %v, want ErrNoIdentity", err)
	}
}

func TestTareDeltaAdoptedAndPersisted(t *testing.T) {
	conn := newFakeConn()
	s, store, _ := newTestSession(t, conn)
	startSession(t, s, store)

	deltaTopic := "$aws/things/lox-thing-1/shadow/name/scale_tare/update/delta"
	waitFor(t, func() bool {
		conn.mu.Lock()
		_, ok := conn.handlers[deltaTopic]
		conn.mu.Unlock()
		return ok
	}, "delta subscription")

	conn.deliver(t, deltaTopic, `{"version":3,"state":{"scale_tare":140}}`)

	waitFor(t, func() bool {
		return store.Snapshot().Properties.ScaleTare == 140
	}, "tare persisted")
}

func TestDeviceInfoRequestAnswered(t *testing.T) {
	conn := newFakeConn()
	s, store, _ := newTestSession(t, conn)
	startSession(t, s, store)

	downTopic := "lox/dev/lox-thing-1/down"
	waitFor(t, func() bool {
		conn.mu.Lock()
		_, ok := conn.handlers[downTopic]
		conn.mu.Unlock()
		return ok
	}, "downstream subscription")

	conn.deliver(t, downTopic, `{"type":"req","get_dev_info":{}}`)

	upTopic := "lox/dev/lox-thing-1/up"
	waitFor(t, func() bool {
		_, ok := conn.find(upTopic)
		return ok
	}, "response on up topic")

	buf, _ := conn.find(upTopic)
	var resp struct {
		Type string `json:"type"`
		Data struct {
			Req string `json:"req"`
			RC  string `json:"rc"`
			FW  string `json:"fw"`
		} `json:"data"`
	}
	if err := json.Unmarshal(buf, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != "resp" || resp.Data.Req != "get_dev_info" || resp.Data.RC != "ok" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Data.FW != "1.4.0" {
		t.Fatalf("fw = %q", resp.Data.FW)
	}
}

func TestFirmwareUpgradeJobArmsOTA(t *testing.T) {
	conn := newFakeConn()
	s, store, calls := newTestSession(t, conn)
	startSession(t, s, store)

	notifyTopic := "$aws/things/lox-thing-1/jobs/notify-next"
	waitFor(t, func() bool {
		conn.mu.Lock()
		_, ok := conn.handlers[notifyTopic]
		conn.mu.Unlock()
		return ok
	}, "jobs subscription")

	conn.deliver(t, notifyTopic, `{
		"execution": {
			"jobId": "job-9",
			"jobDocument": {"operation": "firmware_upgrade", "url": "https://fw.example/v2.bin"}
		}
	}`)

	updateTopic := "$aws/things/lox-thing-1/jobs/job-9/update"
	waitFor(t, func() bool {
		_, ok := conn.find(updateTopic)
		return ok
	}, "job status update")

	buf, _ := conn.find(updateTopic)
	var upd struct {
		Status      string `json:"status"`
		ClientToken string `json:"clientToken"`
	}
	if err := json.Unmarshal(buf, &upd); err != nil {
		t.Fatalf("decode job update: %v", err)
	}
	if upd.Status != "IN_PROGRESS" {
		t.Fatalf("status = %q, want IN_PROGRESS", upd.Status)
	}
	if upd.ClientToken == "" {
		t.Fatal("job update without client token")
	}

	calls.mu.Lock()
	url := calls.otaURL
	calls.mu.Unlock()
	if url != "https://fw.example/v2.bin" {
		t.Fatalf("StartOTA url = %q", url)
	}
}

func TestPendingOutcomeClosesJobAfterReboot(t *testing.T) {
	conn := newFakeConn()
	s, store, _ := newTestSession(t, conn)
	store.Update(func(d *settings.Data) { d.OTA.Status = settings.OTAStateSucceeded })
	startSession(t, s, store)

	acceptedTopic := "$aws/things/lox-thing-1/jobs/$next/get/accepted"
	waitFor(t, func() bool {
		conn.mu.Lock()
		_, ok := conn.handlers[acceptedTopic]
		conn.mu.Unlock()
		return ok
	}, "jobs subscription")

	conn.deliver(t, acceptedTopic, `{
		"execution": {
			"jobId": "job-9",
			"jobDocument": {"operation": "firmware_upgrade", "url": "https://fw.example/v2.bin"}
		}
	}`)

	updateTopic := "$aws/things/lox-thing-1/jobs/job-9/update"
	waitFor(t, func() bool {
		buf, ok := conn.find(updateTopic)
		return ok && strings.Contains(string(buf), "SUCCEEDED")
	}, "SUCCEEDED job update")

	waitFor(t, func() bool {
		return store.Snapshot().OTA.Status == settings.OTAStateNone
	}, "outcome cleared")
}

func TestFactoryResetJob(t *testing.T) {
	conn := newFakeConn()
	s, store, calls := newTestSession(t, conn)
	startSession(t, s, store)

	notifyTopic := "$aws/things/lox-thing-1/jobs/notify-next"
	waitFor(t, func() bool {
		conn.mu.Lock()
		_, ok := conn.handlers[notifyTopic]
		conn.mu.Unlock()
		return ok
	}, "jobs subscription")

	conn.deliver(t, notifyTopic, `{
		"execution": {"jobId": "job-2", "jobDocument": {"operation": "factory_reset"}}
	}`)

	waitFor(t, func() bool {
		calls.mu.Lock()
		defer calls.mu.Unlock()
		return calls.resets == 1
	}, "factory reset hook")
}

func TestJobWithoutDocumentFails(t *testing.T) {
	conn := newFakeConn()
	s, store, _ := newTestSession(t, conn)
	startSession(t, s, store)

	notifyTopic := "$aws/things/lox-thing-1/jobs/notify-next"
	waitFor(t, func() bool {
		conn.mu.Lock()
		_, ok := conn.handlers[notifyTopic]
		conn.mu.Unlock()
		return ok
	}, "jobs subscription")

	conn.deliver(t, notifyTopic, `{"execution": {"jobId": "job-3"}}`)

	updateTopic := "$aws/things/lox-thing-1/jobs/job-3/update"
	waitFor(t, func() bool {
		buf, ok := conn.find(updateTopic)
		return ok && strings.Contains(string(buf), "FAILED")
	}, "FAILED job update")
}

func TestTriggerDropsWhenQueueStaysFull(t *testing.T) {
	conn := newFakeConn()
	s, _, _ := newTestSession(t, conn)

	// Worker never started, so the queue cannot drain.
	for i := 0; i < actionQueueSize; i++ {
		if !s.TriggerNotification(awsproto.NotiParam{Type: awsproto.NotiDeviceData}) {
			t.Fatalf("enqueue %d rejected with queue space left", i)
		}
	}

	start := time.Now()
	if s.TriggerNotification(awsproto.NotiParam{Type: awsproto.NotiDeviceData}) {
		t.Fatal("enqueue accepted on full queue")
	}
	if elapsed := time.Since(start); elapsed < enqueueTimeout {
		t.Fatalf("dropped after %v, before the enqueue deadline", elapsed)
	}
}
