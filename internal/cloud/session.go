// Package cloud runs the device's MQTT session against AWS IoT Core: a
// single worker goroutine owns the connection and serializes all protocol
// work (shadows, jobs, application traffic). Other goroutines talk to it
// only through a bounded action queue.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lox-agent/internal/awsproto"
	"lox-agent/internal/errlog"
	"lox-agent/internal/provision"
	"lox-agent/internal/settings"
)

const (
	actionQueueSize = 20
	eventQueueSize  = 32
	enqueueTimeout  = 100 * time.Millisecond
	idleTick        = time.Second
)

// ErrNoIdentity is returned by Init when the device has no confirmed
// identity code and therefore cannot provision.
var ErrNoIdentity = errors.New("cloud: no device identity set")

// Hooks are the device-side effects the session can trigger. Both may
// reboot and not return.
type Hooks struct {
	StartOTA     func(url string) error
	FactoryReset func() error
}

// Config holds the cloud endpoint and credential locations.
type Config struct {
	Broker        string
	Env           string // topic namespace: dev, prod
	RootCA        string
	CertFile      string // per-device certificate (written by provisioning)
	KeyFile       string
	ClaimCertFile string // factory claim credentials
	ClaimKeyFile  string
	Template      string // fleet provisioning template
	HWVersion     string
	FWVersion     string
}

type actionKind uint8

const (
	actionShadowGet actionKind = iota
	actionShadowSet
	actionNotify
	actionRespond
)

// action is the closed set of requests the worker accepts.
type action struct {
	kind   actionKind
	shadow awsproto.ShadowName
	noti   awsproto.NotiParam
	resp   awsproto.RespParam
}

type inbound struct {
	topic   string
	payload []byte
}

// Session is the cloud session engine.
type Session struct {
	cfg    Config
	store  *settings.Store
	hooks  Hooks
	logger *slog.Logger

	// dial is swapped for a fake in tests.
	dial func(ConnConfig) (Conn, error)

	actions chan action
	events  chan inbound
	lost    chan error

	mu      sync.Mutex
	started bool
	conn    Conn
	thing   string

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSession builds a session; it does not connect until Init.
func NewSession(cfg Config, store *settings.Store, hooks Hooks, logger *slog.Logger) *Session {
	return &Session{
		cfg:     cfg,
		store:   store,
		hooks:   hooks,
		logger:  logger.With("component", "cloud"),
		dial:    Dial,
		actions: make(chan action, actionQueueSize),
		events:  make(chan inbound, eventQueueSize),
		lost:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Init brings the session up from whatever state the device is in: an
// already provisioned device connects directly, a device holding an
// unconfirmed identity code provisions first, a device with no identity
// cannot proceed. Init is idempotent; repeated calls after a successful
// start are no-ops.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	d := s.store.Snapshot()
	switch {
	case d.ProvisionStatus == settings.ProvisionDone:
		return s.start(d.ThingName)
	case d.Dev.Flag == settings.QRCodeSet:
		if err := s.provisionThing(ctx, d.Dev.QRCode); err != nil {
			return err
		}
		return s.start(s.store.Snapshot().ThingName)
	default:
		return ErrNoIdentity
	}
}

// provisionThing runs fleet provisioning over the claim credentials and
// persists the confirmed identity.
func (s *Session) provisionThing(ctx context.Context, qrCode string) error {
	conn, err := s.dial(ConnConfig{
		Broker:   s.cfg.Broker,
		ClientID: "lox-provision-" + qrCode,
		RootCA:   s.cfg.RootCA,
		CertFile: s.cfg.ClaimCertFile,
		KeyFile:  s.cfg.ClaimKeyFile,
	})
	if err != nil {
		s.store.RecordError(errlog.CodeCloudConnect)
		return fmt.Errorf("cloud: claim connect: %w", err)
	}

	client := provision.NewClient(conn, provision.Config{
		Template:     s.cfg.Template,
		SerialNumber: qrCode,
		CertPath:     s.cfg.CertFile,
		KeyPath:      s.cfg.KeyFile,
	}, s.logger)

	res, err := client.Run(ctx)
	if err != nil {
		return err
	}

	s.store.Update(func(d *settings.Data) {
		d.ThingName = res.ThingName
		d.ProvisionStatus = settings.ProvisionDone
		d.Dev.Flag = settings.QRCodeConfirmed
	})
	var errs []error
	for _, f := range []string{settings.FieldThingName, settings.FieldProvisionStatus, settings.FieldDev} {
		if err := s.store.StoreField(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// start connects with the device certificate and launches the worker.
func (s *Session) start(thing string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	conn, err := s.dial(ConnConfig{
		Broker:   s.cfg.Broker,
		ClientID: thing,
		RootCA:   s.cfg.RootCA,
		CertFile: s.cfg.CertFile,
		KeyFile:  s.cfg.KeyFile,
		OnLost: func(err error) {
			select {
			case s.lost <- err:
			default:
			}
		},
	})
	if err != nil {
		s.store.RecordError(errlog.CodeCloudConnect)
		return fmt.Errorf("cloud: connect: %w", err)
	}

	s.conn = conn
	s.thing = thing
	s.started = true
	s.wg.Add(1)
	go s.worker()
	s.logger.Info("session started", "thing", thing)
	return nil
}

// Stop terminates the worker and drops the connection. Calling it again
// is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.conn.Disconnect()
		s.logger.Info("session stopped")
	})
}

// Connected reports whether the session is started and the link is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.conn.IsConnected()
}

// TriggerShadowGet asks the worker to re-read the named shadow from the
// cloud. Returns false if the queue stayed full past the enqueue deadline.
func (s *Session) TriggerShadowGet(name awsproto.ShadowName) bool {
	return s.enqueue(action{kind: actionShadowGet, shadow: name})
}

// TriggerShadowUpdate asks the worker to report the current value of the
// named shadow.
func (s *Session) TriggerShadowUpdate(name awsproto.ShadowName) bool {
	return s.enqueue(action{kind: actionShadowSet, shadow: name})
}

// TriggerNotification asks the worker to publish a notification upstream.
func (s *Session) TriggerNotification(p awsproto.NotiParam) bool {
	return s.enqueue(action{kind: actionNotify, noti: p})
}

// TriggerResponse asks the worker to publish a request response upstream.
func (s *Session) TriggerResponse(p awsproto.RespParam) bool {
	return s.enqueue(action{kind: actionRespond, resp: p})
}

func (s *Session) enqueue(a action) bool {
	select {
	case s.actions <- a:
		return true
	case <-time.After(enqueueTimeout):
		s.logger.Warn("action queue full, dropping", "kind", a.kind)
		return false
	case <-s.done:
		return false
	}
}

// worker owns the connection. All subscribes, publishes and protocol state
// transitions happen here.
func (s *Session) worker() {
	defer s.wg.Done()

	if err := s.setup(); err != nil {
		s.logger.Error("session setup", "err", err)
		s.store.RecordError(errlog.CodeCloudConnect)
	}

	for {
		select {
		case <-s.done:
			return
		case err := <-s.lost:
			s.logger.Warn("connection lost, reconnecting", "err", err)
			s.store.RecordError(errlog.CodeCloudConnect)
		case a := <-s.actions:
			s.execute(a)
		case m := <-s.events:
			s.dispatch(m)
		case <-time.After(idleTick):
		}
	}
}

// setup subscribes everything and runs the shadow and jobs start sequences.
func (s *Session) setup() error {
	forward := func(topic string, payload []byte) {
		select {
		case s.events <- inbound{topic, payload}:
		default:
			s.logger.Warn("event queue full, dropping", "topic", topic)
		}
	}

	topics := []string{
		downTopic(s.cfg.Env, s.thing),
		shadowTopic(s.thing, shadowName(awsproto.ShadowScaleTare), "get/accepted"),
		shadowTopic(s.thing, shadowName(awsproto.ShadowScaleTare), "get/rejected"),
		shadowTopic(s.thing, shadowName(awsproto.ShadowScaleTare), "update/delta"),
		shadowTopic(s.thing, shadowName(awsproto.ShadowFirmwareID), "update/rejected"),
		shadowTopic(s.thing, shadowName(awsproto.ShadowScaleTare), "update/rejected"),
		jobsTopic(s.thing, "notify-next"),
		jobsTopic(s.thing, "$next/get/accepted"),
		jobsTopic(s.thing, "+/update/accepted"),
		jobsTopic(s.thing, "+/update/rejected"),
	}
	for _, t := range topics {
		if err := s.conn.Subscribe(t, forward); err != nil {
			return err
		}
	}

	// The cloud-owned tare is read before any local value is reported so a
	// value set while the device was offline is never clobbered.
	if err := s.conn.Publish(shadowTopic(s.thing, shadowName(awsproto.ShadowScaleTare), "get"), nil); err != nil {
		return err
	}
	if err := s.reportShadow(awsproto.ShadowFirmwareID); err != nil {
		return err
	}
	if err := s.reportShadow(awsproto.ShadowScaleTare); err != nil {
		return err
	}

	return s.describeNextJob()
}

func (s *Session) execute(a action) {
	var err error
	switch a.kind {
	case actionShadowGet:
		err = s.conn.Publish(shadowTopic(s.thing, shadowName(a.shadow), "get"), nil)
	case actionShadowSet:
		err = s.reportShadow(a.shadow)
	case actionNotify:
		var buf []byte
		if buf, err = awsproto.BuildNotification(a.noti); err == nil {
			err = s.conn.Publish(upTopic(s.cfg.Env, s.thing), buf)
		}
	case actionRespond:
		var buf []byte
		if buf, err = awsproto.BuildResponse(a.resp); err == nil {
			err = s.conn.Publish(upTopic(s.cfg.Env, s.thing), buf)
		}
	}
	if err != nil {
		s.logger.Error("action failed", "kind", a.kind, "err", err)
		s.store.RecordError(errlog.CodeCloudPublish)
	}
}

func (s *Session) dispatch(m inbound) {
	switch {
	case m.topic == downTopic(s.cfg.Env, s.thing):
		s.handleDownstream(m.payload)
	case hasShadowTopic(m.topic):
		s.handleShadowMessage(m.topic, m.payload)
	case hasJobsTopic(m.topic):
		s.handleJobMessage(m.topic, m.payload)
	default:
		s.logger.Warn("message on unexpected topic", "topic", m.topic)
	}
}

func (s *Session) handleDownstream(payload []byte) {
	d, ok := awsproto.ParseDownstream(payload)
	if !ok {
		s.logger.Warn("undecodable downstream packet", "payload", string(payload))
		return
	}
	switch d.Kind {
	case awsproto.DownstreamRequest:
		s.handleRequest(d.Req)
	case awsproto.DownstreamAck:
		name, _ := d.Noti.Name()
		s.logger.Debug("notification acknowledged", "nt", name)
	}
}

func (s *Session) handleRequest(req awsproto.ReqType) {
	resp := awsproto.RespParam{Req: req, HW: s.cfg.HWVersion, FW: s.cfg.FWVersion}
	switch req {
	case awsproto.ReqGetDeviceInfo:
		resp.Res = awsproto.ResOK
	default:
		resp.Res = awsproto.ResInvalidOperation
	}
	s.execute(action{kind: actionRespond, resp: resp})
}

func (s *Session) handleShadowMessage(topic string, payload []byte) {
	shadow, op, ok := splitShadowTopic(topic)
	if !ok {
		return
	}
	name, ok := awsproto.ShadowByName(shadow)
	if !ok {
		s.logger.Warn("message for unknown shadow", "shadow", shadow)
		return
	}

	switch op {
	case "update/delta", "get/accepted":
		s.adoptShadow(name, payload)
	case "get/rejected", "update/rejected":
		s.logger.Warn("shadow request rejected", "shadow", shadow, "op", op, "payload", string(payload))
	}
}

// adoptShadow applies a cloud-desired value locally and reports it back.
func (s *Session) adoptShadow(name awsproto.ShadowName, payload []byte) {
	state, ok := awsproto.ExtractDesired(payload)
	if !ok {
		return
	}
	switch name {
	case awsproto.ShadowScaleTare:
		var tare uint16
		if !awsproto.ParseShadowPacket(name, state, &tare) {
			return
		}
		s.store.Update(func(d *settings.Data) { d.Properties.ScaleTare = tare })
		if err := s.store.StoreField(settings.FieldProperties); err != nil {
			s.logger.Error("persist tare", "err", err)
		}
		s.logger.Info("tare adopted from shadow", "tare", tare)
	case awsproto.ShadowFirmwareID:
		// Firmware identity is device-owned; desired values are not adopted.
	}
	if err := s.reportShadow(name); err != nil {
		s.logger.Error("report shadow", "shadow", name, "err", err)
		s.store.RecordError(errlog.CodeCloudPublish)
	}
}

// reportShadow publishes the current local value of the named shadow.
func (s *Session) reportShadow(name awsproto.ShadowName) error {
	var value any
	switch name {
	case awsproto.ShadowFirmwareID:
		value = s.cfg.FWVersion
	case awsproto.ShadowScaleTare:
		var tare uint16
		s.store.View(func(d *settings.Data) { tare = d.Properties.ScaleTare })
		value = tare
	default:
		return &awsproto.UnknownShadowError{Name: name}
	}
	buf, err := awsproto.BuildShadowUpdate(name, value)
	if err != nil {
		return err
	}
	return s.conn.Publish(shadowTopic(s.thing, shadowName(name), "update"), buf)
}

func shadowName(n awsproto.ShadowName) string {
	s, _ := n.Name()
	return s
}

func hasShadowTopic(topic string) bool {
	_, _, ok := splitShadowTopic(topic)
	return ok
}

func hasJobsTopic(topic string) bool {
	_, ok := splitJobsTopic(topic)
	return ok
}
