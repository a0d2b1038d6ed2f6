// Package provision implements AWS IoT fleet provisioning by claim: a
// factory claim certificate is used to mint a per-device certificate and
// register the device as a thing, after which the claim connection is torn
// down and the permanent credentials take over.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Certificate creation topics (fixed by the cloud API).
const (
	topicCreateCert         = "$aws/certificates/create/json"
	topicCreateCertAccepted = topicCreateCert + "/accepted"
	topicCreateCertRejected = topicCreateCert + "/rejected"
)

func topicRegisterThing(template string) string {
	return "$aws/provisioning-templates/" + template + "/provision/json"
}

// Conn is the slice of an MQTT client the provisioning flow needs.
type Conn interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// Config drives a provisioning run.
type Config struct {
	Template     string // provisioning template name
	SerialNumber string // registered as the thing's SerialNumber parameter
	CertPath     string // where the minted certificate PEM is written
	KeyPath      string // where the minted private key is written
}

// Result is the outcome of a successful run.
type Result struct {
	ThingName string
}

// Client drives one provisioning exchange over an already connected claim
// session.
type Client struct {
	conn   Conn
	cfg    Config
	logger *slog.Logger

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

// NewClient wraps conn for a single provisioning run.
func NewClient(conn Conn, cfg Config, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("component", "provision"),
		done:   make(chan struct{}),
	}
}

// Run performs the full exchange: request a certificate, persist the minted
// credentials, register the thing, and return its name. The claim connection
// is disconnected before Run returns.
func (c *Client) Run(ctx context.Context) (Result, error) {
	defer c.conn.Disconnect()

	topics := []string{
		topicCreateCertAccepted,
		topicCreateCertRejected,
		topicRegisterThing(c.cfg.Template) + "/accepted",
		topicRegisterThing(c.cfg.Template) + "/rejected",
	}
	for _, t := range topics {
		if err := c.conn.Subscribe(t, c.handleMessage); err != nil {
			return Result{}, fmt.Errorf("provision: subscribe %s: %w", t, err)
		}
	}

	c.logger.Info("requesting certificate")
	if err := c.conn.Publish(topicCreateCert, []byte("{}")); err != nil {
		return Result{}, fmt.Errorf("provision: request certificate: %w", err)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-c.done:
		return c.result, c.err
	}
}

func (c *Client) handleMessage(topic string, payload []byte) {
	switch {
	case topic == topicCreateCertAccepted:
		if err := c.handleCertificate(payload); err != nil {
			c.finish(Result{}, err)
		}
	case topic == topicRegisterThing(c.cfg.Template)+"/accepted":
		c.handleRegistered(payload)
	case strings.HasSuffix(topic, "/rejected"):
		c.finish(Result{}, fmt.Errorf("provision: rejected on %s: %s", topic, payload))
	default:
		c.logger.Warn("unexpected provisioning message", "topic", topic)
	}
}

// handleCertificate stores the minted credentials and asks for registration.
func (c *Client) handleCertificate(payload []byte) error {
	var resp struct {
		CertificateID             string `json:"certificateId"`
		CertificatePEM            string `json:"certificatePem"`
		PrivateKey                string `json:"privateKey"`
		CertificateOwnershipToken string `json:"certificateOwnershipToken"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("provision: decode certificate response: %w", err)
	}
	if resp.CertificatePEM == "" || resp.PrivateKey == "" || resp.CertificateOwnershipToken == "" {
		return errors.New("provision: incomplete certificate response")
	}

	// Payloads arrive with literal \n sequences in the PEM blocks.
	if err := writeCredential(c.cfg.CertPath, resp.CertificatePEM); err != nil {
		return err
	}
	if err := writeCredential(c.cfg.KeyPath, resp.PrivateKey); err != nil {
		return err
	}
	c.logger.Info("certificate stored", "id", resp.CertificateID)

	req := struct {
		CertificateOwnershipToken string            `json:"certificateOwnershipToken"`
		Parameters                map[string]string `json:"parameters"`
	}{
		CertificateOwnershipToken: resp.CertificateOwnershipToken,
		Parameters:                map[string]string{"SerialNumber": c.cfg.SerialNumber},
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("provision: encode register request: %w", err)
	}
	if err := c.conn.Publish(topicRegisterThing(c.cfg.Template), buf); err != nil {
		return fmt.Errorf("provision: register thing: %w", err)
	}
	return nil
}

func (c *Client) handleRegistered(payload []byte) {
	var resp struct {
		ThingName           string         `json:"thingName"`
		DeviceConfiguration map[string]any `json:"deviceConfiguration"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.finish(Result{}, fmt.Errorf("provision: decode registration response: %w", err))
		return
	}
	if resp.ThingName == "" {
		c.finish(Result{}, errors.New("provision: registration response without thing name"))
		return
	}
	c.logger.Info("thing registered", "thing", resp.ThingName)
	c.finish(Result{ThingName: resp.ThingName}, nil)
}

func (c *Client) finish(r Result, err error) {
	c.once.Do(func() {
		c.result = r
		c.err = err
		close(c.done)
	})
}

func writeCredential(path, pem string) error {
	data := strings.ReplaceAll(pem, `\n`, "\n")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("provision: write %s: %w", path, err)
	}
	return nil
}
