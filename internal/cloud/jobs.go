package cloud

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"lox-agent/internal/errlog"
	"lox-agent/internal/settings"
)

// Job operations the device understands.
const (
	jobOpFirmwareUpgrade = "firmware_upgrade"
	jobOpFactoryReset    = "factory_reset"
)

// Job execution status values reported back to the cloud.
const (
	jobStatusInProgress = "IN_PROGRESS"
	jobStatusSucceeded  = "SUCCEEDED"
	jobStatusFailed     = "FAILED"
)

type jobDocument struct {
	Operation string `json:"operation"`
	URL       string `json:"url"`
}

type jobExecution struct {
	Execution *struct {
		JobID       string       `json:"jobId"`
		JobDocument *jobDocument `json:"jobDocument"`
	} `json:"execution"`
}

// describeNextJob asks the jobs service for the next queued execution. The
// answer arrives on $next/get/accepted and flows through handleJobMessage.
func (s *Session) describeNextJob() error {
	buf, err := json.Marshal(map[string]string{"clientToken": uuid.NewString()})
	if err != nil {
		return err
	}
	return s.conn.Publish(jobsTopic(s.thing, "$next/get"), buf)
}

func (s *Session) handleJobMessage(topic string, payload []byte) {
	suffix, ok := splitJobsTopic(topic)
	if !ok {
		return
	}
	switch {
	case suffix == "notify-next" || suffix == "$next/get/accepted":
		var doc jobExecution
		if err := json.Unmarshal(payload, &doc); err != nil {
			s.logger.Warn("undecodable job document", "err", err)
			return
		}
		if doc.Execution == nil {
			s.logger.Debug("no pending job")
			return
		}
		s.runJob(doc.Execution.JobID, doc.Execution.JobDocument)
	case strings.HasSuffix(suffix, "/update/accepted"):
		s.logger.Debug("job update accepted", "topic", topic)
	case strings.HasSuffix(suffix, "/update/rejected"):
		s.logger.Warn("job update rejected", "topic", topic, "payload", string(payload))
	}
}

// runJob executes one job. A firmware upgrade spans a reboot: the first
// sighting reports IN_PROGRESS and arms the upgrade, and the post-upgrade
// boot sees the persisted outcome when the same job is described again and
// closes it out.
func (s *Session) runJob(jobID string, doc *jobDocument) {
	var otaStatus uint8
	s.store.View(func(d *settings.Data) { otaStatus = d.OTA.Status })

	switch otaStatus {
	case settings.OTAStateSucceeded:
		s.updateJob(jobID, jobStatusSucceeded)
		s.clearOTAOutcome()
		return
	case settings.OTAStateFailed:
		s.updateJob(jobID, jobStatusFailed)
		s.clearOTAOutcome()
		return
	}

	if doc == nil {
		s.logger.Warn("job without document", "job", jobID)
		s.updateJob(jobID, jobStatusFailed)
		return
	}

	switch doc.Operation {
	case jobOpFirmwareUpgrade:
		s.updateJob(jobID, jobStatusInProgress)
		if err := s.hooks.StartOTA(doc.URL); err != nil {
			s.logger.Error("arm upgrade", "job", jobID, "err", err)
			s.updateJob(jobID, jobStatusFailed)
		}
	case jobOpFactoryReset:
		s.updateJob(jobID, jobStatusSucceeded)
		if err := s.hooks.FactoryReset(); err != nil {
			s.logger.Error("factory reset", "job", jobID, "err", err)
		}
	default:
		s.logger.Warn("unknown job operation", "job", jobID, "op", doc.Operation)
		s.updateJob(jobID, jobStatusFailed)
	}
}

func (s *Session) updateJob(jobID, status string) {
	buf, err := json.Marshal(map[string]string{
		"status":      status,
		"clientToken": uuid.NewString(),
	})
	if err != nil {
		return
	}
	if err := s.conn.Publish(jobsTopic(s.thing, jobID+"/update"), buf); err != nil {
		s.logger.Error("job update", "job", jobID, "status", status, "err", err)
		s.store.RecordError(errlog.CodeCloudPublish)
	}
}

func (s *Session) clearOTAOutcome() {
	s.store.Update(func(d *settings.Data) { d.OTA.Status = settings.OTAStateNone })
	if err := s.store.StoreField(settings.FieldOTA); err != nil {
		s.logger.Error("clear upgrade outcome", "err", err)
	}
}
