// Package sensor reads measurement frames from the scale MCU over a serial
// line and keeps the most recent sample.
//
// The MCU pushes line-framed ASCII reports of the form
//
//	W:1340,T:101,B:99
//	W:1340,T:101,B:99,A:7
//
// where W is weight in dg, T temperature in tenths of a degree, B battery
// percent and A an optional active alarm code.
package sensor

import (
	"bufio"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"lox-agent/internal/errlog"
)

// FaultRecorder receives fault codes for the persisted error log.
type FaultRecorder interface {
	RecordError(code errlog.Code)
}

// Measurement is one sample from the scale MCU.
type Measurement struct {
	Weight    uint16 // dg, before tare
	Temp      uint16 // tenths of a degree
	Battery   uint16 // percent
	AlarmCode uint32 // 0 when no alarm is active
}

// Source yields the latest measurement. ok is false until the first sample
// arrives.
type Source interface {
	Latest() (m Measurement, ok bool)
}

// Static is a fixed-value Source for setups without a sensor port.
type Static struct {
	M Measurement
}

func (s Static) Latest() (Measurement, bool) { return s.M, true }

// Reader owns the serial port and a goroutine that keeps the latest sample.
type Reader struct {
	port   serial.Port
	logger *slog.Logger
	faults FaultRecorder

	mu     sync.Mutex
	latest Measurement
	have   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens the serial port and starts reading frames. Read faults are
// pushed into the error log through faults.
func Open(portName string, baud int, faults FaultRecorder, logger *slog.Logger) (*Reader, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("sensor: open %s: %w", portName, err)
	}

	r := &Reader{
		port:   port,
		logger: logger.With("component", "sensor"),
		faults: faults,
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()
	return r, nil
}

// Latest returns the most recent sample.
func (r *Reader) Latest() (Measurement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.have
}

// Close stops the read loop and closes the port.
func (r *Reader) Close() error {
	close(r.done)
	err := r.port.Close()
	r.wg.Wait()
	return err
}

func (r *Reader) readLoop() {
	defer r.wg.Done()
	scanner := bufio.NewScanner(r.port)
	for scanner.Scan() {
		select {
		case <-r.done:
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m, err := parseFrame(line)
		if err != nil {
			r.logger.Warn("bad sensor frame", "line", line, "err", err)
			r.faults.RecordError(errlog.CodeSensorRead)
			continue
		}
		r.mu.Lock()
		r.latest = m
		r.have = true
		r.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-r.done:
		default:
			r.logger.Error("sensor read", "err", err)
			r.faults.RecordError(errlog.CodeSensorRead)
		}
	}
}

// parseFrame decodes one "K:V,K:V,..." line.
func parseFrame(line string) (Measurement, error) {
	var (
		m    Measurement
		sawW bool
		sawT bool
		sawB bool
	)
	for _, part := range strings.Split(line, ",") {
		key, val, ok := strings.Cut(part, ":")
		if !ok {
			return Measurement{}, fmt.Errorf("field %q: missing separator", part)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 32)
		if err != nil {
			return Measurement{}, fmt.Errorf("field %q: %w", part, err)
		}
		switch strings.TrimSpace(key) {
		case "W":
			m.Weight = uint16(n)
			sawW = true
		case "T":
			m.Temp = uint16(n)
			sawT = true
		case "B":
			m.Battery = uint16(n)
			sawB = true
		case "A":
			m.AlarmCode = uint32(n)
		default:
			return Measurement{}, fmt.Errorf("field %q: unknown key", part)
		}
	}
	if !sawW || !sawT || !sawB {
		return Measurement{}, fmt.Errorf("incomplete frame %q", line)
	}
	return m, nil
}
