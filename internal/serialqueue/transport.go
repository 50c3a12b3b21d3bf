// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package serialqueue

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

// Transport is what the serial queue reads frames from and writes frames
// to. *serial.Port and the emulated pipe transport below both satisfy it.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// OpenSerialTransport opens a real serial port at the given baud rate
// using tarm/serial.
func OpenSerialTransport(name string, baud int, readTimeout time.Duration) (Transport, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// pipeTransport is a Transport backed by a pair of io.Pipes, letting an
// emulated MCU live in the same process as the host for tests and the
// replay-moves CLI subcommand.
type pipeTransport struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeTransport) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeTransport) Close() error {
	rerr := p.r.Close()
	werr := p.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// NewEmulatedLink returns two connected Transports, host and mcu: bytes
// written to one are read from the other, in both directions.
func NewEmulatedLink() (host Transport, mcu Transport) {
	hostToMCUR, hostToMCUW := io.Pipe()
	mcuToHostR, mcuToHostW := io.Pipe()
	host = &pipeTransport{r: mcuToHostR, w: hostToMCUW}
	mcu = &pipeTransport{r: hostToMCUR, w: mcuToHostW}
	return host, mcu
}
