package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Device spec forms accepted by OpenSource and NewSinkOpener.
const (
	DeviceNone  = "none"
	DeviceStdin = "-"
	execPrefix  = "exec:"
)

// OpenSource opens a capture device producing frames of frameSize samples
// per channel in the given format. It returns (nil, nil) for "none" or an
// empty spec. Devices deliver raw little-endian PCM16:
//
//	-              standard input
//	exec:<cmd>     stdout of a spawned command, e.g. exec:arecord -q -f S16_LE -r 48000 -c 1 -t raw
//	<path>         a file or FIFO
func OpenSource(spec string, format Format, frameSize int) (Source, error) {
	spec = strings.TrimSpace(spec)
	fail := func(err error) (Source, error) {
		return nil, &DeviceError{Direction: "capture", Spec: spec, Err: err}
	}

	if format.SampleRate <= 0 || format.Channels <= 0 || frameSize <= 0 {
		return fail(fmt.Errorf("invalid capture format %s with frame size %d", format, frameSize))
	}

	switch {
	case spec == "" || spec == DeviceNone:
		return nil, nil

	case spec == DeviceStdin:
		return newPCMSource(os.Stdin, nil, format, frameSize), nil

	case strings.HasPrefix(spec, execPrefix):
		cmd, err := command(strings.TrimPrefix(spec, execPrefix), format)
		if err != nil {
			return fail(err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fail(err)
		}
		if err := cmd.Start(); err != nil {
			return fail(err)
		}
		return newPCMSource(stdout, func() error { return stopCommand(cmd) }, format, frameSize), nil

	default:
		f, err := os.Open(spec)
		if err != nil {
			return fail(err)
		}
		return newPCMSource(f, f.Close, format, frameSize), nil
	}
}

// NewSinkOpener returns an opener for a playback device, or nil for "none".
// Command specs may reference {rate} and {channels}; they are filled in from
// the first inbound frame, e.g. exec:aplay -q -f S16_LE -r {rate} -c {channels}.
func NewSinkOpener(spec string) SinkOpener {
	spec = strings.TrimSpace(spec)

	switch {
	case spec == "" || spec == DeviceNone:
		return nil

	case strings.HasPrefix(spec, execPrefix):
		return func(format Format) (Sink, error) {
			cmd, err := command(strings.TrimPrefix(spec, execPrefix), format)
			if err != nil {
				return nil, &DeviceError{Direction: "playback", Spec: spec, Err: err}
			}
			stdin, err := cmd.StdinPipe()
			if err != nil {
				return nil, &DeviceError{Direction: "playback", Spec: spec, Err: err}
			}
			if err := cmd.Start(); err != nil {
				return nil, &DeviceError{Direction: "playback", Spec: spec, Err: err}
			}
			return &pcmSink{w: stdin, close: func() error {
				return errors.Join(stdin.Close(), cmd.Wait())
			}}, nil
		}

	default:
		return func(Format) (Sink, error) {
			f, err := os.Create(spec)
			if err != nil {
				return nil, &DeviceError{Direction: "playback", Spec: spec, Err: err}
			}
			bw := bufio.NewWriter(f)
			return &pcmSink{w: bw, close: func() error {
				return errors.Join(bw.Flush(), f.Close())
			}}, nil
		}
	}
}

// ---------------------------------------------------------------------------
// Raw PCM16 source and sink
// ---------------------------------------------------------------------------

// pcmSource reads fixed-size frames from r. Reads run on a pump goroutine
// handing frames over an unbuffered channel, so ReadFrame can return on
// cancellation even when r cannot be interrupted.
//
// Close unblocks a pending read by expiring the read deadline of readers
// that support one (command pipes, FIFOs). Standard input usually does not:
// a pump blocked on it stays parked until the next read returns, and since
// stdin is never closed that may be the end of the process.
type pcmSource struct {
	r         io.Reader
	closeFn   func() error
	format    Format
	frameSize int

	startOnce sync.Once
	frames    chan Frame
	readErr   error // set before frames is closed
	done      chan struct{}
	stopped   chan struct{} // closed when the pump has exited or never ran

	closeOnce sync.Once
	closeErr  error
}

func newPCMSource(r io.Reader, closeFn func() error, format Format, frameSize int) *pcmSource {
	return &pcmSource{
		r:         r,
		closeFn:   closeFn,
		format:    format,
		frameSize: frameSize,
		frames:    make(chan Frame),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (s *pcmSource) pump() {
	defer close(s.stopped)
	defer close(s.frames)
	for {
		samples := make([]int16, s.frameSize*s.format.Channels)
		if err := binary.Read(s.r, binary.LittleEndian, samples); err != nil {
			select {
			case <-s.done:
			default:
				s.readErr = err
			}
			return
		}
		select {
		case s.frames <- Frame{Samples: samples, Format: s.format, Timestamp: time.Now()}:
		case <-s.done:
			return
		}
	}
}

// ReadFrame blocks until frameSize*channels samples have been read. A
// trailing partial frame is reported as io.ErrUnexpectedEOF.
func (s *pcmSource) ReadFrame(ctx context.Context) (Frame, error) {
	s.startOnce.Do(func() { go s.pump() })

	select {
	case f, ok := <-s.frames:
		if !ok {
			if s.readErr != nil {
				return Frame{}, s.readErr
			}
			return Frame{}, io.ErrClosedPipe
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.done:
		return Frame{}, io.ErrClosedPipe
	}
}

func (s *pcmSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.startOnce.Do(func() { close(s.stopped) })
		if d, ok := s.r.(interface{ SetReadDeadline(time.Time) error }); ok {
			if err := d.SetReadDeadline(time.Now()); err != nil && !errors.Is(err, os.ErrNoDeadline) {
				s.closeErr = err
			}
		}
		if s.closeFn != nil {
			s.closeErr = errors.Join(s.closeErr, s.closeFn())
		}
	})
	return s.closeErr
}

type pcmSink struct {
	w     io.Writer
	close func() error
}

func (s *pcmSink) WriteFrame(f Frame) error {
	return binary.Write(s.w, binary.LittleEndian, f.Samples)
}

func (s *pcmSink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// command builds an exec.Cmd from a whitespace-separated command line with
// {rate} and {channels} substituted.
func command(line string, format Format) (*exec.Cmd, error) {
	line = strings.NewReplacer(
		"{rate}", strconv.Itoa(format.SampleRate),
		"{channels}", strconv.Itoa(format.Channels),
	).Replace(line)

	args := strings.Fields(line)
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// stopCommand kills a capture process and reaps it. A killed process is the
// expected outcome, so its exit status is not reported.
func stopCommand(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	_ = cmd.Wait()
	return nil
}
