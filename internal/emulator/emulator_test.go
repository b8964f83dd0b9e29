package emulator

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xedgesim/cosim/internal/event"
	"github.com/xedgesim/cosim/internal/xerrors"
)

// fakeMonitor accepts one connection and replies to every line-terminated
// command with "ok\n(monitor) ", mirroring the emulator's monitor prompt
// framing closely enough to drive sendCommand.
func fakeMonitor(t *testing.T, recv chan<- string) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		var partial []byte
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				partial = append(partial, buf[:n]...)
				for {
					idx := -1
					for i, b := range partial {
						if b == '\n' {
							idx = i
							break
						}
					}
					if idx < 0 {
						break
					}
					line := string(partial[:idx])
					partial = partial[idx+1:]
					if recv != nil {
						recv <- line
					}
					conn.Write([]byte("(monitor) "))
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ln, port
}

func TestEmulator_SendCommandReadsUntilPrompt(t *testing.T) {
	recv := make(chan string, 10)
	ln, port := fakeMonitor(t, recv)
	defer ln.Close()

	e := New("dev1", Config{MonitorPort: port, ConnectRetries: 5, ConnectSpacing: 10 * time.Millisecond, CommandTimeout: 2 * time.Second})
	require.NoError(t, e.connectMonitor(context.Background()))

	resp, err := e.sendCommand("emulation RunFor @1")
	require.NoError(t, err)
	assert.Contains(t, resp, "(monitor)")
	assert.Equal(t, "emulation RunFor @1", <-recv)
}

func TestEmulator_AdvanceParsesUARTLog(t *testing.T) {
	recv := make(chan string, 10)
	ln, port := fakeMonitor(t, recv)
	defer ln.Close()

	dir := t.TempDir()
	e := New("dev1", Config{MonitorPort: port, ConnectRetries: 5, ConnectSpacing: 10 * time.Millisecond, WorkingDir: dir})
	e.logFilePath = filepath.Join(dir, "uart_data.txt")
	require.NoError(t, e.connectMonitor(context.Background()))

	require.NoError(t, os.WriteFile(e.logFilePath,
		[]byte("boot messages\n{\"type\":\"SAMPLE\",\"value\":25.3}\nincomple"), 0o644))

	outputs, err := e.Advance(context.Background(), 1_000_000)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "SAMPLE", outputs[0].Type)
	assert.Equal(t, int64(1_000_000), outputs[0].TimeUs)
	assert.Equal(t, "emulation RunFor @1", <-recv)

	// The partial trailing line is held in the buffer; a follow-up write
	// completing it should surface on the next Advance.
	f, err := os.OpenFile(e.logFilePath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("te {\"type\":\"SAMPLE\",\"value\":26.0}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	outputs, err = e.Advance(context.Background(), 2_000_000)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "SAMPLE", outputs[0].Type)
	assert.Equal(t, "emulation RunFor @1", <-recv)
}

func TestEmulator_AdvanceZeroDeltaIsNoOp(t *testing.T) {
	recv := make(chan string, 10)
	ln, port := fakeMonitor(t, recv)
	defer ln.Close()

	e := New("dev1", Config{MonitorPort: port, ConnectRetries: 5, ConnectSpacing: 10 * time.Millisecond})
	require.NoError(t, e.connectMonitor(context.Background()))

	outputs, err := e.Advance(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, outputs)
	select {
	case line := <-recv:
		t.Fatalf("expected no monitor command, got %q", line)
	default:
	}
}

func TestEmulator_AdvanceBackwardsTimeIsRejected(t *testing.T) {
	e := New("dev1", Config{})
	e.currentTimeUs = 5000

	_, err := e.Advance(context.Background(), 1000)
	require.Error(t, err)
	var xerr *xerrors.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xerrors.KindBackwards, xerr.Kind)
}

func TestEmulator_DeliverWritesOneCharPerCommand(t *testing.T) {
	recv := make(chan string, 64)
	ln, port := fakeMonitor(t, recv)
	defer ln.Close()

	e := New("dev1", Config{MonitorPort: port, ConnectRetries: 5, ConnectSpacing: 10 * time.Millisecond, UARTDevice: "sysbus.uart0"})
	require.NoError(t, e.connectMonitor(context.Background()))

	err := e.Deliver(context.Background(), []event.Event{{Type: "X"}})
	require.NoError(t, err)

	frame, err := event.MarshalEvents([]event.Event{{Type: "X"}})
	require.NoError(t, err)
	// MarshalEvents produces an array; Deliver marshals each event
	// individually, so the array form is not reused as an expected value:
	// the loop below checks that every command has the WriteChar shape and
	// that at least one was sent.
	_ = frame

	count := 0
loop:
	for {
		select {
		case line := <-recv:
			assert.Regexp(t, `^sysbus\.uart0 WriteChar \d+$`, line)
			count++
		default:
			break loop
		}
	}
	assert.Greater(t, count, 0)
}

func TestEmulator_WriteScriptContainsExpectedDirectives(t *testing.T) {
	dir := t.TempDir()
	platform := filepath.Join(dir, "board.repl")
	firmware := filepath.Join(dir, "fw.elf")
	require.NoError(t, os.WriteFile(platform, []byte(""), 0o644))
	require.NoError(t, os.WriteFile(firmware, []byte(""), 0o644))

	e := New("sensor_1", Config{
		Platform:   platform,
		Firmware:   firmware,
		WorkingDir: dir,
		UARTDevice: "sysbus.uart0",
	})

	path, err := e.writeScript()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	script := string(data)
	assert.Contains(t, script, `mach create "sensor_1"`)
	assert.Contains(t, script, "sysbus LoadELF @"+firmware)
	assert.Contains(t, script, "showAnalyzer sysbus.uart0")
	assert.Contains(t, script, "sysbus.uart0 CreateFileBackend @")
	assert.Contains(t, script, "SetGlobalQuantum")
}

func TestEmulator_StartMissingPlatformFileIsConfigError(t *testing.T) {
	e := New("dev1", Config{Platform: "/nonexistent/board.repl", Firmware: "/nonexistent/fw.elf"})
	err := e.Start(context.Background())
	require.Error(t, err)
	var xerr *xerrors.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xerrors.KindConfig, xerr.Kind)
}

func TestEmulator_StopWithNoProcessIsSafe(t *testing.T) {
	e := New("dev1", Config{})
	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, e.Stop(context.Background()))
}
