// Command rvvm is the CLI entrypoint for the RISC-V virtual machine
// monitor: it loads a flat guest image into RAM, attaches a console UART,
// and runs the machine until the guest powers off or the operator
// interrupts it. Flag-based configuration and golang.org/x/term raw-mode
// console handling follow the teacher's cmd/cc/main.go; a machine
// description may also be given as a YAML file, the same config-loading
// idiom internal/bundle/bundle.go uses with gopkg.in/yaml.v3.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/nanorv/rvvm"
	"github.com/nanorv/rvvm/internal/mmiodev"
)

// uartBase and uartIRQ place the console UART at the conventional
// ns16550a address qemu's "virt" machine and most Linux device trees
// already expect.
const (
	uartBase = 0x10000000
	uartIRQ  = 10
)

// machineConfig is the YAML shape accepted by -config, letting a caller
// describe a machine declaratively instead of via repeated flags.
type machineConfig struct {
	RAMSizeMB int    `yaml:"ram_size_mb"`
	Harts     int    `yaml:"harts"`
	Kernel    string `yaml:"kernel"`
	Console   bool   `yaml:"console"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rvvm:", err)
		os.Exit(1)
	}
}

func run() error {
	ramSizeMB := flag.Int("ram-size", 128, "guest RAM size in MiB")
	harts := flag.Int("harts", 1, "number of harts")
	kernel := flag.String("kernel", "", "path to a flat guest image loaded at the base of RAM")
	configPath := flag.String("config", "", "path to a YAML machine description, overriding the flags above")
	console := flag.Bool("console", true, "attach stdin/stdout as the guest's UART console")
	flag.Parse()

	cfg := machineConfig{RAMSizeMB: *ramSizeMB, Harts: *harts, Kernel: *kernel, Console: *console}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.Kernel == "" {
		return fmt.Errorf("no guest image given: pass -kernel or set kernel in -config")
	}

	const ramBase = 0x80000000
	m, err := rvvm.Create(rvvm.Options{
		RAMBase:   ramBase,
		RAMSize:   uint64(cfg.RAMSizeMB) << 20,
		HartCount: cfg.Harts,
	})
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Free()

	image, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("read guest image %q: %w", cfg.Kernel, err)
	}
	if uint64(len(image)) > m.Bus().RAMSize() {
		return fmt.Errorf("guest image %q (%d bytes) larger than RAM (%d bytes)", cfg.Kernel, len(image), m.Bus().RAMSize())
	}
	copy(m.Bus().RAMBytes(), image)
	for _, h := range m.Harts() {
		h.PC = ramBase
	}

	var uart *mmiodev.UART
	if cfg.Console {
		_, u, err := mmiodev.NewUART(m.Bus(), uartBase, os.Stdout, m.PLIC(), uartIRQ)
		if err != nil {
			return fmt.Errorf("attach uart: %w", err)
		}
		uart = u
		restore, err := attachRawConsole(uart)
		if err != nil {
			slog.Warn("rvvm: console raw mode unavailable, input disabled", "err", err)
		} else {
			defer restore()
		}
	}

	m.Reset(true)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("run machine: %w", err)
	}
	if m.NeedsReset() {
		slog.Info("rvvm: guest requested reset")
	} else {
		slog.Info("rvvm: guest powered off")
	}
	return nil
}

// attachRawConsole puts stdin in raw mode (so the guest sees keystrokes
// one at a time, unbuffered and unechoed, the way a real serial console
// would) and starts a goroutine feeding it to uart. The returned func
// restores the terminal's prior state; call it on every exit path.
func attachRawConsole(uart *mmiodev.UART) (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("enable raw mode: %w", err)
	}
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				uart.PushInput(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				return
			}
		}
	}()
	return func() { term.Restore(fd, oldState) }, nil
}
