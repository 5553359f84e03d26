// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ffutop/modbus-interface/internal/config"
	"github.com/ffutop/modbus-interface/internal/logging"
	"github.com/ffutop/modbus-interface/internal/simulator"
	"github.com/ffutop/modbus-interface/modbusif"
	"github.com/ffutop/modbus-interface/transport"
	"github.com/ffutop/modbus-interface/transport/bus"
	"github.com/ffutop/modbus-interface/transport/local"
	"github.com/ffutop/modbus-interface/transport/rtu"
	"github.com/ffutop/modbus-interface/transport/rtuovertcp"
	"github.com/ffutop/modbus-interface/transport/tcp"
)

// exit is called by the fault handler once the interface has halted.
var exit = os.Exit

type app struct {
	configFile string
	oneBased   bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:          "modbus-iface",
		Short:        "Read and write holding registers of Modbus RTU devices",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(a.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.Setup(cfg.Log)
			return nil
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVarP(&a.configFile, "config", "c", "", "path to config file")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-file", "", "log file, empty or - for stderr")
	fs.String("bus", config.TypeRTU, "bus type: rtu, tcp, rtu-over-tcp, local")
	fs.String("device", "/dev/ttyUSB0", "serial device")
	fs.Int("baud", 9600, "baud rate")
	fs.String("line", "", "character format, e.g. 8N1")
	fs.Duration("timeout", 0, "response timeout of the selected bus")
	fs.String("address", "127.0.0.1:502", "device address for tcp buses")
	fs.Bool("verbose", true, "log every transaction")
	fs.BoolVar(&a.oneBased, "one-based", false, "register numbers start at 1")

	cmd.AddCommand(a.newReadCmd(), a.newWriteCmd(), a.newSimulateCmd())
	return cmd
}

func (a *app) newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <slave> <start> [count]",
		Short: "Read holding registers",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			slave, err := parseSlave(args[0])
			if err != nil {
				return err
			}
			start, err := a.parseRegister(args[1])
			if err != nil {
				return err
			}
			count := 1
			if len(args) == 3 {
				n, err := strconv.ParseUint(args[2], 0, 8)
				if err != nil || n == 0 {
					return fmt.Errorf("invalid count %q", args[2])
				}
				count = int(n)
			}

			iface, closer, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			values := make([]uint16, count)
			if err := iface.ReadHoldingRegisterValues(cmd.Context(), slave, start, count, values); err != nil {
				return err
			}
			first := int(start)
			if a.oneBased {
				first++
			}
			for i, v := range values {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: 0x%04X (%d)\n", first+i, v, v)
			}
			return nil
		},
	}
}

func (a *app) newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <slave> <start> <value>...",
		Short: "Write holding registers",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			slave, err := parseSlave(args[0])
			if err != nil {
				return err
			}
			start, err := a.parseRegister(args[1])
			if err != nil {
				return err
			}
			values := make([]uint16, 0, len(args)-2)
			for _, s := range args[2:] {
				v, err := parseValue(s)
				if err != nil {
					return err
				}
				values = append(values, v)
			}

			iface, closer, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			return iface.WriteHoldingRegisterValues(cmd.Context(), slave, start, values)
		},
	}
}

func (a *app) newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return simulator.Run(ctx, a.cfg.Simulator)
		},
	}
	fs := cmd.Flags()
	fs.String("listen", "0.0.0.0:1502", "address to listen on")
	fs.String("upstream", config.TypeTCP, "upstream type: tcp, rtu, rtu-over-tcp")
	fs.String("slave-ids", "", "slave ids to answer, e.g. 1,5-7; empty answers all")
	fs.String("store", "memory", "register storage: memory, file, mmap, sql")
	fs.String("store-path", "", "storage file or DSN")
	return cmd
}

// open builds the interface on the configured bus and starts it.
func (a *app) open(ctx context.Context) (*modbusif.Interface, func(), error) {
	ds, err := newDownstream(a.cfg.Bus)
	if err != nil {
		return nil, nil, err
	}
	client := bus.New(ds)

	opts := []modbusif.Option{
		modbusif.WithWordLength(a.cfg.Interface.WordLength),
		modbusif.WithFaultHandler(func(err error) {
			a.logger.Error("Modbus interface halted", "err", err)
			exit(1)
		}),
	}
	if a.cfg.Interface.DeriveWordLength {
		opts = append(opts, modbusif.WithDerivedWordLength())
	}
	iface := modbusif.New(client, client, a.logger, a.cfg.Interface.Verbose, opts...)

	closer := func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("Failed to close bus", "err", err)
		}
	}
	if err := iface.Begin(ctx, a.cfg.Bus.Serial.BaudRate, a.cfg.Bus.Serial.LineConfig()); err != nil {
		closer()
		return nil, nil, err
	}
	return iface, closer, nil
}

func newDownstream(cfg config.BusConfig) (transport.Downstream, error) {
	switch cfg.Type {
	case config.TypeRTU:
		return rtu.NewClient(cfg.Serial), nil
	case config.TypeTCP:
		c := tcp.NewClient(cfg.Tcp.Address)
		if cfg.Tcp.Timeout > 0 {
			c.Timeout = cfg.Tcp.Timeout
		}
		return c, nil
	case config.TypeRTUOverTCP:
		c := rtuovertcp.NewClient(cfg.Tcp.Address)
		if cfg.Tcp.Timeout > 0 {
			c.Timeout = cfg.Tcp.Timeout
		}
		return c, nil
	case config.TypeLocal:
		return local.NewClient(cfg.Local)
	}
	return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
}

func parseSlave(s string) (byte, error) {
	id, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid slave id %q", s)
	}
	return byte(id), nil
}

// parseRegister parses a register number and converts it to the zero-based
// protocol address.
func (a *app) parseRegister(s string) (uint16, error) {
	reg, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid register %q", s)
	}
	if a.oneBased {
		if reg == 0 {
			return 0, fmt.Errorf("register numbers start at 1")
		}
		reg--
	}
	return uint16(reg), nil
}

// parseValue accepts decimal or 0x prefixed hex.
func parseValue(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid register value %q", s)
	}
	return uint16(v), nil
}
