// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/klippyhost/mcuhost/internal/mcuclock"
	"github.com/klippyhost/mcuhost/internal/motioncore"
	"github.com/klippyhost/mcuhost/internal/motionlog"
	"github.com/klippyhost/mcuhost/internal/protocol"
	"github.com/klippyhost/mcuhost/internal/serialqueue"
	"github.com/klippyhost/mcuhost/internal/stepcompress"
	"github.com/klippyhost/mcuhost/internal/steppersync"
)

// loadDictionaryFile opens and decodes a data dictionary from path.
func loadDictionaryFile(path string) (*protocol.Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	defer f.Close()
	dict, err := protocol.LoadDictionary(f)
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}
	return dict, nil
}

func newDumpDictionaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-dictionary <file>",
		Short: "Decode a data dictionary and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dict, err := loadDictionaryFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version:        %s\n", dict.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "build_versions: %s\n", dict.BuildVersions)
			fmt.Fprintf(cmd.OutOrStdout(), "messages:       %d\n", len(dict.Messages))
			fmt.Fprintf(cmd.OutOrStdout(), "commands:       %d\n", len(dict.Commands))
			fmt.Fprintf(cmd.OutOrStdout(), "responses:      %d\n", len(dict.Responses))
			fmt.Fprintf(cmd.OutOrStdout(), "static_strings: %d\n", len(dict.StaticStrings))
			fmt.Fprintf(cmd.OutOrStdout(), "config keys:    %d\n", len(dict.Config))
			return nil
		},
	}
	return cmd
}

// openTransport opens a real serial port, or (when emulate is true) one
// side of an in-process emulated link while a trivial MCU stub answers on
// the other side — for exercising connect/replay-moves without hardware.
func openTransport(port string, baud int, emulate bool) (serialqueue.Transport, error) {
	if emulate {
		host, mcu := serialqueue.NewEmulatedLink()
		go runEmulatedMCU(mcu)
		return host, nil
	}
	return serialqueue.OpenSerialTransport(port, baud, DefaultReadTimeout)
}

// runEmulatedMCU answers every received frame by echoing back an ack for
// the next sequence it expects, just enough protocol for connect and
// replay-moves to exercise the serial queue without real hardware.
func runEmulatedMCU(tr serialqueue.Transport) {
	var buf []byte
	tmp := make([]byte, 4096)
	next := uint8(0)
	for {
		n, err := tr.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)
		for {
			pf, consumed, perr := protocol.ParseFrame(buf)
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]
			if perr == nil {
				next = (pf.Seq + 1) & 0x0f
				if _, werr := tr.Write(protocol.EncodeAck(next)); werr != nil {
					return
				}
			}
		}
	}
}

func newConnectCmd() *cobra.Command {
	var port string
	var baud int
	var dictPath string
	var emulate bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to an MCU and print transport stats until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			dict, err := loadDictionaryFile(dictPath)
			if err != nil {
				return err
			}
			tr, err := openTransport(port, baud, emulate)
			if err != nil {
				return fmt.Errorf("open transport: %w", err)
			}

			wall := bclock.New()
			model := mcuclock.NewModel(wall, DefaultMCUFreq)
			sq := serialqueue.New(tr, dict, model, wall, serialqueue.Config{
				SentQueueMax: DefaultSentQueueMax,
				MinRTO:       DefaultMinRTO,
				MaxRTO:       DefaultMaxRTO,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			ticker := time.NewTicker(StatsInterval)
			defer ticker.Stop()
			motionlog.Print("connect", "connected, dictionary version %s", dict.Version)
			for {
				select {
				case <-ctx.Done():
					exitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					return sq.Exit(exitCtx)
				case <-ticker.C:
					s := sq.Stats()
					motionlog.Print("connect", "out=%.1fKB in=%.1fKB retransmits=%d dropped=%d acked=%d",
						s.BytesOut.Kilobytes(), s.BytesIn.Kilobytes(), s.Retransmits, s.DroppedFrame, s.Acked)
				}
			}
		},
	}
	cmd.Flags().StringVar(&port, "port", "/dev/ttyUSB0", "serial port device")
	cmd.Flags().IntVar(&baud, "baud", DefaultBaud, "serial baud rate")
	cmd.Flags().StringVar(&dictPath, "dict", "", "path to the MCU's data dictionary (required)")
	cmd.Flags().BoolVar(&emulate, "emulate", false, "talk to an in-process emulated MCU instead of a real port")
	cmd.MarkFlagRequired("dict")
	return cmd
}

// moveScript is the scripted move stream replay-moves consumes: a fixed
// set of named steppers, each assigned an oid in declaration order, and a
// sequence of moves, each pushing a batch of absolute step clocks onto
// zero or more steppers before flushing up to move_clock.
type moveScript struct {
	Steppers []struct {
		Name string `json:"name"`
	} `json:"steppers"`
	Moves []struct {
		MoveClock uint64              `json:"move_clock"`
		Steps     map[string][]uint64 `json:"steps"`
	} `json:"moves"`
}

func loadMoveScript(path string) (*moveScript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open move script: %w", err)
	}
	defer f.Close()
	var ms moveScript
	if err := json.NewDecoder(f).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decode move script: %w", err)
	}
	return &ms, nil
}

func newReplayMovesCmd() *cobra.Command {
	var port string
	var baud int
	var dictPath string
	var movesPath string
	var emulate bool
	var maxError uint

	cmd := &cobra.Command{
		Use:   "replay-moves",
		Short: "Replay a scripted move stream against an MCU and report results",
		RunE: func(cmd *cobra.Command, args []string) error {
			dict, err := loadDictionaryFile(dictPath)
			if err != nil {
				return err
			}
			ms, err := loadMoveScript(movesPath)
			if err != nil {
				return err
			}
			enc, err := protocol.NewQueueStepEncoder(dict, "queue_step")
			if err != nil {
				return err
			}

			tr, err := openTransport(port, baud, emulate)
			if err != nil {
				return fmt.Errorf("open transport: %w", err)
			}
			wall := bclock.New()
			model := mcuclock.NewModel(wall, DefaultMCUFreq)
			sq := serialqueue.New(tr, dict, model, wall, serialqueue.Config{
				SentQueueMax: DefaultSentQueueMax,
				MinRTO:       DefaultMinRTO,
				MaxRTO:       DefaultMaxRTO,
			})
			ctx := cmd.Context()
			defer func() {
				exitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = sq.Exit(exitCtx)
			}()

			compressors := make([]*stepcompress.Compressor, len(ms.Steppers))
			steppers := make([]*motioncore.Stepper, len(ms.Steppers))
			cqs := make([]*serialqueue.CommandQueue, len(ms.Steppers))
			byName := make(map[string]int, len(ms.Steppers))
			for i, s := range ms.Steppers {
				c := stepcompress.New(uint8(i), 0, uint32(maxError), enc)
				compressors[i] = c
				steppers[i] = motioncore.NewStepper(s.Name, uint8(i), c, nil)
				cqs[i] = sq.NewCommandQueue()
				byName[s.Name] = i
			}
			sync := steppersync.New(compressors)
			core, err := motioncore.NewCoreContext(steppers, cqs, sync, sq, model, dict)
			if err != nil {
				return err
			}

			for n, move := range ms.Moves {
				for name, clocks := range move.Steps {
					i, ok := byName[name]
					if !ok {
						return fmt.Errorf("replay-moves: move %d: unknown stepper %q", n, name)
					}
					mcuClocks := make([]stepcompress.Clock, len(clocks))
					for j, c := range clocks {
						mcuClocks[j] = stepcompress.Clock(c)
					}
					if err := steppers[i].PushSteps(mcuClocks); err != nil {
						return fmt.Errorf("replay-moves: move %d: stepper %s: %w", n, name, err)
					}
				}

				result, err := core.Move(ctx, mcuclock.Clock(move.MoveClock), nil)
				if err != nil {
					return fmt.Errorf("replay-moves: move %d: %w", n, err)
				}
				motionlog.Print("replay-moves", "move %d: outcome=%v", n, result.Outcome)
				if result.Outcome == motioncore.MoveEndstopHit {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "/dev/ttyUSB0", "serial port device")
	cmd.Flags().IntVar(&baud, "baud", DefaultBaud, "serial baud rate")
	cmd.Flags().StringVar(&dictPath, "dict", "", "path to the MCU's data dictionary (required)")
	cmd.Flags().StringVar(&movesPath, "moves", "", "path to the move script JSON file (required)")
	cmd.Flags().BoolVar(&emulate, "emulate", false, "talk to an in-process emulated MCU instead of a real port")
	cmd.Flags().UintVar(&maxError, "max-error", DefaultMaxError, "maximum queue_step reconstruction error, in MCU clock ticks")
	cmd.MarkFlagRequired("dict")
	cmd.MarkFlagRequired("moves")
	return cmd
}
