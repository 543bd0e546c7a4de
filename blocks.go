// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/emutrace/qtrace/armhelpers"
	"github.com/emutrace/qtrace/libpf"
	"github.com/emutrace/qtrace/trace"
)

type blocksCmd struct {
	out    io.Writer
	json   bool
	disasm bool
}

func newBlocksCmd(out io.Writer) *ffcli.Command {
	args := &blocksCmd{out: out}

	set := flag.NewFlagSet("blocks", flag.ExitOnError)
	set.String("config", "", configHelp)
	set.BoolVar(&args.json, "json", false, jsonHelp)
	set.BoolVar(&args.disasm, "disasm", false, "Disassemble the instructions of each block.")

	return &ffcli.Command{
		Name:       "blocks",
		Exec:       args.exec,
		ShortUsage: "blocks [flags] <trace directory>",
		ShortHelp:  "List the static basic blocks of a trace",
		FlagSet:    set,
		Options:    ffOptions(),
	}
}

type blockJSON struct {
	ID    uint64   `json:"id"`
	Addr  uint32   `json:"addr"`
	Thumb bool     `json:"thumb"`
	Insns []string `json:"insns,omitempty"`
}

func disassemble(blk *trace.StaticBlock) []string {
	size := libpf.Address(4)
	if blk.Thumb {
		size = 2
	}
	out := make([]string, 0, len(blk.Insns))
	for i, insn := range blk.Insns {
		out = append(out, armhelpers.Disassemble(blk.Addr+libpf.Address(i)*size, insn, blk.Thumb))
	}
	return out
}

func (cmd *blocksCmd) exec(_ context.Context, args []string) (err error) {
	dir, err := traceDir(args)
	if err != nil {
		return err
	}
	r, err := trace.Open(dir)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	enc := json.NewEncoder(cmd.out)
	for id := uint64(0); id < uint64(r.NumStaticBlocks()); id++ {
		blk, err := r.StaticBlock(id)
		if err != nil {
			return err
		}
		if cmd.json {
			rec := blockJSON{ID: blk.ID, Addr: uint32(blk.Addr), Thumb: blk.Thumb}
			if cmd.disasm {
				rec.Insns = disassemble(blk)
			}
			if err = enc.Encode(&rec); err != nil {
				return err
			}
			continue
		}

		mode := "arm"
		if blk.Thumb {
			mode = "thumb"
		}
		fmt.Fprintf(cmd.out, "%d 0x%08x %s %d\n", blk.ID, uint32(blk.Addr), mode, blk.NumInsns)
		if cmd.disasm {
			for _, line := range disassemble(blk) {
				fmt.Fprintf(cmd.out, "  %s\n", line)
			}
		}
	}
	return nil
}
