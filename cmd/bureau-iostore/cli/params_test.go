// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestBindFlags_BasicTypes(t *testing.T) {
	type params struct {
		Name      string        `flag:"name" desc:"container name"`
		Force     bool          `flag:"force,f" desc:"overwrite"`
		Workers   int           `flag:"workers" desc:"worker count"`
		Order     int32         `flag:"order" desc:"mount order"`
		Offset    int64         `flag:"offset" desc:"byte offset"`
		BlockSize uint32        `flag:"block-size" desc:"block size"`
		Partition uint64        `flag:"partition-size" desc:"partition size"`
		Rate      float64       `flag:"rate" desc:"sampling rate"`
		Timeout   time.Duration `flag:"timeout" desc:"timeout"`
		Labels    []string      `flag:"label" desc:"labels"`
		Untagged  string
	}

	var p params
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(&p, flagSet); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}

	err := flagSet.Parse([]string{
		"--name", "assets",
		"-f",
		"--workers", "4",
		"--order", "-2",
		"--offset", "1099511627776",
		"--block-size", "65536",
		"--partition-size", "4294967296",
		"--rate", "0.95",
		"--timeout", "30s",
		"--label", "a=1,b=2",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.Name != "assets" {
		t.Errorf("Name = %q, want %q", p.Name, "assets")
	}
	if !p.Force {
		t.Error("Force = false, want true")
	}
	if p.Workers != 4 {
		t.Errorf("Workers = %d, want 4", p.Workers)
	}
	if p.Order != -2 {
		t.Errorf("Order = %d, want -2", p.Order)
	}
	if p.Offset != 1099511627776 {
		t.Errorf("Offset = %d, want 1099511627776", p.Offset)
	}
	if p.BlockSize != 65536 {
		t.Errorf("BlockSize = %d, want 65536", p.BlockSize)
	}
	if p.Partition != 4294967296 {
		t.Errorf("Partition = %d, want 4294967296", p.Partition)
	}
	if p.Rate != 0.95 {
		t.Errorf("Rate = %f, want 0.95", p.Rate)
	}
	if p.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", p.Timeout)
	}
	if len(p.Labels) != 2 || p.Labels[0] != "a=1" || p.Labels[1] != "b=2" {
		t.Errorf("Labels = %v, want [a=1 b=2]", p.Labels)
	}
	if p.Untagged != "" {
		t.Errorf("Untagged = %q, want empty", p.Untagged)
	}
}

func TestBindFlags_Defaults(t *testing.T) {
	type params struct {
		Compression string        `flag:"compression" default:"zstd"`
		Workers     int           `flag:"workers" default:"8"`
		BlockSize   uint32        `flag:"block-size" default:"0x10000"`
		Partition   uint64        `flag:"partition-size" default:"1073741824"`
		Timeout     time.Duration `flag:"timeout" default:"10s"`
		Sign        bool          `flag:"sign" default:"true"`
		Labels      []string      `flag:"label" default:"x,y"`
	}

	var p params
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(&p, flagSet); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := flagSet.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.Compression != "zstd" {
		t.Errorf("Compression = %q, want zstd", p.Compression)
	}
	if p.Workers != 8 {
		t.Errorf("Workers = %d, want 8", p.Workers)
	}
	if p.BlockSize != 65536 {
		t.Errorf("BlockSize = %d, want 65536", p.BlockSize)
	}
	if p.Partition != 1073741824 {
		t.Errorf("Partition = %d, want 1073741824", p.Partition)
	}
	if p.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", p.Timeout)
	}
	if !p.Sign {
		t.Error("Sign = false, want true")
	}
	if len(p.Labels) != 2 {
		t.Errorf("Labels = %v, want [x y]", p.Labels)
	}
}

func TestBindFlags_EmbeddedJSONOutput(t *testing.T) {
	type params struct {
		JSONOutput
		Name string `flag:"name"`
	}

	var p params
	flagSet := FlagsFromParams("test", &p)
	if err := flagSet.Parse([]string{"--json", "--name", "x"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.OutputJSON {
		t.Error("OutputJSON = false, want true")
	}

	var output bytes.Buffer
	var entries []string
	done, err := p.EmitJSON(&output, entries)
	if !done || err != nil {
		t.Fatalf("EmitJSON() = (%v, %v), want (true, nil)", done, err)
	}
	if strings.TrimSpace(output.String()) != "[]" {
		t.Errorf("EmitJSON(nil slice) = %q, want []", output.String())
	}

	p.OutputJSON = false
	if done, _ := p.EmitJSON(&output, entries); done {
		t.Error("EmitJSON() without --json reported done")
	}
}

func TestBindFlags_Errors(t *testing.T) {
	var notStruct int
	if err := BindFlags(&notStruct, pflag.NewFlagSet("test", pflag.ContinueOnError)); err == nil {
		t.Error("BindFlags(*int) should return error")
	}

	type unsupported struct {
		Channel chan int `flag:"channel"`
	}
	err := BindFlags(&unsupported{}, pflag.NewFlagSet("test", pflag.ContinueOnError))
	if err == nil || !strings.Contains(err.Error(), "unsupported type") {
		t.Errorf("BindFlags(chan) error = %v, want 'unsupported type'", err)
	}

	type badDefault struct {
		Workers int `flag:"workers" default:"many"`
	}
	err = BindFlags(&badDefault{}, pflag.NewFlagSet("test", pflag.ContinueOnError))
	if err == nil || !strings.Contains(err.Error(), "default for --workers") {
		t.Errorf("BindFlags(bad default) error = %v, want 'default for --workers'", err)
	}
}
