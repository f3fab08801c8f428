// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/cli"
	"github.com/bureau-foundation/iostore/lib/container"
)

// fileLabelPrefix prefixes the header label that records which file a
// chunk was packed from: "file.<chunk-id>" = "<path>".
const fileLabelPrefix = "file."

type packParams struct {
	globalParams
	cli.JSONOutput
	Output        string   `flag:"output,o" desc:"table of contents path (must end in .iotoc)"`
	Name          string   `flag:"name" desc:"container name (default: output file name)"`
	ContainerID   uint64   `flag:"container-id" desc:"container id (default: random)"`
	BlockSize     uint32   `flag:"block-size" desc:"uncompressed compression block size" default:"65536"`
	PartitionSize uint64   `flag:"partition-size" desc:"maximum partition file size" default:"1073741824"`
	Compression   string   `flag:"compression" desc:"block compression: none, lz4, zstd, snappy or lzma" default:"zstd"`
	Sign          bool     `flag:"sign" desc:"store a BLAKE3 signature for every block"`
	KeyFile       string   `flag:"key-file" desc:"master key file (raw, hex or age-sealed) to encrypt blocks with"`
	KeyID         string   `flag:"key-id" desc:"key id recorded in the container; required with --key-file"`
	NoIndex       bool     `flag:"no-index" desc:"write no perfect hash; readers fall back to a map lookup"`
	Labels        []string `flag:"label" desc:"header label as key=value (repeatable)"`
}

// packResult describes a written container.
type packResult struct {
	TOC         string      `json:"toc"`
	Name        string      `json:"name"`
	ContainerID uint64      `json:"container_id"`
	Partitions  uint32      `json:"partitions"`
	Blocks      int         `json:"blocks"`
	Chunks      []packChunk `json:"chunks"`
}

type packChunk struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func packCommand(stdout io.Writer) *cli.Command {
	var params packParams
	return &cli.Command{
		Name:    "pack",
		Summary: "Build a container from files",
		Description: `Write each FILE as one chunk of a new container.

Chunk ids are derived from the container id and the file's position
on the command line, and are printed with the path they came from.
The mapping is also recorded as "file.<chunk-id>" labels in the
container header, which "ls" shows.

Blocks that do not shrink under the chosen compression are stored
uncompressed. With --key-file every block is encrypted with a key
derived from the master key; the same key id must be registered
when the container is mounted.`,
		Usage: "bureau-iostore pack --output <toc> [flags] FILE...",
		Examples: []cli.Example{
			{
				Description: "Pack textures with LZ4 and block signatures",
				Command:     "bureau-iostore pack -o textures.iotoc --compression lz4 --sign textures/*.ktx",
			},
			{
				Description: "Pack an encrypted patch container",
				Command:     "bureau-iostore pack -o patch.iotoc --key-file patch.key --key-id patch-2026-10 patch/*",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("pack", &params)
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("at least one FILE is required")
			}
			if params.Output == "" {
				return fmt.Errorf("--output is required")
			}
			result, err := pack(&params, args)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(stdout, result); done {
				return err
			}
			for _, chunk := range result.Chunks {
				fmt.Fprintf(stdout, "%s  %s\n", chunk.ID, chunk.Path)
			}
			fmt.Fprintf(stdout, "wrote %s: container %016x, %d chunks, %d blocks, %d partitions\n",
				result.TOC, result.ContainerID, len(result.Chunks), result.Blocks, result.Partitions)
			return nil
		},
	}
}

func pack(params *packParams, files []string) (*packResult, error) {
	if len(files) > math.MaxUint16+1 {
		return nil, fmt.Errorf("%d files exceed the %d chunks one container id can address", len(files), math.MaxUint16+1)
	}
	compression, err := container.ParseCompressionMethod(params.Compression)
	if err != nil {
		return nil, err
	}
	labels, err := parseLabels(params.Labels)
	if err != nil {
		return nil, err
	}
	name := params.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(params.Output), container.TOCExtension)
	}

	options := container.WriterOptions{
		ContainerID:          params.ContainerID,
		Name:                 name,
		CompressionBlockSize: params.BlockSize,
		PartitionSize:        params.PartitionSize,
		Compression:          compression,
		Sign:                 params.Sign,
		DisablePerfectHash:   params.NoIndex,
		Labels:               labels,
	}

	if (params.KeyFile == "") != (params.KeyID == "") {
		return nil, fmt.Errorf("--key-file and --key-id must be given together")
	}
	if params.KeyFile != "" {
		cfg, err := params.loadConfig()
		if err != nil {
			return nil, err
		}
		key, err := readKey(cfg, params.KeyFile)
		if err != nil {
			return nil, err
		}
		defer key.Close()
		options.EncryptionKeyID = params.KeyID
		options.EncryptionKey = key.Bytes()
	}

	// The writer keeps this map and stores it in the header on Close.
	if options.Labels == nil {
		options.Labels = make(map[string]string)
	}
	writer, err := container.NewWriter(params.Output, options)
	if err != nil {
		return nil, err
	}

	result := &packResult{TOC: params.Output, Name: name, ContainerID: writer.ContainerID()}
	for index, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		id := container.NewChunkID(writer.ContainerID(), uint16(index), container.ChunkTypeData)
		if err := writer.Append(id, data); err != nil {
			return nil, fmt.Errorf("adding %s: %w", path, err)
		}
		options.Labels[fileLabelPrefix+id.String()] = path
		result.Chunks = append(result.Chunks, packChunk{ID: id.String(), Path: path, Size: int64(len(data))})
	}

	toc, err := writer.Close()
	if err != nil {
		return nil, err
	}
	result.Partitions = toc.PartitionCount
	result.Blocks = len(toc.Blocks)
	return result, nil
}

func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("label %q is not key=value", pair)
		}
		if strings.HasPrefix(key, fileLabelPrefix) {
			return nil, fmt.Errorf("label %q: the %s prefix is reserved", pair, fileLabelPrefix)
		}
		labels[key] = value
	}
	return labels, nil
}
