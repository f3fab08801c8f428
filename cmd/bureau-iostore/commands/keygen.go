// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/iostore/cmd/bureau-iostore/cli"
	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/sealed"
	"github.com/bureau-foundation/iostore/lib/secret"
)

type keygenParams struct {
	Output         string   `flag:"output,o" desc:"key file to create"`
	Recipients     []string `flag:"recipient,r" desc:"age public key (age1...) to seal the key to (repeatable)"`
	IdentityOutput string   `flag:"identity-output" desc:"generate an age identity, write it here and seal the key to it"`
}

func keygenCommand(stdout io.Writer) *cli.Command {
	var params keygenParams
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate a container master key",
		Description: `Generate a random master key for encrypting containers.

Without recipients the key is written as hex. With --recipient or
--identity-output it is sealed with age to every recipient, and the
file can only be loaded with a matching identity (paths.identity in
the configuration, or --identity). Key files are created with mode
0600 and never overwritten.`,
		Usage: "bureau-iostore keygen --output <file> [flags]",
		Examples: []cli.Example{
			{
				Description: "Create an identity and a key sealed to it",
				Command:     "bureau-iostore keygen -o patch.key --identity-output ~/.config/bureau/iostore.identity",
			},
			{
				Description: "Seal a key to a build machine and an escrow key",
				Command:     "bureau-iostore keygen -o patch.key -r age1build... -r age1escrow...",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("keygen", &params)
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("keygen takes no positional arguments, got %q", args[0])
			}
			if params.Output == "" {
				return fmt.Errorf("--output is required")
			}
			recipients, err := keygen(&params)
			if err != nil {
				return err
			}
			if len(recipients) == 0 {
				fmt.Fprintf(stdout, "wrote %s (unsealed)\n", params.Output)
				return nil
			}
			fmt.Fprintf(stdout, "wrote %s sealed to:\n%s\n", params.Output, sealed.FormatRecipients(recipients))
			return nil
		},
	}
}

// keygen writes a new key and returns the recipients it was sealed to.
func keygen(params *keygenParams) ([]string, error) {
	recipients := params.Recipients
	if params.IdentityOutput != "" {
		keypair, err := sealed.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		defer keypair.Close()
		if err := sealed.WriteIdentityFile(params.IdentityOutput, keypair); err != nil {
			return nil, err
		}
		recipients = append(recipients, keypair.PublicKey)
	}

	key, err := secret.New(container.KeySize)
	if err != nil {
		return nil, err
	}
	defer key.Close()
	if _, err := rand.Read(key.Bytes()); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	var content []byte
	if len(recipients) > 0 {
		content, err = sealed.SealKey(key.Bytes(), recipients)
		if err != nil {
			return nil, err
		}
	} else {
		content = make([]byte, hex.EncodedLen(key.Len())+1)
		hex.Encode(content, key.Bytes())
		content[len(content)-1] = '\n'
		defer secret.Zero(content)
	}

	if err := writeNewFile(params.Output, content); err != nil {
		return nil, err
	}
	return recipients, nil
}

// writeNewFile creates path with mode 0600, failing if it exists.
func writeNewFile(path string, content []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := file.Write(content); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}
