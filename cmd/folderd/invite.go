package main

import (
	"fmt"

	"foldersync/pkg/folder"
	"foldersync/pkg/secret"

	"github.com/spf13/cobra"
)

func inviteCommand() *cobra.Command {
	var (
		secretStr string
		level     string
	)

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Derive a lower-trust secret to share with a peer",
		Long: `Derive a read-only or untrusted secret from an owner or read-only
secret. Read-only secrets can sync the folder's contents but cannot sign
new metadata; untrusted secrets can only be used to identify the folder,
never to verify signatures or to sync it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, err := secret.Parse(secretStr)
			if err != nil {
				return fmt.Errorf("parse --secret: %w", err)
			}

			var kind folder.SecretKind
			switch level {
			case "readonly", "read-only":
				kind = folder.SecretReadOnly
			case "untrusted":
				kind = folder.SecretUntrusted
			default:
				return fmt.Errorf("--level must be readonly or untrusted, got %q", level)
			}

			derived, err := parent.Derive(kind)
			if err != nil {
				return fmt.Errorf("derive %s secret: %w", kind, err)
			}

			fmt.Printf("%s secret for folder %s:\n", kind, derived.Hash())
			fmt.Printf("  %s\n", derived.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&secretStr, "secret", "", "owner or read-only secret to derive from")
	cmd.Flags().StringVar(&level, "level", "readonly", "trust level to derive: readonly or untrusted")
	cmd.MarkFlagRequired("secret")

	return cmd
}
