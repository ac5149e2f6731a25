package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"foldersync/pkg/config"
	"foldersync/pkg/secret"

	"github.com/spf13/cobra"
)

func initCommand() *cobra.Command {
	var (
		name       string
		rootPath   string
		dataDir    string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new folder and its owner secret",
		Long:  "Generate an owner secret for a new folder, create its directories, and write (or extend) a config file describing it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if rootPath == "" {
				return fmt.Errorf("--root is required")
			}

			owner, err := secret.NewOwner()
			if err != nil {
				return fmt.Errorf("generate owner secret: %w", err)
			}

			folderID := owner.Hash()
			systemPath := filepath.Join(dataDir, "folders", folderID.String(), "system")

			if err := os.MkdirAll(rootPath, 0755); err != nil {
				return fmt.Errorf("create root path: %w", err)
			}
			if err := os.MkdirAll(systemPath, 0700); err != nil {
				return fmt.Errorf("create system path: %w", err)
			}

			cfgPath := filepath.Join(dataDir, "config.json")
			cfg, err := loadOrNewConfig(cfgPath, listenAddr, dataDir)
			if err != nil {
				return err
			}
			cfg.Folders = append(cfg.Folders, config.FolderConfig{
				Name:       name,
				RootPath:   rootPath,
				SystemPath: systemPath,
				Secret:     owner.String(),
			})
			if err := writeConfig(cfgPath, cfg); err != nil {
				return err
			}

			fmt.Printf("Created folder %q\n", name)
			fmt.Printf("  folder id:  %s\n", folderID)
			fmt.Printf("  root path:  %s\n", rootPath)
			fmt.Printf("  config:     %s\n", cfgPath)
			fmt.Println()
			fmt.Println("Owner secret (keep this safe, it grants full write access):")
			fmt.Printf("  %s\n", owner.String())
			fmt.Println()
			fmt.Println("Share a read-only or untrusted secret with peers using:")
			fmt.Printf("  folderd invite --secret %s --level readonly\n", owner.String())

			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "folder name")
	cmd.Flags().StringVar(&rootPath, "root", "", "directory to sync")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for folderd's own state")
	cmd.Flags().StringVar(&listenAddr, "listen-address", ":6947", "address folderd listens on (written to config.json if new)")

	return cmd
}

func loadOrNewConfig(path, listenAddr, dataDir string) (*config.Config, error) {
	if _, err := os.Stat(path); err == nil {
		return config.LoadConfig(path)
	}
	return &config.Config{ListenAddress: listenAddr, DataDir: dataDir}, nil
}

func writeConfig(path string, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
