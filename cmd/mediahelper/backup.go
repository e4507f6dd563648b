package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// backupSet names where each archived file lives on disk.
type backupSet struct {
	Config   string
	Services string
	History  string
}

func currentBackupSet() backupSet {
	cfgPath := resolveConfigPath()
	set := backupSet{Config: cfgPath}
	if cfg, _, err := config.LoadOrDefaults(cfgPath); err == nil {
		set.Services = cfg.Retrieval.ServicesFile
		set.History = cfg.History.DBPath
	}
	return set
}

// files lists the set's existing files, with the SQLite sidecars.
func (s backupSet) files() []string {
	var out []string
	for _, p := range []string{s.Config, s.Services, s.History} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	if s.History != "" {
		for _, suffix := range []string{"-wal", "-shm"} {
			if _, err := os.Stat(s.History + suffix); err == nil {
				out = append(out, s.History+suffix)
			}
		}
	}
	return out
}

// target maps an archive entry back to its location.
func (s backupSet) target(name string) (string, bool) {
	base := filepath.Base(name)
	switch {
	case base == filepath.Base(s.Config):
		return s.Config, true
	case s.Services != "" && base == filepath.Base(s.Services):
		return s.Services, true
	case s.History == "":
		return "", false
	case strings.HasSuffix(base, ".db"):
		return s.History, true
	case strings.HasSuffix(base, ".db-wal"):
		return s.History + "-wal", true
	case strings.HasSuffix(base, ".db-shm"):
		return s.History + "-shm", true
	}
	return "", false
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, services file and history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			set := currentBackupSet()
			files := set.files()
			if len(files) == 0 {
				return fmt.Errorf("no files to back up (config: %s)", set.Config)
			}

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "mediahelper-backup-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f); err == nil {
					size = uint64(info.Size())
				}
				fmt.Fprintf(out, "  - %s (%s)\n", filepath.Base(f), humanize.IBytes(size))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.mediahelper/backups/mediahelper-backup-<timestamp>.tar.gz)")

	cmd.AddCommand(restoreCmd())
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore files from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := currentBackupSet()
			if !force && len(set.files()) > 0 {
				return errors.New("existing files would be overwritten (use --force to proceed)")
			}
			restored, err := extractTarGz(args[0], set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d file(s) from %s\n", len(restored), args[0])
			for _, f := range restored {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func createTarGz(outputPath string, files []string) (err error) {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := outFile.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gz)
	for _, path := range files {
		if err := addFileToTar(tw, path); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFileToTar(tw *tar.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores the entries set recognizes and skips the rest.
func extractTarGz(archivePath string, set backupSet) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		target, ok := set.target(header.Name)
		if !ok {
			continue
		}
		if err := writeFile(target, tr); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return out.Close()
}
