package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/verimyst/internal/model"
)

var (
	scanType    string
	scanID      string
	scanTimeout time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan <file>",
	Short: "Scan a single file and print its verdict",
	Long:  "Submits a file (or - for stdin) to the pipeline, waits for it to finish, and prints the scan record as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}

		ct := scanType
		if ct == "" {
			ct = detectContentType(args[0], data)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
		defer cancel()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			env.Close(closeCtx)
		}()

		scan, err := env.Pipeline.Submit(ctx, scanID, data, ct)
		if err != nil {
			return eris.Wrap(err, "submit scan")
		}
		zap.L().Debug("scan submitted", zap.String("scan_id", scan.ID), zap.String("content_type", ct))

		rec, err := env.Pipeline.Wait(ctx, scan.ID)
		if err != nil {
			return eris.Wrapf(err, "wait for scan %s", scan.ID)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, eris.Wrap(err, "read stdin")
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return data, nil
}

// detectContentType guesses the scan content type from the file extension,
// falling back to sniffing the bytes.
func detectContentType(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".html", ".htm", ".json":
		return string(model.ContentText)
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return string(model.ContentImage)
	case ".mp3", ".wav", ".ogg", ".flac", ".m4a":
		return string(model.ContentAudio)
	case ".mp4", ".mov", ".webm", ".mkv", ".avi":
		return string(model.ContentVideo)
	}
	sniffed := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(sniffed, "image/"):
		return string(model.ContentImage)
	case strings.HasPrefix(sniffed, "audio/"):
		return string(model.ContentAudio)
	case strings.HasPrefix(sniffed, "video/"):
		return string(model.ContentVideo)
	default:
		return string(model.ContentText)
	}
}

func init() {
	scanCmd.Flags().StringVar(&scanType, "type", "", "content type: text, image, audio or video (default: inferred)")
	scanCmd.Flags().StringVar(&scanID, "id", "", "scan id (default: generated)")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 2*time.Minute, "maximum time to wait for the verdict")
	rootCmd.AddCommand(scanCmd)
}
