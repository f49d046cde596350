package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mazmm/memviz"
	"mazmm/script"
)

var (
	renderOutput string
	renderScript string
	renderFormat string
)

func init() {
	cmd := newRenderCmd()
	cmd.Flags().StringVarP(&renderOutput, "output", "o", "memory.png", "PNG file to write")
	cmd.Flags().StringVar(&renderScript, "script", "", "Script to run before rendering")
	cmd.Flags().StringVar(&renderFormat, "format", "png", "Output format: png or raw (framebuffer ARGB8888)")
	rootCmd.AddCommand(cmd)
}

func newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Render the page allocator and heap layout to an image",
		Long: `The render command boots the memory manager, optionally runs a script,
and draws every arena page (coloured by run) and the heap's block list.

Example:
  mazmm render -o boot.png
  mazmm render --script fragment.mm -o fragmented.png
  mazmm render --format raw -o memory.bin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runRender(stdin io.Reader, out, stderr io.Writer) error {
	var save func(string, memviz.Snapshot) error
	switch renderFormat {
	case "png":
		save = memviz.SavePNG
	case "raw":
		save = memviz.SaveRaw
	default:
		return fmt.Errorf("unknown format %q (want png or raw)", renderFormat)
	}

	_, machine, m, err := prepare(stderr)
	if err != nil {
		return err
	}
	defer machine.Close()

	if renderScript != "" {
		in, err := openScript(stdin, renderScript)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := script.New(m, io.Discard).Run(in); err != nil {
			return err
		}
	}

	snap := memviz.Capture(m)
	if err := save(renderOutput, snap); err != nil {
		return fmt.Errorf("failed to write %s: %w", renderOutput, err)
	}
	w, h := snap.Size()
	fmt.Fprintf(out, "wrote %s (%dx%d, %d pages, %d heap blocks)\n", renderOutput, w, h, len(snap.Pages), len(snap.Blocks))
	return nil
}
