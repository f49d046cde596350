package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"mazmm/script"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <script>",
		Short: "Run an allocation script against a freshly booted manager",
		Long: `The run command boots the memory manager and executes a script of
allocation and mapping commands, one per line. Use - to read from stdin.

Example:
  mazmm run scenario.mm
  echo "alloc a 100" | mazmm run -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
		},
	}
}

func openScript(stdin io.Reader, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(path)
}

func runScript(stdin io.Reader, out, stderr io.Writer, path string) error {
	in, err := openScript(stdin, path)
	if err != nil {
		return err
	}
	defer in.Close()

	_, machine, m, err := prepare(stderr)
	if err != nil {
		return err
	}
	defer machine.Close()

	return script.New(m, out).Run(in)
}
