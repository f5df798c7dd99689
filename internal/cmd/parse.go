package cmd

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gustycube/sslinspect/internal/certparse"
	"github.com/gustycube/sslinspect/internal/output"
	"github.com/gustycube/sslinspect/internal/result"
	"github.com/gustycube/sslinspect/internal/store"
	"github.com/gustycube/sslinspect/internal/target"
)

func newParseCmd() *cobra.Command {
	var (
		format string
		host   string
		port   int
	)

	c := &cobra.Command{
		Use:   "parse FILE",
		Short: "Inspect a certificate read from a file",
		Long: `Parse a PEM, DER or PKCS#7 certificate from FILE ("-" for stdin) and print
it as an inspection record without connecting anywhere. --host and --port
only label the record.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			w, err := output.NewWriter(format, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			var res result.Result
			cert, err := certparse.Decode(data)
			if err != nil {
				res = result.Fail(result.KindParseError, "", err.Error(), result.InternalErrorNumber)
			} else {
				var key string
				if host != "" {
					key = store.IdentityKey(host, port)
				}
				res = result.Success(result.NewRecord(key, host, port, cert, time.Now()))
			}

			if err := w.Write(res); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if !res.Status() {
				return ErrInspectionFailed
			}
			return nil
		},
	}
	c.Flags().StringVarP(&format, "output", "o", "json", "output format (json, jsonl, csv, table)")
	c.Flags().StringVar(&host, "host", "", "host to label the record with")
	c.Flags().IntVar(&port, "port", target.DefaultPort, "port to label the record with")
	return c
}
