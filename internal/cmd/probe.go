package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gustycube/sslinspect/internal/output"
	"github.com/gustycube/sslinspect/internal/probe"
	"github.com/gustycube/sslinspect/internal/target"
)

func newProbeCmd() *cobra.Command {
	var format string

	c := &cobra.Command{
		Use:   "probe HOST [PORT]",
		Short: "Inspect the certificate served by one endpoint",
		Long: `Connect to HOST on PORT (default 443), capture the certificate it presents
and print the inspection result. HOST may also be host:port, [v6]:port or an
https:// URL. The command exits non-zero when the inspection fails.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := target.Parse(args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				port, err := strconv.Atoi(args[1])
				if err != nil || port < 1 || port > 65535 {
					return fmt.Errorf("invalid port %q", args[1])
				}
				t.Port = port
			}

			w, err := output.NewWriter(format, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			log := newLogger()
			defer log.Sync()

			p, _ := probe.NewDefault(log)
			res := p.Inspect(cmd.Context(), t.Host, t.Port)
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
	return c
}
